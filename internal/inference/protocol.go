package inference

// The worker protocol uses tagged variants rather than string opcodes so the
// request and response kinds are checked at compile time. Correlation is by
// request ID: the client registers a pending entry before posting and the
// dispatcher resolves it when the matching response arrives.

type requestKind int

const (
	requestEmbed requestKind = iota
	requestEmbedBatch
)

type workerRequest struct {
	kind  requestKind
	id    string
	text  string   // requestEmbed
	texts []string // requestEmbedBatch
}

type responseKind int

const (
	responseResult responseKind = iota
	responseError
)

type workerResponse struct {
	kind    responseKind
	id      string
	vector  []float32   // requestEmbed result
	vectors [][]float32 // requestEmbedBatch result
	err     string      // responseError
}
