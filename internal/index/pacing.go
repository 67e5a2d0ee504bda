package index

import (
	"time"

	"github.com/hyperjump/semdex/internal/models"
)

// pacing controls how aggressively a collection is indexed: documents per
// chunk, the cooling delay before each chunk, and how many documents may be
// processed between checkpoints.
type pacing struct {
	chunkSize int
	delay     time.Duration
	saveEvery int
}

// pacingFor tunes each collection to its inference cost: content embeddings
// take the largest inputs, so they run in small, well-spaced batches, while
// cheap title embeddings are batched aggressively.
var pacingFor = map[models.Collection]pacing{
	models.CollectionTitles:   {chunkSize: 25, delay: 5 * time.Millisecond, saveEvery: 25},
	models.CollectionHeadings: {chunkSize: 5, delay: 10 * time.Millisecond, saveEvery: 15},
	models.CollectionContent:  {chunkSize: 2, delay: 50 * time.Millisecond, saveEvery: 5},
}
