// Package models defines the embedding records, the persisted envelope, and
// search types shared across the engine.
package models

// Collection identifies one of the three embedding granularities.
type Collection string

const (
	CollectionTitles   Collection = "titles"
	CollectionHeadings Collection = "headings"
	CollectionContent  Collection = "content"
)

// Collections lists all collections in canonical order.
var Collections = []Collection{CollectionTitles, CollectionHeadings, CollectionContent}

// Enabled records which collections the user has turned on.
type Enabled struct {
	Titles   bool
	Headings bool
	Content  bool
}

// For reports whether collection c is enabled.
func (e Enabled) For(c Collection) bool {
	switch c {
	case CollectionTitles:
		return e.Titles
	case CollectionHeadings:
		return e.Headings
	case CollectionContent:
		return e.Content
	default:
		return false
	}
}

// TitleRecord is the title-granularity embedding for one note.
type TitleRecord struct {
	Path         string    `json:"path"`
	Embedding    []float32 `json:"embedding"`
	LastModified int64     `json:"lastModified"` // unix milliseconds
	Title        string    `json:"title"`
}

// HeadingRecord is the heading-granularity embedding for one note. The
// embedding covers all section headings joined with newlines.
type HeadingRecord struct {
	Path         string    `json:"path"`
	Embedding    []float32 `json:"embedding"`
	LastModified int64     `json:"lastModified"`
	Headings     []string  `json:"headings"`
}

// ContentRecord is the body-granularity embedding for one note. Excerpt keeps
// the first part of the body for display in results.
type ContentRecord struct {
	Path         string    `json:"path"`
	Embedding    []float32 `json:"embedding"`
	LastModified int64     `json:"lastModified"`
	Excerpt      string    `json:"excerpt"`
}

// IndexingState tracks one collection's indexing progress. LastHeartbeat is
// refreshed during a pass so a stale lock left by a dead process can be
// detected on the next load.
type IndexingState struct {
	IsIndexing    bool  `json:"isIndexing"`
	Progress      int   `json:"progress"`
	Total         int   `json:"total"`
	LastIndexed   int64 `json:"lastIndexed"`
	LastHeartbeat int64 `json:"lastHeartbeat"`
}

// IndexingStates holds the per-collection indexing state records.
type IndexingStates struct {
	Titles   IndexingState `json:"titles"`
	Headings IndexingState `json:"headings"`
	Content  IndexingState `json:"content"`
}

// ByCollection returns a pointer to the state for c, or nil for an unknown collection.
func (s *IndexingStates) ByCollection(c Collection) *IndexingState {
	switch c {
	case CollectionTitles:
		return &s.Titles
	case CollectionHeadings:
		return &s.Headings
	case CollectionContent:
		return &s.Content
	default:
		return nil
	}
}

// EnvelopeVersion is the persisted envelope format version. A mismatch on
// load is treated as an absent database.
const EnvelopeVersion = 1

// Envelope is the single persisted database: three embedding collections
// keyed by note path plus their indexing states.
type Envelope struct {
	Version        int                       `json:"version"`
	LastUpdate     int64                     `json:"lastUpdate"`
	Titles         map[string]*TitleRecord   `json:"titles"`
	Headings       map[string]*HeadingRecord `json:"headings"`
	Content        map[string]*ContentRecord `json:"content"`
	IndexingStates IndexingStates            `json:"indexingStates"`
}

// NewEnvelope returns an empty envelope at the current version.
func NewEnvelope() *Envelope {
	return &Envelope{
		Version:  EnvelopeVersion,
		Titles:   make(map[string]*TitleRecord),
		Headings: make(map[string]*HeadingRecord),
		Content:  make(map[string]*ContentRecord),
	}
}
