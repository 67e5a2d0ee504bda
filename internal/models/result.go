package models

// SearchResult is a single similarity hit. Source names the collection the
// winning score came from; Excerpt is the title text, joined headings, or
// content excerpt depending on Source.
type SearchResult struct {
	Path    string     `json:"path"`
	Score   float64    `json:"score"`
	Source  Collection `json:"source"`
	Excerpt string     `json:"excerpt"`
}

// SearchOptions controls a similarity query.
type SearchOptions struct {
	TopK        int     // maximum results returned; <=0 means no limit
	ExcludePath string  // path skipped during scoring (typically the active note)
	MinScore    float64 // results strictly below this are dropped; 0 disables
}

// Note is one corpus document as read from the note repository.
type Note struct {
	Path         string
	Title        string
	Headings     []string
	Content      string
	LastModified int64 // unix milliseconds
}
