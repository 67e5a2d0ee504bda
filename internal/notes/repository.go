// Package notes provides the note repository: corpus enumeration, content
// and heading reads, and file change notifications.
package notes

import (
	"context"

	"github.com/hyperjump/semdex/internal/models"
)

// EventKind classifies a repository change notification.
type EventKind int

const (
	EventCreate EventKind = iota
	EventModify
	EventDelete
	EventRename
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one change notification. For EventRename, Path is the old path;
// the file's new location arrives as a separate EventCreate.
type Event struct {
	Kind EventKind
	Path string
}

// Repository is the document corpus the engine indexes. Implementations own
// file access; the engine never touches the filesystem directly.
type Repository interface {
	// List returns the absolute paths of all corpus documents.
	List(ctx context.Context) ([]string, error)
	// Read loads one document: content, derived title, section headings,
	// and last-modified time.
	Read(ctx context.Context, path string) (*models.Note, error)
	// LastModified returns the document's current last-modified time in
	// unix milliseconds without reading its content.
	LastModified(ctx context.Context, path string) (int64, error)
	// Subscribe registers a change handler. Handlers are called from the
	// watch goroutine and must return quickly.
	Subscribe(fn func(Event))
}
