package notes

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hyperjump/semdex/internal/models"
	"github.com/hyperjump/semdex/internal/notes/extract"
	"go.uber.org/zap"
)

// FSRepository is a filesystem-backed note repository. It serves reads
// directly from disk and forwards fsnotify events to subscribers; debouncing
// is the coordinator's concern, not the repository's.
type FSRepository struct {
	roots      []string
	extensions []string
	recursive  bool
	extractor  *extract.Extractor
	logger     *zap.Logger // optional; when set, logs debug events

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	handlers []func(Event)
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// FSOption configures an FSRepository.
type FSOption func(*FSRepository)

// WithFSLogger sets a logger for debug output (watch events, sync progress).
func WithFSLogger(l *zap.Logger) FSOption {
	return func(r *FSRepository) { r.logger = l }
}

// NewFSRepository creates a repository over roots. extensions filter which
// files belong to the corpus (empty = all); extractor may be nil, in which
// case all files are read as plain text.
func NewFSRepository(roots, extensions []string, recursive bool, extractor *extract.Extractor, opts ...FSOption) *FSRepository {
	r := &FSRepository{
		roots:      roots,
		extensions: extensions,
		recursive:  recursive,
		extractor:  extractor,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List walks all roots and returns the absolute paths of matching regular files.
func (r *FSRepository) List(ctx context.Context) ([]string, error) {
	var paths []string
	for _, root := range r.roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("absolute path: %w", err)
		}
		err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if !r.recursive && path != absRoot {
					return fs.SkipDir
				}
				return nil
			}
			if !matchExtension(path, r.extensions) {
				return nil
			}
			info, statErr := os.Stat(path)
			if statErr != nil || !info.Mode().IsRegular() {
				return nil
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return paths, nil
}

// Read loads the document at path. Markdown is read directly and scanned for
// headings; other formats go through the extractor and have no headings.
func (r *FSRepository) Read(ctx context.Context, path string) (*models.Note, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}

	note := &models.Note{
		Path:         absPath,
		Title:        TitleFromPath(absPath),
		LastModified: info.ModTime().UnixMilli(),
	}
	if IsMarkdown(absPath) {
		content, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		note.Content = string(content)
		note.Headings = ScanHeadings(note.Content)
		return note, nil
	}
	if r.extractor != nil {
		text, err := r.extractor.Extract(absPath)
		if err != nil {
			return nil, fmt.Errorf("extract content: %w", err)
		}
		note.Content = text
		return note, nil
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	note.Content = string(content)
	return note, nil
}

// LastModified returns the document's mtime in unix milliseconds.
func (r *FSRepository) LastModified(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.ModTime().UnixMilli(), nil
}

// Subscribe registers a change handler.
func (r *FSRepository) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, fn)
}

// Start begins watching all roots for changes. It runs until ctx is
// cancelled or Stop is called.
func (r *FSRepository) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.watcher = watcher
	r.started = true
	if r.logger != nil {
		r.logger.Debug("repository watch starting", zap.Strings("roots", r.roots))
	}
	for _, root := range r.roots {
		if err := r.watchTreeLocked(root); err != nil {
			_ = r.watcher.Close()
			r.watcher = nil
			r.started = false
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()
	go r.run(ctx)
	return nil
}

func (r *FSRepository) watchTreeLocked(root string) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(root, 0755); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	if !r.recursive {
		return r.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return r.watcher.Add(path)
		}
		return nil
	})
}

func (r *FSRepository) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && r.logger != nil {
				r.logger.Debug("repository watch error", zap.Error(err))
			}
		}
	}
}

func (r *FSRepository) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if r.logger != nil {
		r.logger.Debug("repository event", zap.String("op", ev.Op.String()), zap.String("path", path))
	}
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			r.handleNewDirectory(path)
			return
		}
		if matchExtension(path, r.extensions) {
			r.emit(Event{Kind: EventCreate, Path: path})
		}
	case ev.Op.Has(fsnotify.Write):
		if matchExtension(path, r.extensions) {
			r.emit(Event{Kind: EventModify, Path: path})
		}
	case ev.Op.Has(fsnotify.Rename):
		// fsnotify reports the old path; the new location shows up as Create.
		if matchExtension(path, r.extensions) {
			r.emit(Event{Kind: EventRename, Path: path})
		}
	case ev.Op.Has(fsnotify.Remove):
		if matchExtension(path, r.extensions) {
			r.emit(Event{Kind: EventDelete, Path: path})
		}
	}
}

// handleNewDirectory adds a created directory to the watch list and emits
// create events for any files already inside it.
func (r *FSRepository) handleNewDirectory(dirPath string) {
	r.mu.Lock()
	watcher := r.watcher
	recursive := r.recursive
	r.mu.Unlock()
	if watcher == nil || !recursive {
		return
	}
	filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := watcher.Add(path); addErr != nil && r.logger != nil {
				r.logger.Debug("repository failed to watch directory", zap.String("path", path), zap.Error(addErr))
			}
			return nil
		}
		if matchExtension(path, r.extensions) {
			r.emit(Event{Kind: EventCreate, Path: path})
		}
		return nil
	})
}

func (r *FSRepository) emit(ev Event) {
	r.mu.Lock()
	handlers := append([]func(Event){}, r.handlers...)
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Stop stops watching and releases resources. Reads keep working.
func (r *FSRepository) Stop() {
	r.mu.Lock()
	if !r.started || r.watcher == nil {
		r.mu.Unlock()
		return
	}
	_ = r.watcher.Close()
	r.watcher = nil
	r.started = false
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.done) })
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
