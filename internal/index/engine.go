// Package index drives progressive re-embedding of the note corpus: one
// collection at a time, chunked and paced so inference never starves
// interactive work, checkpointed so a crash mid-pass is recoverable, and
// cancellable at chunk granularity.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperjump/semdex/internal/inference"
	"github.com/hyperjump/semdex/internal/models"
	"github.com/hyperjump/semdex/internal/notes"
	"github.com/hyperjump/semdex/internal/store"
	"github.com/hyperjump/semdex/pkg/utils"
	"go.uber.org/zap"
)

const (
	// contentEmbedLimit bounds how much of a note body goes to the model.
	contentEmbedLimit = 3000
	// excerptLimit bounds the stored display excerpt.
	excerptLimit = 150
	// cancelGrace is how long Cancel waits before force-clearing locks, so
	// an in-flight chunk can observe the flag first.
	cancelGrace = 100 * time.Millisecond
)

// ErrIndexingInProgress is returned when a pass is requested while another
// collection holds the indexing lock.
var ErrIndexingInProgress = errors.New("indexing already in progress")

// Embedder is the inference surface the engine needs.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, mode inference.Mode) ([]float32, error)
	IsReady() bool
}

// Notifier receives typed indexing notifications for the UI layer.
type Notifier interface {
	IndexingStarted(c models.Collection, total int)
	IndexingProgress(c models.Collection, progress, total int)
	IndexingCompleted(c models.Collection)
	StatsChanged()
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) IndexingStarted(models.Collection, int)       {}
func (NopNotifier) IndexingProgress(models.Collection, int, int) {}
func (NopNotifier) IndexingCompleted(models.Collection)          {}
func (NopNotifier) StatsChanged()                                {}

// Engine runs indexing passes against the embedding store.
type Engine struct {
	store    *store.Store
	repo     notes.Repository
	embedder Embedder
	enabled  models.Enabled
	notifier Notifier
	logger   *zap.Logger // optional; when set, logs debug events

	cancelRequested atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a logger for debug output (documents skipped, failures, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier sets the progress notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine creates an indexing engine.
func NewEngine(st *store.Store, repo notes.Repository, embedder Embedder, enabled models.Enabled, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		repo:     repo,
		embedder: embedder,
		enabled:  enabled,
		notifier: NopNotifier{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enabled returns the engine's collection enablement.
func (e *Engine) Enabled() models.Enabled {
	return e.enabled
}

// IndexCollection runs a full pass over the corpus for one collection.
// Rejected with ErrIndexingInProgress while any collection is indexing; the
// lock is durable, so a pass interrupted by a crash is visible on reload.
// Per-document failures are logged and skipped. A fatal error always releases
// the lock before propagating.
func (e *Engine) IndexCollection(ctx context.Context, c models.Collection) error {
	if !e.enabled.For(c) {
		return nil
	}
	paths, err := e.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate corpus: %w", err)
	}

	prior := e.store.State(c)
	if holder, ok := e.store.TryBeginIndexing(c, len(paths)); !ok {
		return fmt.Errorf("%w (%s)", ErrIndexingInProgress, holder)
	}
	if err := e.store.Save(); err != nil {
		e.store.ForceClearLocks()
		return err
	}
	e.cancelRequested.Store(false)
	e.notifier.IndexingStarted(c, len(paths))
	if e.logger != nil {
		e.logger.Info("indexing pass started", zap.String("collection", string(c)), zap.Int("total", len(paths)))
	}

	processed, runErr := e.runPass(ctx, c, paths)
	if runErr != nil {
		// Release the lock before re-raising so a fatal error never leaves
		// the store stuck.
		e.store.SetState(c, models.IndexingState{LastIndexed: prior.LastIndexed})
		_ = e.store.Save()
		return runErr
	}
	if e.cancelRequested.Load() {
		if e.logger != nil {
			e.logger.Info("indexing pass cancelled", zap.String("collection", string(c)), zap.Int("processed", processed))
		}
		return nil
	}

	e.store.SetState(c, models.IndexingState{LastIndexed: time.Now().UnixMilli()})
	if err := e.store.Save(); err != nil {
		return err
	}
	e.notifier.IndexingCompleted(c)
	e.notifier.StatsChanged()
	if e.logger != nil {
		e.logger.Info("indexing pass completed", zap.String("collection", string(c)), zap.Int("processed", processed))
	}
	return nil
}

// runPass iterates paths in paced chunks. Returns how many documents were
// visited and the first fatal error, if any. Cancellation is polled at the
// top of each chunk and is not an error.
func (e *Engine) runPass(ctx context.Context, c models.Collection, paths []string) (int, error) {
	pace := pacingFor[c]
	processed := 0
	sinceSave := 0
	total := len(paths)

	for start := 0; start < total; start += pace.chunkSize {
		if e.cancelRequested.Load() {
			return processed, nil
		}
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		case <-time.After(pace.delay):
		}

		end := start + pace.chunkSize
		if end > total {
			end = total
		}
		for _, path := range paths[start:end] {
			if err := e.indexOne(ctx, c, path); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return processed, err
				}
				if e.logger != nil {
					e.logger.Warn("failed to index document", zap.String("path", path), zap.Error(err))
				}
			}
			processed++
			sinceSave++
			if sinceSave >= pace.saveEvery {
				sinceSave = 0
				e.store.Heartbeat(c, processed)
				if err := e.store.Save(); err != nil {
					return processed, err
				}
				e.notifier.IndexingProgress(c, processed, total)
			}
		}
		e.store.Heartbeat(c, processed)
	}
	return processed, nil
}

// indexOne brings one document's record in collection c up to date, skipping
// the read and inference entirely when the stored record already matches the
// document's mtime.
func (e *Engine) indexOne(ctx context.Context, c models.Collection, path string) error {
	mtime, err := e.repo.LastModified(ctx, path)
	if err != nil {
		return err
	}
	if stored, ok := e.recordModified(c, path); ok && stored == mtime {
		return nil
	}
	note, err := e.repo.Read(ctx, path)
	if err != nil {
		return err
	}
	switch c {
	case models.CollectionTitles:
		return e.embedTitle(ctx, note)
	case models.CollectionHeadings:
		return e.embedHeadings(ctx, note)
	case models.CollectionContent:
		return e.embedContent(ctx, note)
	default:
		return fmt.Errorf("unknown collection %q", c)
	}
}

// recordModified returns the stored lastModified for path in collection c.
func (e *Engine) recordModified(c models.Collection, path string) (int64, bool) {
	switch c {
	case models.CollectionTitles:
		if rec, ok := e.store.Title(path); ok {
			return rec.LastModified, true
		}
	case models.CollectionHeadings:
		if rec, ok := e.store.Heading(path); ok {
			return rec.LastModified, true
		}
	case models.CollectionContent:
		if rec, ok := e.store.Content(path); ok {
			return rec.LastModified, true
		}
	}
	return 0, false
}

// embedTitle embeds the bare title string.
func (e *Engine) embedTitle(ctx context.Context, note *models.Note) error {
	if rec, ok := e.store.Title(note.Path); ok && rec.LastModified == note.LastModified {
		return nil
	}
	vec, err := e.embedder.GenerateEmbedding(ctx, note.Title, inference.ModePassage)
	if err != nil {
		return fmt.Errorf("embed title: %w", err)
	}
	e.store.SetTitle(&models.TitleRecord{
		Path:         note.Path,
		Embedding:    vec,
		LastModified: note.LastModified,
		Title:        note.Title,
	})
	return nil
}

// embedHeadings embeds the newline-joined section headings, removing the
// record entirely when the note has none.
func (e *Engine) embedHeadings(ctx context.Context, note *models.Note) error {
	if rec, ok := e.store.Heading(note.Path); ok && rec.LastModified == note.LastModified {
		return nil
	}
	if len(note.Headings) == 0 {
		e.store.DeleteHeading(note.Path)
		return nil
	}
	vec, err := e.embedder.GenerateEmbedding(ctx, strings.Join(note.Headings, "\n"), inference.ModePassage)
	if err != nil {
		return fmt.Errorf("embed headings: %w", err)
	}
	e.store.SetHeading(&models.HeadingRecord{
		Path:         note.Path,
		Embedding:    vec,
		LastModified: note.LastModified,
		Headings:     note.Headings,
	})
	return nil
}

// embedContent embeds the note body truncated to the model input limit and
// stores a short excerpt for display.
func (e *Engine) embedContent(ctx context.Context, note *models.Note) error {
	if rec, ok := e.store.Content(note.Path); ok && rec.LastModified == note.LastModified {
		return nil
	}
	body := strings.TrimSpace(note.Content)
	if body == "" {
		e.store.DeleteContent(note.Path)
		return nil
	}
	vec, err := e.embedder.GenerateEmbedding(ctx, utils.TruncateRunes(body, contentEmbedLimit), inference.ModePassage)
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}
	e.store.SetContent(&models.ContentRecord{
		Path:         note.Path,
		Embedding:    vec,
		LastModified: note.LastModified,
		Excerpt:      utils.TruncateRunes(body, excerptLimit),
	})
	return nil
}

// IndexNote brings one note's records up to date in every enabled collection.
// Each sub-routine independently skips when the stored record already matches
// the note's mtime, so re-running on an unchanged note is a no-op.
func (e *Engine) IndexNote(ctx context.Context, note *models.Note) error {
	if e.enabled.Titles {
		if err := e.embedTitle(ctx, note); err != nil {
			return err
		}
	}
	if e.enabled.Headings {
		if err := e.embedHeadings(ctx, note); err != nil {
			return err
		}
	}
	if e.enabled.Content {
		if err := e.embedContent(ctx, note); err != nil {
			return err
		}
	}
	return nil
}

// UpdateNoteIfNeeded re-indexes one document only when no enabled collection
// has a record for it or an existing record is stale. Used for incremental
// updates outside a full pass; persists on change.
func (e *Engine) UpdateNoteIfNeeded(ctx context.Context, path string) error {
	mtime, err := e.repo.LastModified(ctx, path)
	if err != nil {
		return err
	}
	needed := false
	for _, c := range models.Collections {
		if !e.enabled.For(c) {
			continue
		}
		if stored, ok := e.recordModified(c, path); !ok || stored != mtime {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	note, err := e.repo.Read(ctx, path)
	if err != nil {
		return err
	}
	if err := e.IndexNote(ctx, note); err != nil {
		return err
	}
	return e.store.Save()
}

// Cancel requests cancellation of the in-flight pass. The pass observes the
// flag at the next chunk boundary; after a short grace period all locks are
// force-cleared and persisted, tolerating a chunk loop that already exited.
func (e *Engine) Cancel() {
	e.cancelRequested.Store(true)
	time.AfterFunc(cancelGrace, func() {
		e.store.ForceClearLocks()
		if err := e.store.Save(); err != nil && e.logger != nil {
			e.logger.Warn("failed to persist after cancellation", zap.Error(err))
		}
		e.notifier.StatsChanged()
	})
}
