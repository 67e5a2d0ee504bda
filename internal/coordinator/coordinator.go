// Package coordinator wires repository change notifications to incremental
// re-indexing and repairs indexing that was interrupted by a crash.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hyperjump/semdex/internal/index"
	"github.com/hyperjump/semdex/internal/models"
	"github.com/hyperjump/semdex/internal/notes"
	"github.com/hyperjump/semdex/internal/store"
	"go.uber.org/zap"
)

const defaultDebounce = 5 * time.Second

// Coordinator schedules debounced per-path updates in response to repository
// events and runs the startup consistency pass.
type Coordinator struct {
	repo      notes.Repository
	engine    *index.Engine
	store     *store.Store
	debounce  time.Duration
	autoIndex bool
	logger    *zap.Logger // optional

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithDebounce overrides the incremental update debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

// WithAutoIndex controls whether modified notes are re-indexed automatically.
func WithAutoIndex(enabled bool) Option {
	return func(c *Coordinator) { c.autoIndex = enabled }
}

// New creates a coordinator and subscribes it to the repository's events.
func New(repo notes.Repository, engine *index.Engine, st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:      repo,
		engine:    engine,
		store:     st,
		debounce:  defaultDebounce,
		autoIndex: true,
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	repo.Subscribe(c.handleEvent)
	return c
}

// handleEvent reacts to one repository change. Creates and modifications are
// debounced per path; deletions and renames drop records immediately. A
// rename's new location arrives as a separate create event and re-indexes
// the note at its new path.
func (c *Coordinator) handleEvent(ev notes.Event) {
	if c.logger != nil {
		c.logger.Debug("repository change", zap.String("kind", ev.Kind.String()), zap.String("path", ev.Path))
	}
	switch ev.Kind {
	case notes.EventCreate, notes.EventModify:
		if !c.autoIndex {
			return
		}
		c.scheduleUpdate(ev.Path)
	case notes.EventDelete, notes.EventRename:
		c.cancelUpdate(ev.Path)
		c.store.RemovePath(ev.Path)
		if err := c.store.Save(); err != nil && c.logger != nil {
			c.logger.Warn("failed to persist after removal", zap.String("path", ev.Path), zap.Error(err))
		}
	}
}

// scheduleUpdate arms a debounced update for path, replacing any pending
// timer so the latest schedule wins.
func (c *Coordinator) scheduleUpdate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[path]; ok {
		t.Stop()
	}
	c.timers[path] = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		delete(c.timers, path)
		c.mu.Unlock()
		if err := c.engine.UpdateNoteIfNeeded(context.Background(), path); err != nil && c.logger != nil {
			c.logger.Warn("incremental update failed", zap.String("path", path), zap.Error(err))
		}
	})
}

func (c *Coordinator) cancelUpdate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[path]; ok {
		t.Stop()
		delete(c.timers, path)
	}
}

// PendingUpdates returns how many debounced updates are currently armed.
func (c *Coordinator) PendingUpdates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop cancels all pending debounced updates.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, t := range c.timers {
		t.Stop()
		delete(c.timers, path)
	}
}

// StartupPass repairs indexing that was interrupted by a crash or forced
// shutdown. A clean first run (no lock held, empty store) is left alone; the
// user triggers the initial index explicitly. Otherwise each enabled
// collection is re-indexed when it holds a lock from a dead pass, has no
// records, or has fewer records than the corpus has documents.
func (c *Coordinator) StartupPass(ctx context.Context) error {
	stats := c.store.Stats()
	_, lockHeld := c.store.ActiveCollection()
	if !lockHeld && stats.TotalNotes == 0 {
		if c.logger != nil {
			c.logger.Debug("startup pass skipped: clean first run")
		}
		return nil
	}

	paths, err := c.repo.List(ctx)
	if err != nil {
		return err
	}
	total := len(paths)

	enabled := c.engine.Enabled()
	for _, col := range models.Collections {
		if !enabled.For(col) {
			continue
		}
		st := c.store.State(col)
		interrupted := st.IsIndexing
		if interrupted {
			// Release the lock left by the interrupted pass before rerunning.
			c.store.SetState(col, models.IndexingState{LastIndexed: st.LastIndexed})
			if err := c.store.Save(); err != nil {
				return err
			}
		}
		count := c.store.Count(col)
		if !interrupted && count != 0 && count >= total {
			continue
		}
		if c.logger != nil {
			c.logger.Info("startup pass re-indexing collection",
				zap.String("collection", string(col)),
				zap.Bool("interrupted", interrupted),
				zap.Int("count", count),
				zap.Int("total", total),
			)
		}
		if err := c.engine.IndexCollection(ctx, col); err != nil {
			return err
		}
	}
	return nil
}
