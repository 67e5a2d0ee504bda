// Package store owns the persisted embedding database: three collections of
// embedding records plus their indexing states, saved as one versioned JSON
// envelope on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperjump/semdex/internal/models"
	"go.uber.org/zap"
)

// staleLockAfter is how old a heartbeat may be before an isIndexing flag is
// presumed to belong to a dead process and cleared on load.
const staleLockAfter = 30 * time.Second

// Store manages the embedding envelope and its durable lifecycle. All access
// goes through the store; callers must not retain references to records after
// mutating calls.
type Store struct {
	path   string
	mu     sync.RWMutex
	env    *models.Envelope
	logger *zap.Logger // optional; when set, logs debug events
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger for debug output (load, stale-lock recovery, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store persisting to path. Call Load before first use.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		env:  models.NewEnvelope(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the envelope from disk. A missing file or a version mismatch
// yields a fresh empty envelope (persisted immediately on mismatch so state
// and disk never diverge). Stale indexing locks are recovered here: a
// collection marked indexing whose heartbeat is older than 30 seconds is
// forced back to idle.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.env = models.NewEnvelope()
			return nil
		}
		return fmt.Errorf("failed to read database: %w", err)
	}

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if s.logger != nil {
			s.logger.Warn("embedding database corrupt, resetting", zap.Error(err))
		}
		s.env = models.NewEnvelope()
		return s.saveLocked()
	}
	if env.Version != models.EnvelopeVersion {
		if s.logger != nil {
			s.logger.Warn("embedding database version mismatch, resetting",
				zap.Int("found", env.Version),
				zap.Int("want", models.EnvelopeVersion),
			)
		}
		s.env = models.NewEnvelope()
		return s.saveLocked()
	}

	normalizeEnvelope(&env)
	recovered := recoverStaleLocks(&env, time.Now())
	s.env = &env
	if recovered {
		if s.logger != nil {
			s.logger.Warn("recovered stale indexing lock")
		}
		return s.saveLocked()
	}
	return nil
}

// normalizeEnvelope ensures all maps are non-nil after unmarshal.
func normalizeEnvelope(env *models.Envelope) {
	if env.Titles == nil {
		env.Titles = make(map[string]*models.TitleRecord)
	}
	if env.Headings == nil {
		env.Headings = make(map[string]*models.HeadingRecord)
	}
	if env.Content == nil {
		env.Content = make(map[string]*models.ContentRecord)
	}
}

// recoverStaleLocks clears isIndexing flags whose heartbeat is older than
// staleLockAfter. Returns true if any flag was cleared.
func recoverStaleLocks(env *models.Envelope, now time.Time) bool {
	cutoff := now.Add(-staleLockAfter).UnixMilli()
	recovered := false
	for _, c := range models.Collections {
		st := env.IndexingStates.ByCollection(c)
		if st.IsIndexing && st.LastHeartbeat < cutoff {
			st.IsIndexing = false
			st.Progress = 0
			st.Total = 0
			recovered = true
		}
	}
	return recovered
}

// Save persists the envelope to disk atomically (write temp, rename).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.env.LastUpdate = time.Now().UnixMilli()
	data, err := json.Marshal(s.env)
	if err != nil {
		return fmt.Errorf("failed to marshal database: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write database: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}
	return nil
}

// Reset discards all records and states and re-persists an empty envelope.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = models.NewEnvelope()
	return s.saveLocked()
}

// Title returns the title record for path, if present.
func (s *Store) Title(path string) (*models.TitleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.env.Titles[path]
	return r, ok
}

// SetTitle stores or replaces the title record for rec.Path.
func (s *Store) SetTitle(rec *models.TitleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.Titles[rec.Path] = rec
}

// DeleteTitle removes the title record for path.
func (s *Store) DeleteTitle(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.env.Titles, path)
}

// Heading returns the heading record for path, if present.
func (s *Store) Heading(path string) (*models.HeadingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.env.Headings[path]
	return r, ok
}

// SetHeading stores or replaces the heading record for rec.Path.
func (s *Store) SetHeading(rec *models.HeadingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.Headings[rec.Path] = rec
}

// DeleteHeading removes the heading record for path (used when a note loses
// all of its section headings).
func (s *Store) DeleteHeading(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.env.Headings, path)
}

// Content returns the content record for path, if present.
func (s *Store) Content(path string) (*models.ContentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.env.Content[path]
	return r, ok
}

// SetContent stores or replaces the content record for rec.Path.
func (s *Store) SetContent(rec *models.ContentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.Content[rec.Path] = rec
}

// DeleteContent removes the content record for path.
func (s *Store) DeleteContent(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.env.Content, path)
}

// RemovePath deletes path from all three collections.
func (s *Store) RemovePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.env.Titles, path)
	delete(s.env.Headings, path)
	delete(s.env.Content, path)
}

// EachTitle calls fn for every title record under a read lock.
// fn must not call back into the store.
func (s *Store) EachTitle(fn func(*models.TitleRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.env.Titles {
		fn(r)
	}
}

// EachHeading calls fn for every heading record under a read lock.
func (s *Store) EachHeading(fn func(*models.HeadingRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.env.Headings {
		fn(r)
	}
}

// EachContent calls fn for every content record under a read lock.
func (s *Store) EachContent(fn func(*models.ContentRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.env.Content {
		fn(r)
	}
}

// Count returns the number of records in collection c.
func (s *Store) Count(c models.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch c {
	case models.CollectionTitles:
		return len(s.env.Titles)
	case models.CollectionHeadings:
		return len(s.env.Headings)
	case models.CollectionContent:
		return len(s.env.Content)
	default:
		return 0
	}
}

// State returns a copy of the indexing state for collection c.
func (s *Store) State(c models.Collection) models.IndexingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.env.IndexingStates.ByCollection(c)
}

// SetState replaces the indexing state for collection c. The caller is
// responsible for calling Save when the change must be durable.
func (s *Store) SetState(c models.Collection, st models.IndexingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.env.IndexingStates.ByCollection(c) = st
}

// Heartbeat refreshes the lock heartbeat and progress for collection c.
func (s *Store) Heartbeat(c models.Collection, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.env.IndexingStates.ByCollection(c)
	st.Progress = progress
	st.LastHeartbeat = time.Now().UnixMilli()
}

// ActiveCollection returns the collection currently marked indexing, if any.
// At most one flag may be true at a time; the first found wins.
func (s *Store) ActiveCollection() (models.Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range models.Collections {
		if s.env.IndexingStates.ByCollection(c).IsIndexing {
			return c, true
		}
	}
	return "", false
}

// TryBeginIndexing atomically acquires the global indexing lock for
// collection c: it fails, returning the holder, when any collection is
// already marked indexing, and otherwise marks c indexing with a fresh
// heartbeat in the same critical section. LastIndexed is preserved.
func (s *Store) TryBeginIndexing(c models.Collection, total int) (models.Collection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range models.Collections {
		if s.env.IndexingStates.ByCollection(other).IsIndexing {
			return other, false
		}
	}
	st := s.env.IndexingStates.ByCollection(c)
	st.IsIndexing = true
	st.Progress = 0
	st.Total = total
	st.LastHeartbeat = time.Now().UnixMilli()
	return "", true
}

// ForceClearLocks clears all isIndexing flags and zeroes progress. Used by
// cancellation cleanup and error recovery so a failed pass never leaves a
// dangling lock.
func (s *Store) ForceClearLocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range models.Collections {
		st := s.env.IndexingStates.ByCollection(c)
		st.IsIndexing = false
		st.Progress = 0
		st.Total = 0
	}
}

// Path returns the on-disk database path.
func (s *Store) Path() string {
	return s.path
}
