package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/semdex/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "embeddings.json"))
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope.json"))
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if got := s.Count(models.CollectionTitles); got != 0 {
		t.Errorf("expected empty store, got %d titles", got)
	}
}

func TestStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.SetTitle(&models.TitleRecord{
		Path:         "/notes/a.md",
		Embedding:    []float32{0.1, 0.2},
		LastModified: 1000,
		Title:        "a",
	})
	s.SetContent(&models.ContentRecord{
		Path:         "/notes/a.md",
		Embedding:    []float32{0.3, 0.4},
		LastModified: 1000,
		Excerpt:      "hello",
	})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	s2 := New(path)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	rec, ok := s2.Title("/notes/a.md")
	if !ok {
		t.Fatal("title record missing after reload")
	}
	if rec.Title != "a" || len(rec.Embedding) != 2 {
		t.Errorf("got %+v", rec)
	}
	if s2.Count(models.CollectionContent) != 1 {
		t.Errorf("expected 1 content record, got %d", s2.Count(models.CollectionContent))
	}
}

func TestStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if s.Count(models.CollectionTitles) != 0 {
		t.Error("corrupt file should yield empty store")
	}
	// The reset must be persisted.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("file not rewritten as valid JSON: %v", err)
	}
	if env.Version != models.EnvelopeVersion {
		t.Errorf("expected version %d, got %d", models.EnvelopeVersion, env.Version)
	}
}

func TestStore_LoadVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")
	env := models.NewEnvelope()
	env.Version = 99
	env.Titles["/notes/old.md"] = &models.TitleRecord{Path: "/notes/old.md", Title: "old"}
	data, _ := json.Marshal(env)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Title("/notes/old.md"); ok {
		t.Error("records from a mismatched version must be discarded")
	}
}

func TestStore_StaleLockRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")
	env := models.NewEnvelope()
	env.IndexingStates.Content = models.IndexingState{
		IsIndexing:    true,
		Progress:      5,
		Total:         10,
		LastHeartbeat: time.Now().Add(-31 * time.Second).UnixMilli(),
	}
	env.IndexingStates.Titles = models.IndexingState{
		IsIndexing:    true,
		Progress:      3,
		Total:         10,
		LastHeartbeat: time.Now().Add(-10 * time.Second).UnixMilli(),
	}
	data, _ := json.Marshal(env)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if st := s.State(models.CollectionContent); st.IsIndexing {
		t.Error("lock with 31s-old heartbeat should be recovered")
	}
	if st := s.State(models.CollectionTitles); !st.IsIndexing {
		t.Error("lock with 10s-old heartbeat must be kept")
	}
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	s.SetHeading(&models.HeadingRecord{Path: "/n.md", Headings: []string{"h"}})
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if s.Count(models.CollectionHeadings) != 0 {
		t.Error("reset should drop all records")
	}
}

func TestStore_RemovePath(t *testing.T) {
	s := newTestStore(t)
	s.SetTitle(&models.TitleRecord{Path: "/n.md"})
	s.SetHeading(&models.HeadingRecord{Path: "/n.md"})
	s.SetContent(&models.ContentRecord{Path: "/n.md"})
	s.SetTitle(&models.TitleRecord{Path: "/other.md"})

	s.RemovePath("/n.md")

	if _, ok := s.Title("/n.md"); ok {
		t.Error("title should be removed")
	}
	if _, ok := s.Heading("/n.md"); ok {
		t.Error("heading should be removed")
	}
	if _, ok := s.Content("/n.md"); ok {
		t.Error("content should be removed")
	}
	if _, ok := s.Title("/other.md"); !ok {
		t.Error("unrelated path must survive")
	}
}

func TestStore_ActiveCollection(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.ActiveCollection(); ok {
		t.Error("fresh store should have no active collection")
	}
	s.SetState(models.CollectionHeadings, models.IndexingState{IsIndexing: true, Total: 4})
	c, ok := s.ActiveCollection()
	if !ok || c != models.CollectionHeadings {
		t.Errorf("expected headings active, got %q ok=%v", c, ok)
	}
	s.ForceClearLocks()
	if _, ok := s.ActiveCollection(); ok {
		t.Error("ForceClearLocks should clear the flag")
	}
}

func TestStore_TryBeginIndexing(t *testing.T) {
	s := newTestStore(t)
	s.SetState(models.CollectionTitles, models.IndexingState{LastIndexed: 42})

	if holder, ok := s.TryBeginIndexing(models.CollectionTitles, 10); !ok {
		t.Fatalf("expected acquisition, held by %q", holder)
	}
	st := s.State(models.CollectionTitles)
	if !st.IsIndexing || st.Total != 10 || st.LastHeartbeat == 0 {
		t.Errorf("unexpected state after acquire: %+v", st)
	}
	if st.LastIndexed != 42 {
		t.Errorf("LastIndexed must be preserved, got %d", st.LastIndexed)
	}

	holder, ok := s.TryBeginIndexing(models.CollectionContent, 5)
	if ok {
		t.Fatal("second acquisition must fail while titles holds the lock")
	}
	if holder != models.CollectionTitles {
		t.Errorf("expected titles as holder, got %q", holder)
	}
	if s.State(models.CollectionContent).IsIndexing {
		t.Error("failed acquisition must not mark the collection indexing")
	}

	s.ForceClearLocks()
	if _, ok := s.TryBeginIndexing(models.CollectionContent, 5); !ok {
		t.Error("acquisition should succeed after the lock is cleared")
	}
}

func TestStore_TryBeginIndexingConcurrent(t *testing.T) {
	s := newTestStore(t)
	var won int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := models.Collections[i%len(models.Collections)]
			if _, ok := s.TryBeginIndexing(c, 1); ok {
				atomic.AddInt32(&won, 1)
			}
		}(i)
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("exactly one goroutine must acquire the lock, got %d", won)
	}
}

func TestStore_Heartbeat(t *testing.T) {
	s := newTestStore(t)
	s.SetState(models.CollectionTitles, models.IndexingState{IsIndexing: true, Total: 20})
	s.Heartbeat(models.CollectionTitles, 7)
	st := s.State(models.CollectionTitles)
	if st.Progress != 7 {
		t.Errorf("expected progress 7, got %d", st.Progress)
	}
	if st.LastHeartbeat == 0 {
		t.Error("heartbeat timestamp should be set")
	}
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		p := filepath.Join("/notes", string(rune('a'+i))+".md")
		s.SetTitle(&models.TitleRecord{Path: p})
	}
	s.SetContent(&models.ContentRecord{Path: "/notes/a.md"})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	st := s.Stats()
	if st.TitlesIndexed != 10 {
		t.Errorf("expected 10 titles, got %d", st.TitlesIndexed)
	}
	if st.ContentIndexed != 1 {
		t.Errorf("expected 1 content, got %d", st.ContentIndexed)
	}
	if st.TotalNotes != 10 {
		t.Errorf("expected 10 unique notes, got %d", st.TotalNotes)
	}
	if st.SizeBytes == 0 {
		t.Error("expected non-zero size after save")
	}
	if st.LastUpdate.IsZero() {
		t.Error("expected LastUpdate after save")
	}

	s.SetState(models.CollectionContent, models.IndexingState{IsIndexing: true, Progress: 3, Total: 9})
	st = s.Stats()
	if st.Active != models.CollectionContent || st.Progress != 3 || st.Total != 9 {
		t.Errorf("active pass not reported: %+v", st)
	}
}
