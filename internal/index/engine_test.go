package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/semdex/internal/inference"
	"github.com/hyperjump/semdex/internal/models"
	"github.com/hyperjump/semdex/internal/notes"
	"github.com/hyperjump/semdex/internal/store"
)

// fakeRepo serves notes from memory.
type fakeRepo struct {
	mu    sync.Mutex
	notes map[string]*models.Note
}

func newFakeRepo(ns ...*models.Note) *fakeRepo {
	r := &fakeRepo{notes: make(map[string]*models.Note)}
	for _, n := range ns {
		r.notes[n.Path] = n
	}
	return r
}

func (r *fakeRepo) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for p := range r.notes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (r *fakeRepo) Read(ctx context.Context, path string) (*models.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[path]
	if !ok {
		return nil, fmt.Errorf("no such note: %s", path)
	}
	cp := *n
	return &cp, nil
}

func (r *fakeRepo) LastModified(ctx context.Context, path string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[path]
	if !ok {
		return 0, fmt.Errorf("no such note: %s", path)
	}
	return n.LastModified, nil
}

func (r *fakeRepo) Subscribe(func(notes.Event)) {}

func (r *fakeRepo) put(n *models.Note) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[n.Path] = n
}

// countingEmbedder wraps the mock backend and records every text it embeds.
type countingEmbedder struct {
	mu      sync.Mutex
	texts   []string
	backend *inference.MockBackend
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{backend: inference.NewMockBackend(8)}
}

func (e *countingEmbedder) GenerateEmbedding(ctx context.Context, text string, mode inference.Mode) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	return e.backend.Compute(text)
}

func (e *countingEmbedder) IsReady() bool { return true }

func (e *countingEmbedder) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.texts)
}

func note(path, title, content string, headings []string, mtime int64) *models.Note {
	return &models.Note{Path: path, Title: title, Content: content, Headings: headings, LastModified: mtime}
}

func newTestEngine(t *testing.T, repo notes.Repository, enabled models.Enabled) (*Engine, *store.Store, *countingEmbedder) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "embeddings.json"))
	if err := st.Load(); err != nil {
		t.Fatal(err)
	}
	emb := newCountingEmbedder()
	return NewEngine(st, repo, emb, enabled), st, emb
}

func TestEngine_IndexCollectionTitles(t *testing.T) {
	repo := newFakeRepo(
		note("/n/a.md", "a", "body a", nil, 100),
		note("/n/b.md", "b", "body b", nil, 100),
		note("/n/c.md", "c", "body c", nil, 100),
	)
	eng, st, emb := newTestEngine(t, repo, models.Enabled{Titles: true})

	if err := eng.IndexCollection(context.Background(), models.CollectionTitles); err != nil {
		t.Fatal(err)
	}
	if got := st.Count(models.CollectionTitles); got != 3 {
		t.Errorf("expected 3 title records, got %d", got)
	}
	if emb.calls() != 3 {
		t.Errorf("expected 3 embeddings, got %d", emb.calls())
	}
	state := st.State(models.CollectionTitles)
	if state.IsIndexing {
		t.Error("lock must be released after the pass")
	}
	if state.LastIndexed == 0 {
		t.Error("LastIndexed should be set after completion")
	}
}

func TestEngine_SecondPassIsNoop(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", nil, 100))
	eng, _, emb := newTestEngine(t, repo, models.Enabled{Titles: true, Content: true})

	if err := eng.IndexCollection(context.Background(), models.CollectionTitles); err != nil {
		t.Fatal(err)
	}
	first := emb.calls()
	if err := eng.IndexCollection(context.Background(), models.CollectionTitles); err != nil {
		t.Fatal(err)
	}
	if emb.calls() != first {
		t.Errorf("unchanged documents must not be re-embedded: %d -> %d", first, emb.calls())
	}
}

func TestEngine_ReindexesModifiedDocument(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", nil, 100))
	eng, _, emb := newTestEngine(t, repo, models.Enabled{Titles: true})

	if err := eng.IndexCollection(context.Background(), models.CollectionTitles); err != nil {
		t.Fatal(err)
	}
	repo.put(note("/n/a.md", "a", "new body", nil, 200))
	if err := eng.IndexCollection(context.Background(), models.CollectionTitles); err != nil {
		t.Fatal(err)
	}
	if emb.calls() != 2 {
		t.Errorf("modified document should be re-embedded, got %d calls", emb.calls())
	}
}

func TestEngine_DisabledCollectionIsNoop(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", nil, 100))
	eng, st, emb := newTestEngine(t, repo, models.Enabled{Titles: false, Content: true})

	if err := eng.IndexCollection(context.Background(), models.CollectionTitles); err != nil {
		t.Fatal(err)
	}
	if emb.calls() != 0 || st.Count(models.CollectionTitles) != 0 {
		t.Error("disabled collection must not index anything")
	}
}

func TestEngine_RejectsConcurrentPass(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", nil, 100))
	eng, st, _ := newTestEngine(t, repo, models.Enabled{Titles: true})

	st.SetState(models.CollectionContent, models.IndexingState{IsIndexing: true, LastHeartbeat: time.Now().UnixMilli()})
	err := eng.IndexCollection(context.Background(), models.CollectionTitles)
	if !errors.Is(err, ErrIndexingInProgress) {
		t.Errorf("expected ErrIndexingInProgress, got %v", err)
	}
}

func TestEngine_ContextCancelReleasesLock(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", nil, 100))
	eng, st, _ := newTestEngine(t, repo, models.Enabled{Titles: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := eng.IndexCollection(ctx, models.CollectionTitles); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if st.State(models.CollectionTitles).IsIndexing {
		t.Error("a fatal error must release the indexing lock")
	}
}

func TestEngine_PerDocumentFailureIsSkipped(t *testing.T) {
	repo := newFakeRepo(
		note("/n/a.md", "a", "body a", nil, 100),
		note("/n/c.md", "c", "body c", nil, 100),
	)
	// One listed path the repo cannot read.
	broken := &brokenListRepo{fakeRepo: repo, extra: "/n/broken.md"}

	eng, st, _ := newTestEngine(t, broken, models.Enabled{Titles: true})
	if err := eng.IndexCollection(context.Background(), models.CollectionTitles); err != nil {
		t.Fatal(err)
	}
	if got := st.Count(models.CollectionTitles); got != 2 {
		t.Errorf("readable documents should be indexed despite the failure, got %d", got)
	}
	if st.State(models.CollectionTitles).IsIndexing {
		t.Error("lock must be released")
	}
}

// brokenListRepo lists one extra path that cannot be read.
type brokenListRepo struct {
	*fakeRepo
	extra string
}

func (r *brokenListRepo) List(ctx context.Context) ([]string, error) {
	paths, err := r.fakeRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	paths = append(paths, r.extra)
	sort.Strings(paths)
	return paths, nil
}

func TestEngine_HeadingsRemovedWhenGone(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", []string{"One", "Two"}, 100))
	eng, st, _ := newTestEngine(t, repo, models.Enabled{Headings: true})

	if err := eng.IndexCollection(context.Background(), models.CollectionHeadings); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Heading("/n/a.md"); !ok {
		t.Fatal("expected heading record")
	}

	repo.put(note("/n/a.md", "a", "body without headings", nil, 200))
	if err := eng.IndexCollection(context.Background(), models.CollectionHeadings); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Heading("/n/a.md"); ok {
		t.Error("heading record should be removed when the note loses its headings")
	}
}

func TestEngine_EmptyContentRemovesRecord(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "some body", nil, 100))
	eng, st, _ := newTestEngine(t, repo, models.Enabled{Content: true})

	if err := eng.IndexCollection(context.Background(), models.CollectionContent); err != nil {
		t.Fatal(err)
	}
	repo.put(note("/n/a.md", "a", "   \n  ", nil, 200))
	if err := eng.IndexCollection(context.Background(), models.CollectionContent); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Content("/n/a.md"); ok {
		t.Error("whitespace-only content should remove the record")
	}
}

func TestEngine_ContentTruncationAndExcerpt(t *testing.T) {
	long := ""
	for len(long) < 5000 {
		long += "lorem ipsum "
	}
	repo := newFakeRepo(note("/n/long.md", "long", long, nil, 100))
	eng, st, emb := newTestEngine(t, repo, models.Enabled{Content: true})

	if err := eng.IndexCollection(context.Background(), models.CollectionContent); err != nil {
		t.Fatal(err)
	}
	emb.mu.Lock()
	embedded := emb.texts[0]
	emb.mu.Unlock()
	if len([]rune(embedded)) > 3000 {
		t.Errorf("embedded text should be capped at 3000 runes, got %d", len([]rune(embedded)))
	}
	rec, ok := st.Content("/n/long.md")
	if !ok {
		t.Fatal("expected content record")
	}
	if len([]rune(rec.Excerpt)) > 150 {
		t.Errorf("excerpt should be capped at 150 runes, got %d", len([]rune(rec.Excerpt)))
	}
}

func TestEngine_UpdateNoteIfNeeded(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", []string{"H"}, 100))
	eng, st, emb := newTestEngine(t, repo, models.Enabled{Titles: true, Headings: true, Content: true})

	if err := eng.UpdateNoteIfNeeded(context.Background(), "/n/a.md"); err != nil {
		t.Fatal(err)
	}
	first := emb.calls()
	if first != 3 {
		t.Fatalf("expected title, heading, and content embeddings, got %d", first)
	}

	// Unchanged: no work.
	if err := eng.UpdateNoteIfNeeded(context.Background(), "/n/a.md"); err != nil {
		t.Fatal(err)
	}
	if emb.calls() != first {
		t.Error("unchanged note should be a no-op")
	}

	// Modified: all enabled collections refresh.
	repo.put(note("/n/a.md", "a", "updated body", []string{"H"}, 200))
	if err := eng.UpdateNoteIfNeeded(context.Background(), "/n/a.md"); err != nil {
		t.Fatal(err)
	}
	rec, _ := st.Content("/n/a.md")
	if rec.LastModified != 200 {
		t.Errorf("content record not refreshed, mtime %d", rec.LastModified)
	}
}

func TestEngine_CancelClearsLocks(t *testing.T) {
	repo := newFakeRepo(note("/n/a.md", "a", "body", nil, 100))
	eng, st, _ := newTestEngine(t, repo, models.Enabled{Titles: true})

	st.SetState(models.CollectionTitles, models.IndexingState{IsIndexing: true, Progress: 1, Total: 5, LastHeartbeat: time.Now().UnixMilli()})
	eng.Cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, busy := st.ActiveCollection(); !busy {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("cancellation should force-clear indexing locks after the grace period")
}
