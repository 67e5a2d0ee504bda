package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// panicBackend panics when asked to embed the trigger text.
type panicBackend struct {
	inner   *MockBackend
	trigger string
}

func (b *panicBackend) Compute(text string) ([]float32, error) {
	if text == b.trigger {
		panic("model blew up")
	}
	return b.inner.Compute(text)
}

func (b *panicBackend) Dimensions() int { return b.inner.Dimensions() }
func (b *panicBackend) Close() error    { return nil }

// recordingBackend counts Compute calls and remembers the texts it saw.
type recordingBackend struct {
	inner *MockBackend

	mu    sync.Mutex
	texts []string
}

func (b *recordingBackend) Compute(text string) ([]float32, error) {
	b.mu.Lock()
	b.texts = append(b.texts, text)
	b.mu.Unlock()
	return b.inner.Compute(text)
}

func (b *recordingBackend) Dimensions() int { return b.inner.Dimensions() }
func (b *recordingBackend) Close() error    { return nil }

func (b *recordingBackend) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func mockFactory(dims int) BackendFactory {
	return func() (Backend, error) {
		return NewMockBackend(dims), nil
	}
}

func TestClient_InitializeAndEmbed(t *testing.T) {
	c := NewClient(mockFactory(8))
	defer c.Close()

	if c.IsReady() {
		t.Error("client should not be ready before Initialize")
	}
	if !c.Initialize() {
		t.Fatal("Initialize should succeed with mock backend")
	}
	if !c.IsReady() {
		t.Error("client should be ready after Initialize")
	}

	ctx := context.Background()
	a, err := c.GenerateEmbedding(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 8 {
		t.Fatalf("expected 8 dims, got %d", len(a))
	}
	b, err := c.GenerateEmbedding(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same text must yield the same embedding")
		}
	}
}

func TestClient_NotReadyRejects(t *testing.T) {
	c := NewClient(mockFactory(4))
	defer c.Close()

	_, err := c.GenerateEmbedding(context.Background(), "x")
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestClient_FactoryFailure(t *testing.T) {
	c := NewClient(func() (Backend, error) {
		return nil, fmt.Errorf("model file missing")
	})
	defer c.Close()

	if c.Initialize() {
		t.Error("Initialize should report failure when the factory errors")
	}
	if c.IsReady() {
		t.Error("client must not be ready after factory failure")
	}
}

func TestClient_FactoryFailureConsumesAttempt(t *testing.T) {
	c := NewClient(func() (Backend, error) {
		return nil, fmt.Errorf("model file missing")
	})
	defer c.Close()

	if c.Initialize() {
		t.Fatal("Initialize should report failure when the factory errors")
	}

	// The failure is handled on the worker goroutine; wait for the policy
	// to record it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		attempts := c.policy.attempts
		c.mu.Unlock()
		if attempts == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("factory failure should consume a restart attempt")
}

func TestClient_FactoryFailureExhaustsBudget(t *testing.T) {
	c := NewClient(func() (Backend, error) {
		return nil, fmt.Errorf("model file missing")
	})
	defer c.Close()

	// Budget already spent; the next startup failure must land in the
	// stopped state rather than end the retry chain silently.
	c.mu.Lock()
	c.policy = restartPolicy{attempts: maxRestartAttempts, lastAttempt: time.Now().Add(-10 * time.Second)}
	c.mu.Unlock()

	if c.Initialize() {
		t.Fatal("Initialize should report failure when the factory errors")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stopped() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !c.Stopped() {
		t.Fatal("exhausted restart budget should stop the unit")
	}
	if _, err := c.GenerateEmbedding(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestClient_Batch(t *testing.T) {
	c := NewClient(mockFactory(4))
	defer c.Close()
	if !c.Initialize() {
		t.Fatal("Initialize failed")
	}

	vecs, err := c.GenerateEmbeddingsBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	single, _ := c.GenerateEmbedding(context.Background(), "b")
	for i := range single {
		if vecs[1][i] != single[i] {
			t.Fatal("batch and single embeddings must agree")
		}
	}
}

func TestClient_CrashRejectsAndGoesNotReady(t *testing.T) {
	c := NewClient(func() (Backend, error) {
		return &panicBackend{inner: NewMockBackend(4), trigger: "boom"}, nil
	})
	defer c.Close()
	if !c.Initialize() {
		t.Fatal("Initialize failed")
	}

	_, err := c.GenerateEmbedding(context.Background(), "boom")
	if err == nil {
		t.Fatal("expected error from crashed unit")
	}

	deadline := time.Now().Add(time.Second)
	for c.IsReady() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.IsReady() {
		t.Error("client should report not-ready right after a crash")
	}
}

func TestClient_ForceResetRecovers(t *testing.T) {
	c := NewClient(func() (Backend, error) {
		return &panicBackend{inner: NewMockBackend(4), trigger: "boom"}, nil
	})
	defer c.Close()
	if !c.Initialize() {
		t.Fatal("Initialize failed")
	}
	_, _ = c.GenerateEmbedding(context.Background(), "boom")

	if !c.ForceReset() {
		t.Fatal("ForceReset should bring the unit back")
	}
	if _, err := c.GenerateEmbedding(context.Background(), "fine"); err != nil {
		t.Errorf("expected working unit after reset, got %v", err)
	}
}

func TestClient_CloseStops(t *testing.T) {
	c := NewClient(mockFactory(4))
	if !c.Initialize() {
		t.Fatal("Initialize failed")
	}
	c.Close()

	if _, err := c.GenerateEmbedding(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Close, got %v", err)
	}
	if c.Initialize() {
		t.Error("Initialize must refuse after Close")
	}
}

func TestClient_ShutdownAllowsRestart(t *testing.T) {
	c := NewClient(mockFactory(4))
	defer c.Close()
	if !c.Initialize() {
		t.Fatal("Initialize failed")
	}
	c.Shutdown()
	if c.IsReady() {
		t.Error("unit should be down after Shutdown")
	}
	if !c.Initialize() {
		t.Error("Initialize should work again after Shutdown")
	}
}

func TestRestartPolicy_Backoff(t *testing.T) {
	var p restartPolicy
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	delay, ok := p.next(t0)
	if !ok || delay != 2*time.Second {
		t.Fatalf("first crash: expected 2s restart, got %v ok=%v", delay, ok)
	}
	delay, ok = p.next(t0.Add(6 * time.Second))
	if !ok || delay != 4*time.Second {
		t.Fatalf("second crash: expected 4s restart, got %v ok=%v", delay, ok)
	}
	delay, ok = p.next(t0.Add(12 * time.Second))
	if !ok || delay != 8*time.Second {
		t.Fatalf("third crash: expected 8s restart, got %v ok=%v", delay, ok)
	}
	if _, ok = p.next(t0.Add(18 * time.Second)); ok {
		t.Fatal("fourth crash within the window should stop the unit")
	}
	if !p.stopped {
		t.Error("policy should be stopped after exhausting attempts")
	}
	if _, ok = p.next(t0.Add(5 * time.Minute)); ok {
		t.Error("a stopped policy never restarts")
	}
}

func TestRestartPolicy_StormGuard(t *testing.T) {
	var p restartPolicy
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, ok := p.next(t0); !ok {
		t.Fatal("first crash should restart")
	}
	if _, ok := p.next(t0.Add(2 * time.Second)); ok {
		t.Error("crash within 5s of the last attempt should be skipped")
	}
	if p.attempts != 1 {
		t.Errorf("skipped crash must not consume an attempt, got %d", p.attempts)
	}
}

func TestRestartPolicy_WindowReset(t *testing.T) {
	var p restartPolicy
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p.next(t0)
	p.next(t0.Add(10 * time.Second))
	if p.attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", p.attempts)
	}

	delay, ok := p.next(t0.Add(75 * time.Second))
	if !ok || delay != 2*time.Second {
		t.Errorf("after a quiet minute the counter should reset to base backoff, got %v ok=%v", delay, ok)
	}
	if p.attempts != 1 {
		t.Errorf("expected attempts back at 1, got %d", p.attempts)
	}
}

func TestRestartPolicy_BackoffCap(t *testing.T) {
	p := restartPolicy{attempts: 2}
	// attempts=2 within the window: backoff would be 8s, still under the cap.
	p.lastAttempt = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	delay, ok := p.next(p.lastAttempt.Add(10 * time.Second))
	if !ok || delay != 8*time.Second {
		t.Fatalf("expected 8s, got %v ok=%v", delay, ok)
	}
}
