package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	singleRequestTimeout  = 10 * time.Second
	batchRequestTimeout   = 30 * time.Second
	readinessTimeout      = 15 * time.Second
	readinessPollInterval = 50 * time.Millisecond

	maxRestartAttempts = 3
	restartWindow      = 60 * time.Second
	restartStormGuard  = 5 * time.Second
	restartBaseBackoff = 2 * time.Second
	restartMaxBackoff  = 10 * time.Second
)

// ErrNotReady is returned when a request is issued before the unit is ready.
var ErrNotReady = errors.New("inference unit not ready")

// ErrStopped is returned after the restart budget is exhausted; the unit stays
// down until ForceReset is called.
var ErrStopped = errors.New("inference unit stopped after repeated crashes; reset required")

// Client owns a single inference unit: a worker goroutine that loads the
// model via the backend factory and serves embedding requests. Requests are
// correlated by ID so timeouts and crashes reject exactly the right callers.
// A crashed unit is restarted with bounded exponential backoff.
type Client struct {
	factory BackendFactory
	logger  *zap.Logger // optional; when set, logs lifecycle events

	mu     sync.Mutex
	unit   *unit
	policy restartPolicy

	ready atomic.Bool

	pmu     sync.Mutex
	pending map[string]chan workerResponse
}

// unit is one spawned worker instance. A new unit is created per (re)start so
// a stale goroutine can never service the channels of its successor.
type unit struct {
	requests chan workerRequest
	quit     chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets a logger for lifecycle and crash events.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client. The factory runs on the worker goroutine at
// every (re)start, loading model assets into the backend.
func NewClient(factory BackendFactory, opts ...ClientOption) *Client {
	c := &Client{
		factory: factory,
		pending: make(map[string]chan workerResponse),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize spawns the inference unit if none exists and waits for it to
// become ready, polling up to a bounded deadline. Returns whether readiness
// was reached. A no-op when a unit already exists.
func (c *Client) Initialize() bool {
	c.mu.Lock()
	if c.policy.stopped {
		c.mu.Unlock()
		return false
	}
	if c.unit != nil {
		c.mu.Unlock()
		return c.ready.Load()
	}
	u := &unit{
		requests: make(chan workerRequest, 64),
		quit:     make(chan struct{}),
	}
	c.unit = u
	c.mu.Unlock()

	go c.run(u)

	deadline := time.Now().Add(readinessTimeout)
	for time.Now().Before(deadline) {
		if c.ready.Load() {
			return true
		}
		c.mu.Lock()
		gone := c.unit != u
		c.mu.Unlock()
		if gone {
			// Factory failed or the unit crashed during startup.
			return false
		}
		time.Sleep(readinessPollInterval)
	}
	return false
}

// run is the worker goroutine: it loads the backend once, signals readiness,
// and serves requests until quit. A panic anywhere in the loop is recovered
// and handled as a unit crash.
func (c *Client) run(u *unit) {
	defer func() {
		if r := recover(); r != nil {
			c.handleCrash(u, fmt.Errorf("inference unit panic: %v", r))
		}
	}()

	backend, err := c.factory()
	if err != nil {
		// Startup failures go through the same policy as crashes, so a
		// persistently failing factory exhausts the budget and lands in
		// the stopped state instead of ending the retry chain silently.
		c.handleCrash(u, fmt.Errorf("inference unit failed to start: %w", err))
		return
	}
	defer backend.Close()

	c.ready.Store(true)
	if c.logger != nil {
		c.logger.Info("inference unit ready", zap.Int("dimensions", backend.Dimensions()))
	}

	for {
		select {
		case <-u.quit:
			return
		case req := <-u.requests:
			c.resolve(compute(backend, req))
		}
	}
}

func compute(b Backend, req workerRequest) workerResponse {
	switch req.kind {
	case requestEmbed:
		vec, err := b.Compute(req.text)
		if err != nil {
			return workerResponse{kind: responseError, id: req.id, err: err.Error()}
		}
		return workerResponse{kind: responseResult, id: req.id, vector: vec}
	case requestEmbedBatch:
		out := make([][]float32, len(req.texts))
		for i, t := range req.texts {
			vec, err := b.Compute(t)
			if err != nil {
				return workerResponse{kind: responseError, id: req.id, err: err.Error()}
			}
			out[i] = vec
		}
		return workerResponse{kind: responseResult, id: req.id, vectors: out}
	}
	return workerResponse{kind: responseError, id: req.id, err: "unknown request kind"}
}

// handleCrash rejects all pending requests, marks the unit down, and applies
// the restart policy: at most 3 attempts per rolling 60 s window, a 5 s guard
// against restart storms, and exponential backoff capped at 10 s.
func (c *Client) handleCrash(u *unit, cause error) {
	c.ready.Store(false)
	c.detachUnit(u)
	c.rejectAll("inference unit crashed: " + cause.Error())

	c.mu.Lock()
	delay, ok := c.policy.next(time.Now())
	stopped := c.policy.stopped
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Warn("inference unit crashed", zap.Error(cause))
	}
	if stopped {
		if c.logger != nil {
			c.logger.Error("inference unit crashed repeatedly; giving up until manual reset")
		}
		return
	}
	if !ok {
		return
	}
	if c.logger != nil {
		c.logger.Info("restarting inference unit", zap.Duration("backoff", delay))
	}
	time.AfterFunc(delay, func() {
		if c.Initialize() {
			c.mu.Lock()
			c.policy.attempts = 0
			c.mu.Unlock()
		}
	})
}

func (c *Client) detachUnit(u *unit) {
	c.mu.Lock()
	if c.unit == u {
		c.unit = nil
	}
	c.mu.Unlock()
}

// IsReady reports whether the unit is up and serving requests.
func (c *Client) IsReady() bool {
	return c.ready.Load()
}

// Stopped reports whether the restart budget is exhausted and the unit will
// stay down until ForceReset.
func (c *Client) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.stopped
}

// GenerateEmbedding computes one embedding, racing the request against a 10 s
// timeout. Rejects immediately when the unit is not ready.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.roundTrip(ctx, workerRequest{kind: requestEmbed, text: text}, singleRequestTimeout)
	if err != nil {
		return nil, err
	}
	return resp.vector, nil
}

// GenerateEmbeddingsBatch computes embeddings for all texts in one request,
// racing against a 30 s timeout.
func (c *Client) GenerateEmbeddingsBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.roundTrip(ctx, workerRequest{kind: requestEmbedBatch, texts: texts}, batchRequestTimeout)
	if err != nil {
		return nil, err
	}
	return resp.vectors, nil
}

func (c *Client) roundTrip(ctx context.Context, req workerRequest, timeout time.Duration) (workerResponse, error) {
	c.mu.Lock()
	u := c.unit
	stopped := c.policy.stopped
	c.mu.Unlock()
	if stopped {
		return workerResponse{}, ErrStopped
	}
	if u == nil || !c.ready.Load() {
		return workerResponse{}, ErrNotReady
	}

	req.id = uuid.New().String()
	ch := make(chan workerResponse, 1)
	c.pmu.Lock()
	c.pending[req.id] = ch
	c.pmu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case u.requests <- req:
	case <-timer.C:
		c.dropPending(req.id)
		return workerResponse{}, fmt.Errorf("embedding request timed out after %s", timeout)
	case <-ctx.Done():
		c.dropPending(req.id)
		return workerResponse{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		if resp.kind == responseError {
			return workerResponse{}, errors.New(resp.err)
		}
		return resp, nil
	case <-timer.C:
		c.dropPending(req.id)
		return workerResponse{}, fmt.Errorf("embedding request timed out after %s", timeout)
	case <-ctx.Done():
		c.dropPending(req.id)
		return workerResponse{}, ctx.Err()
	}
}

// resolve delivers a response to its registered caller and removes the entry.
func (c *Client) resolve(resp workerResponse) {
	c.pmu.Lock()
	ch, ok := c.pending[resp.id]
	delete(c.pending, resp.id)
	c.pmu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) dropPending(id string) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}

// rejectAll fails every outstanding request with msg (bulk rejection on crash
// or reset).
func (c *Client) rejectAll(msg string) {
	c.pmu.Lock()
	for id, ch := range c.pending {
		ch <- workerResponse{kind: responseError, id: id, err: msg}
		delete(c.pending, id)
	}
	c.pmu.Unlock()
}

// ForceReset unconditionally terminates any existing unit, clears all state
// including the restart budget, and re-initializes. Manual recovery command.
func (c *Client) ForceReset() bool {
	c.mu.Lock()
	if c.unit != nil {
		close(c.unit.quit)
		c.unit = nil
	}
	c.ready.Store(false)
	c.policy = restartPolicy{}
	c.mu.Unlock()
	c.rejectAll("inference unit reset")
	return c.Initialize()
}

// Shutdown terminates the unit without poisoning the restart budget;
// Initialize can bring it back later. Used when the service is reset to
// not-configured.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.unit != nil {
		close(c.unit.quit)
		c.unit = nil
	}
	c.ready.Store(false)
	c.mu.Unlock()
	c.rejectAll("inference unit shut down")
}

// Close terminates the unit and prevents any scheduled restart from bringing
// it back. Used on application shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	if c.unit != nil {
		close(c.unit.quit)
		c.unit = nil
	}
	c.ready.Store(false)
	c.policy.stopped = true
	c.mu.Unlock()
	c.rejectAll("inference unit closed")
}

// restartPolicy tracks crash restart attempts. The counter resets after a
// quiet 60 s window, stops the unit entirely at 3 attempts, skips restarts
// arriving within 5 s of the previous one, and otherwise backs off
// exponentially from 2 s up to 10 s.
type restartPolicy struct {
	attempts    int
	lastAttempt time.Time
	stopped     bool
}

// next decides how to react to a crash at time now. It returns the backoff
// delay before re-initializing and whether a restart should happen at all.
func (p *restartPolicy) next(now time.Time) (time.Duration, bool) {
	if p.stopped {
		return 0, false
	}
	if now.Sub(p.lastAttempt) > restartWindow {
		p.attempts = 0
	}
	if p.attempts >= maxRestartAttempts {
		p.stopped = true
		return 0, false
	}
	if now.Sub(p.lastAttempt) < restartStormGuard {
		return 0, false
	}
	backoff := restartBaseBackoff << p.attempts
	if backoff > restartMaxBackoff {
		backoff = restartMaxBackoff
	}
	p.attempts++
	p.lastAttempt = now
	return backoff, true
}
