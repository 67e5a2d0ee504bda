package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hyperjump/semdex/internal/store/cache"
	"go.uber.org/zap"
)

// Status is the service readiness state.
type Status string

const (
	StatusNotConfigured Status = "not-configured"
	StatusReady         Status = "ready"
	StatusError         Status = "error"
)

// Mode selects the asymmetric embedding convention: indexed documents are
// embedded as passages, search input as queries.
type Mode string

const (
	ModeQuery   Mode = "query"
	ModePassage Mode = "passage"
)

const (
	queryPrefix   = "query: "
	passagePrefix = "passage: "
)

// ApplyModePrefix prepends the mode's textual prefix unless text already
// carries one.
func ApplyModePrefix(text string, mode Mode) string {
	if strings.HasPrefix(text, queryPrefix) || strings.HasPrefix(text, passagePrefix) {
		return text
	}
	if mode == ModeQuery {
		return queryPrefix + text
	}
	return passagePrefix + text
}

// StateListener observes service state transitions.
type StateListener func(status Status, message string)

// Service orchestrates model acquisition and readiness, delegating vector
// computation to the Client. Status transitions are persisted next to the
// model assets and broadcast to subscribers.
type Service struct {
	client    *Client
	assets    *AssetSet
	cache     *cache.Cache // optional persistent embedding cache
	statePath string
	logger    *zap.Logger

	mu        sync.Mutex
	status    Status
	message   string
	listeners []StateListener
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets a logger for setup and state-transition events.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithEmbeddingCache sets a persistent embedding cache consulted before the
// inference unit.
func WithEmbeddingCache(c *cache.Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// NewService creates a service. Any previously persisted status is restored,
// but readiness still requires the inference unit to be up (IsReady).
func NewService(client *Client, assets *AssetSet, opts ...ServiceOption) *Service {
	s := &Service{
		client:    client,
		assets:    assets,
		statePath: filepath.Join(assets.Dir, "status.json"),
		status:    StatusNotConfigured,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.restoreState()
	return s
}

type persistedState struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

func (s *Service) restoreState() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	switch st.Status {
	case StatusNotConfigured, StatusReady, StatusError:
		s.status = st.Status
		s.message = st.Message
	}
}

// setState persists and broadcasts a state transition.
func (s *Service) setState(status Status, message string) {
	s.mu.Lock()
	s.status = status
	s.message = message
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	data, err := json.Marshal(persistedState{Status: status, Message: message})
	if err == nil {
		if mkErr := os.MkdirAll(filepath.Dir(s.statePath), 0755); mkErr == nil {
			_ = os.WriteFile(s.statePath, data, 0600)
		}
	}
	if s.logger != nil {
		s.logger.Info("inference service state", zap.String("status", string(status)), zap.String("message", message))
	}
	for _, l := range listeners {
		l(status, message)
	}
}

// Subscribe registers a listener for state transitions.
func (s *Service) Subscribe(l StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Status returns the current state and message.
func (s *Service) Status() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.message
}

// Setup acquires model assets (downloading any that are missing, with
// per-file progress), initializes the inference unit, and transitions to
// ready. Any step's failure transitions to error with a descriptive message
// and aborts the remaining steps. Callable again from the error state to
// retry.
func (s *Service) Setup(ctx context.Context, progress DownloadProgress) error {
	if err := s.assets.EnsureLayout(); err != nil {
		s.setState(StatusError, err.Error())
		return err
	}
	for _, asset := range s.assets.Missing() {
		if s.logger != nil {
			s.logger.Info("downloading model asset", zap.String("name", asset.Name))
		}
		if err := s.assets.Download(ctx, asset, progress); err != nil {
			s.setState(StatusError, err.Error())
			return err
		}
	}
	if !s.client.Initialize() {
		err := fmt.Errorf("inference unit failed to become ready")
		s.setState(StatusError, err.Error())
		return err
	}
	s.setState(StatusReady, "")
	return nil
}

// IsReady requires both the persisted ready status and a live inference unit,
// so a unit restart in progress makes the service report not-ready even
// though the status file still says ready.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	ready := s.status == StatusReady
	s.mu.Unlock()
	return ready && s.client.IsReady()
}

// GenerateEmbedding embeds text in the given mode. Returns ErrNotReady when
// the service or unit is down. The persistent cache, when configured, is
// consulted on the prefixed text so query and passage embeddings never
// collide.
func (s *Service) GenerateEmbedding(ctx context.Context, text string, mode Mode) ([]float32, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}
	prefixed := ApplyModePrefix(text, mode)
	if s.cache != nil {
		if vec, ok := s.cache.Get(prefixed); ok {
			return vec, nil
		}
	}
	vec, err := s.client.GenerateEmbedding(ctx, prefixed)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if cacheErr := s.cache.Put(prefixed, vec); cacheErr != nil && s.logger != nil {
			s.logger.Debug("failed to cache embedding", zap.Error(cacheErr))
		}
	}
	return vec, nil
}

// GenerateEmbeddingsBatch embeds texts in the given mode in one worker
// request. Cached texts are served locally; only misses go to the unit.
func (s *Service) GenerateEmbeddingsBatch(ctx context.Context, texts []string, mode Mode) ([][]float32, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		prefixed := ApplyModePrefix(t, mode)
		if s.cache != nil {
			if vec, ok := s.cache.Get(prefixed); ok {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, prefixed)
	}
	if len(missTexts) > 0 {
		vecs, err := s.client.GenerateEmbeddingsBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, i := range missIdx {
			out[i] = vecs[j]
			if s.cache != nil {
				_ = s.cache.Put(missTexts[j], vecs[j])
			}
		}
	}
	return out, nil
}

// ForceReset restarts the inference unit from scratch (manual recovery after
// restart exhaustion) and corrects the service state to match the outcome.
func (s *Service) ForceReset() bool {
	ok := s.client.ForceReset()
	if ok {
		s.setState(StatusReady, "")
	} else {
		s.setState(StatusError, "inference unit failed to restart")
	}
	return ok
}

// Reset transitions back to not-configured. When removeAssets is true the
// downloaded model files are deleted too, so the next Setup re-fetches them.
func (s *Service) Reset(removeAssets bool) error {
	s.client.Shutdown()
	if removeAssets {
		if err := s.assets.Remove(); err != nil {
			return fmt.Errorf("failed to remove model assets: %w", err)
		}
	}
	s.setState(StatusNotConfigured, "")
	return nil
}
