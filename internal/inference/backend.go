package inference

import (
	"math"
)

// Backend is the compute engine owned by the worker goroutine. Implementations
// are not required to be safe for concurrent use; the worker serializes calls.
type Backend interface {
	Compute(text string) ([]float32, error)
	Dimensions() int
	Close() error
}

// BackendFactory constructs a backend. It is invoked on the worker goroutine
// at spawn and again on every restart, so model assets are loaded once per
// unit lifetime.
type BackendFactory func() (Backend, error)

// MockBackend is a deterministic backend for tests and offline use. The same
// text always yields the same unit-length embedding.
type MockBackend struct {
	dimensions int
}

// NewMockBackend returns a backend producing deterministic embeddings of the given dimensions.
func NewMockBackend(dimensions int) *MockBackend {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockBackend{dimensions: dimensions}
}

// Compute returns a deterministic embedding based on the text hash.
func (b *MockBackend) Compute(text string) ([]float32, error) {
	h := hashString(text)
	emb := make([]float32, b.dimensions)
	for i := 0; i < b.dimensions; i++ {
		emb[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	NormalizeL2(emb)
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (b *MockBackend) Dimensions() int {
	return b.dimensions
}

// Close is a no-op for MockBackend.
func (b *MockBackend) Close() error {
	return nil
}

// NormalizeL2 normalizes the slice in place to unit L2 norm.
func NormalizeL2(x []float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(float64(sum)))
	for i := range x {
		x[i] *= norm
	}
}
