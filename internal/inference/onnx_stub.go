//go:build !cgo
// +build !cgo

package inference

import (
	"errors"
)

// ONNXBackend stub type when built without CGO (see onnx.go for real implementation).
type ONNXBackend struct{}

// NewONNXBackend returns an error when built without CGO (ONNX not available).
func NewONNXBackend(_ string, _, _ int) (*ONNXBackend, error) {
	return nil, errors.New("ONNX backend requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

// Compute is unreachable in the stub.
func (b *ONNXBackend) Compute(_ string) ([]float32, error) {
	return nil, errors.New("ONNX backend not available")
}

// Dimensions is unreachable in the stub.
func (b *ONNXBackend) Dimensions() int { return 0 }

// Close is a no-op for the stub.
func (b *ONNXBackend) Close() error { return nil }
