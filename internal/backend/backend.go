package backend

import "fmt"

// #region kind

// Kind selects a numeric backend implementation. The choice is made once,
// at configuration time; nothing in the pipeline switches backends at runtime.
type Kind string

const (
	// KindNative is the hand-rolled float32 implementation.
	KindNative Kind = "native"
	// KindGonum is backed by gonum/mat dense matrices.
	KindGonum Kind = "gonum"
)

// New returns the backend for the given kind.
func New(kind Kind) (Backend, error) {
	switch kind {
	case KindNative, "":
		return nativeBackend{}, nil
	case KindGonum:
		return gonumBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}

// #endregion kind

// #region backend

// Backend is the numeric capability used by the extraction and evaluation
// pipeline: zero-fill, matrix multiply, row concatenation, and the softmax
// normalization needed for full-vocabulary comparisons.
type Backend interface {
	Name() string

	// Zeros returns a zero-filled rank-1 tensor of the given size.
	Zeros(size int) Tensor

	// ZerosBatch returns a zero-filled (batch, size) tensor.
	ZerosBatch(batch, size int) Tensor

	// Concat stacks equally sized row vectors into a (len(rows), dim) tensor.
	Concat(rows [][]float32) Tensor

	// Affine computes a · wᵀ + bias for a (n, h) input and (v, h) weight,
	// yielding an (n, v) tensor. bias may be nil.
	Affine(a, w Tensor, bias []float32) Tensor

	// LogSoftmax applies a row-wise log-softmax to a rank-2 tensor.
	LogSoftmax(t Tensor) Tensor

	// Dot returns the inner product of two equal-length vectors.
	Dot(x, y []float32) float32
}

// #endregion backend
