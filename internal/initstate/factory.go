// Package initstate builds and validates the per-layer initial states
// handed to the model at the start of every sequence.
package initstate

import (
	"fmt"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
)

// #region shape-mismatch

// ShapeMismatchError reports a persisted bundle that does not comply with
// the model size spec. Layer is -1 for a layer-count mismatch.
type ShapeMismatchError struct {
	Layer   int
	Field   string // "hx", "cx", "layers" or "batch"
	Want    int
	Got     int
	Missing bool // the field was absent entirely
}

func (e *ShapeMismatchError) Error() string {
	if e.Field == "layers" {
		if e.Missing {
			return fmt.Sprintf("init state bundle misses layer %d", e.Layer)
		}
		return fmt.Sprintf("init state bundle has %d layers, model has %d", e.Got, e.Want)
	}
	if e.Field == "batch" {
		return fmt.Sprintf("init state layer %d has batch dimension %d, rest of bundle has %d",
			e.Layer, e.Got, e.Want)
	}
	if e.Missing {
		return fmt.Sprintf("init state layer %d misses %s", e.Layer, e.Field)
	}
	return fmt.Sprintf("init state layer %d %s has size %d, model expects %d",
		e.Layer, e.Field, e.Got, e.Want)
}

// #endregion shape-mismatch

// #region factory

// Config configures an initial-state factory.
type Config struct {
	Sizes     model.Sizes
	NumLayers int
	Backend   backend.Backend
	// BatchSize, when positive, gives zero states a leading batch dimension.
	BatchSize int
	// Store, when set, is the persisted bundle source consulted by Create.
	Store *BundleStore
}

// Factory builds or validates initial state bundles.
type Factory struct {
	cfg Config
}

// NewFactory creates a factory. The numeric backend is fixed here, once;
// it is never inferred from the data.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// ForModel builds a factory from a model's own size spec and backend.
func ForModel(m model.Model, batchSize int, store *BundleStore) *Factory {
	return NewFactory(Config{
		Sizes:     m.Sizes(),
		NumLayers: m.NumLayers(),
		Backend:   m.Backend(),
		BatchSize: batchSize,
		Store:     store,
	})
}

// Create returns the initial states for a run: the persisted bundle when a
// store is configured (validated against the size spec first), zero states
// otherwise.
func (f *Factory) Create() (model.Bundle, error) {
	if f.cfg.Store != nil {
		bundle, err := f.cfg.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("load init states: %w", err)
		}
		if err := f.Validate(bundle); err != nil {
			return nil, err
		}
		return bundle, nil
	}
	return f.CreateZero(), nil
}

// CreateZero builds zero-filled hx and cx vectors for every layer in
// [0, numLayers). A configured batch size adds a leading batch dimension.
func (f *Factory) CreateZero() model.Bundle {
	bundle := make(model.Bundle, f.cfg.NumLayers)
	for layer := 0; layer < f.cfg.NumLayers; layer++ {
		size := f.cfg.Sizes[layer]
		bundle[layer] = model.LayerState{
			Hx: f.zeros(size.H),
			Cx: f.zeros(size.C),
		}
	}
	return bundle
}

func (f *Factory) zeros(size int) backend.Tensor {
	if f.cfg.BatchSize > 0 {
		return f.cfg.Backend.ZerosBatch(f.cfg.BatchSize, size)
	}
	return f.cfg.Backend.Zeros(size)
}

// Validate checks a bundle against the model size spec: exact layer set,
// both hx and cx present per layer, vector lengths matching the spec, and a
// consistent leading batch dimension when batched.
func (f *Factory) Validate(bundle model.Bundle) error {
	if len(bundle) != f.cfg.NumLayers {
		return &ShapeMismatchError{Layer: -1, Field: "layers", Want: f.cfg.NumLayers, Got: len(bundle)}
	}

	batch := -1
	for layer := 0; layer < f.cfg.NumLayers; layer++ {
		ls, ok := bundle[layer]
		if !ok {
			return &ShapeMismatchError{Layer: layer, Field: "layers", Want: f.cfg.NumLayers, Got: len(bundle), Missing: true}
		}
		size := f.cfg.Sizes[layer]

		for _, part := range []struct {
			name string
			t    backend.Tensor
			want int
		}{
			{model.StateHx, ls.Hx, size.H},
			{model.StateCx, ls.Cx, size.C},
		} {
			if part.t.Data == nil {
				return &ShapeMismatchError{Layer: layer, Field: part.name, Want: part.want, Missing: true}
			}
			if got := part.t.Cols(); got != part.want {
				return &ShapeMismatchError{Layer: layer, Field: part.name, Want: part.want, Got: got}
			}
			b := 0
			if part.t.Rank() == 2 {
				b = part.t.Shape[0]
			}
			if batch == -1 {
				batch = b
			} else if batch != b {
				return &ShapeMismatchError{Layer: layer, Field: "batch", Want: batch, Got: b}
			}
		}
	}
	return nil
}

// #endregion factory
