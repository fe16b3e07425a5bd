// Package model defines the contract between the probing pipeline and a
// recurrent language model: layer sizes, decoder parameters, vocabulary,
// and a single Forward invocation yielding named internal state vectors.
package model

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
)

// #region slot

// State names exposed by an LSTM layer.
const (
	StateHx = "hx"
	StateCx = "cx"
)

// Slot identifies one named state vector at one layer, e.g. (1, "hx").
type Slot struct {
	Layer int
	Name  string
}

func (s Slot) String() string {
	return fmt.Sprintf("%d:%s", s.Layer, s.Name)
}

// ParseSlot parses "layer:name", e.g. "1:hx".
func ParseSlot(s string) (Slot, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Slot{}, fmt.Errorf("invalid slot %q: want layer:name", s)
	}
	layer, err := strconv.Atoi(parts[0])
	if err != nil || layer < 0 {
		return Slot{}, fmt.Errorf("invalid slot %q: bad layer index", s)
	}
	name := parts[1]
	if name != StateHx && name != StateCx {
		return Slot{}, fmt.Errorf("invalid slot %q: state name must be %s or %s", s, StateHx, StateCx)
	}
	return Slot{Layer: layer, Name: name}, nil
}

// ParseSlots parses a comma-separated slot list, e.g. "1:hx,1:cx".
func ParseSlots(s string) ([]Slot, error) {
	var out []Slot
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		slot, err := ParseSlot(part)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty slot list %q", s)
	}
	return out, nil
}

// #endregion slot

// #region sizes

// LayerSize holds the hidden and cell sizes of one layer.
type LayerSize struct {
	H int
	C int
}

// Sizes maps a layer index to its state sizes.
type Sizes map[int]LayerSize

// Size returns the vector length for the given state name at a layer.
func (s Sizes) Size(layer int, name string) (int, error) {
	ls, ok := s[layer]
	if !ok {
		return 0, fmt.Errorf("no size entry for layer %d", layer)
	}
	switch name {
	case StateHx:
		return ls.H, nil
	case StateCx:
		return ls.C, nil
	default:
		return 0, fmt.Errorf("unknown state name %q", name)
	}
}

// #endregion sizes

// #region bundle

// LayerState is the initial hidden and cell state of one layer.
type LayerState struct {
	Hx backend.Tensor
	Cx backend.Tensor
}

// Bundle maps every layer index in [0, numLayers) to its initial state.
// A bundle is built once per extraction run and consumed read-only.
type Bundle map[int]LayerState

// #endregion bundle

// #region activations

// Activations holds, per requested slot, one vector per (sentence, position)
// of the submitted batch: indexed [sentence][position][dim], ragged by
// sentence length.
type Activations map[Slot][][][]float32

// #endregion activations

// #region model

// Model is the capability the extraction and evaluation pipeline requires
// from a recurrent language model. Implementations may parallelize Forward
// internally; that is opaque to callers.
type Model interface {
	// Sizes returns the per-layer state size spec.
	Sizes() Sizes
	// NumLayers returns the number of layers.
	NumLayers() int
	// TopLayer returns the index of the topmost layer.
	TopLayer() int
	// Vocab returns the model vocabulary.
	Vocab() *corpus.Vocabulary
	// DecoderWeight returns the (vocabSize, hiddenSize) output projection.
	DecoderWeight() backend.Tensor
	// DecoderBias returns the vocabSize-length projection bias.
	DecoderBias() []float32
	// Backend returns the numeric backend the model produces arrays for.
	Backend() backend.Backend
	// Forward runs the model over a batch of token sequences from the given
	// initial states and returns the requested state vectors for every
	// position of every sequence, in batch order.
	Forward(ctx context.Context, batch [][]string, init Bundle, slots []Slot) (Activations, error)
}

// #endregion model
