package replay

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/eval"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
)

// #region recorded-model

// RecordedModel implements model.Model from a fixture's recorded
// activations. Forward looks sentences up by their token sequence, so it
// returns identical vectors regardless of batch composition or order.
type RecordedModel struct {
	be       backend.Backend
	vocab    *corpus.Vocabulary
	sizes    model.Sizes
	topLayer int
	decW     backend.Tensor
	decB     []float32
	// recorded maps a joined token sequence to its per-slot vectors.
	recorded map[string]map[model.Slot][][]float32
}

// NewRecordedModel indexes a fixture for lookup-based forwarding.
func NewRecordedModel(f *Fixture) (*RecordedModel, error) {
	be, err := backend.New(backend.KindNative)
	if err != nil {
		return nil, err
	}

	sizes := make(model.Sizes, len(f.Layers))
	for i, l := range f.Layers {
		sizes[i] = model.LayerSize{H: l.Hidden, C: l.Cell}
	}

	m := &RecordedModel{
		be:       be,
		vocab:    corpus.NewVocabulary(f.Vocab),
		sizes:    sizes,
		topLayer: len(f.Layers) - 1,
		decW:     backend.FromRows(f.Decoder.Weight),
		decB:     f.Decoder.Bias,
		recorded: make(map[string]map[model.Slot][][]float32),
	}

	for i, fs := range f.Sentences {
		if err := m.index(fs.Tokens, fs.States); err != nil {
			return nil, fmt.Errorf("sentence %d: %w", i, err)
		}
		if len(fs.CounterTokens) > 0 {
			if len(fs.CounterStates) == 0 {
				return nil, fmt.Errorf("sentence %d: counter tokens without counter states", i)
			}
			if err := m.index(fs.CounterTokens, fs.CounterStates); err != nil {
				return nil, fmt.Errorf("sentence %d (counter): %w", i, err)
			}
		}
	}
	return m, nil
}

func (m *RecordedModel) index(tokens []string, states map[string][][]float32) error {
	bySlot := make(map[model.Slot][][]float32, len(states))
	for name, perPos := range states {
		slot, err := model.ParseSlot(name)
		if err != nil {
			return err
		}
		if len(perPos) != len(tokens) {
			return fmt.Errorf("slot %s records %d positions, sentence has %d tokens",
				slot, len(perPos), len(tokens))
		}
		bySlot[slot] = perPos
	}
	m.recorded[key(tokens)] = bySlot
	return nil
}

func key(tokens []string) string {
	return strings.Join(tokens, " ")
}

func (m *RecordedModel) Sizes() model.Sizes            { return m.sizes }
func (m *RecordedModel) NumLayers() int                { return m.topLayer + 1 }
func (m *RecordedModel) TopLayer() int                 { return m.topLayer }
func (m *RecordedModel) Vocab() *corpus.Vocabulary     { return m.vocab }
func (m *RecordedModel) DecoderWeight() backend.Tensor { return m.decW }
func (m *RecordedModel) DecoderBias() []float32        { return m.decB }
func (m *RecordedModel) Backend() backend.Backend      { return m.be }

func (m *RecordedModel) Forward(_ context.Context, batch [][]string, _ model.Bundle, slots []model.Slot) (model.Activations, error) {
	out := make(model.Activations, len(slots))
	for _, slot := range slots {
		out[slot] = make([][][]float32, len(batch))
	}
	for i, tokens := range batch {
		bySlot, ok := m.recorded[key(tokens)]
		if !ok {
			return nil, fmt.Errorf("no recording for sentence %q", key(tokens))
		}
		for _, slot := range slots {
			perPos, ok := bySlot[slot]
			if !ok {
				return nil, fmt.Errorf("sentence %q: slot %s not recorded", key(tokens), slot)
			}
			out[slot][i] = perPos
		}
	}
	return out, nil
}

// #endregion recorded-model

// #region harness

// Result is the outcome of replaying one expected configuration.
type Result struct {
	Name string
	Want float64
	Got  float64
	Pass bool
}

// accuracyTolerance absorbs float64 division noise; expected accuracies
// are exact ratios so anything beyond this is a real divergence.
const accuracyTolerance = 1e-9

// Run replays every expected configuration of the fixture against its
// recorded activations and reports per-configuration outcomes. The
// returned error is non-nil only for infrastructure failures; a scoring
// mismatch is reported through Result.Pass.
func Run(ctx context.Context, f *Fixture) ([]Result, error) {
	m, err := NewRecordedModel(f)
	if err != nil {
		return nil, err
	}
	c := f.Corpus()

	results := make([]Result, 0, len(f.Expected))
	for _, exp := range f.Expected {
		e := eval.New(m, eval.Config{
			IgnoreUnk: exp.IgnoreUnk,
			FullProbs: exp.FullProbs,
		})
		got, err := e.RunCorpus(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("configuration %s: %w", exp.Name, err)
		}
		results = append(results, Result{
			Name: exp.Name,
			Want: exp.Accuracy,
			Got:  got,
			Pass: math.Abs(got-exp.Accuracy) <= accuracyTolerance,
		})
	}
	return results, nil
}

// #endregion harness
