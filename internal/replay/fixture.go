// Package replay re-runs evaluations from recorded activations instead of a
// live model, so scoring behavior can be pinned down in version-controlled
// fixtures.
package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture: the model
// surface needed for scoring (vocabulary, layer sizes, decoder), the
// recorded per-position activations per sentence, and the accuracies each
// evaluator configuration is expected to reproduce.
type Fixture struct {
	Description string             `json:"description"`
	Vocab       []string           `json:"vocab"`
	Layers      []FixtureLayerSize `json:"layers"`
	Decoder     FixtureDecoder     `json:"decoder"`
	Sentences   []FixtureSentence  `json:"sentences"`
	Expected    []FixtureExpected  `json:"expected"`
}

// FixtureLayerSize gives the hidden and cell size of one layer, lowest
// layer first.
type FixtureLayerSize struct {
	Hidden int `json:"hidden"`
	Cell   int `json:"cell"`
}

// FixtureDecoder holds the output projection: one weight row per
// vocabulary entry plus a bias vector.
type FixtureDecoder struct {
	Weight [][]float32 `json:"weight"`
	Bias   []float32   `json:"bias"`
}

// FixtureSentence is one corpus entry with its recorded activations.
// States maps a slot name like "1:hx" to one vector per token position.
// CounterStates does the same for the counter sentence, when present.
type FixtureSentence struct {
	Tokens        []string               `json:"tokens"`
	CounterTokens []string               `json:"counter_tokens,omitempty"`
	Token         string                 `json:"token,omitempty"`
	CounterToken  string                 `json:"counter_token,omitempty"`
	Label         string                 `json:"label,omitempty"`
	States        map[string][][]float32 `json:"states"`
	CounterStates map[string][][]float32 `json:"counter_states,omitempty"`
}

// FixtureExpected pins the accuracy one evaluator configuration must
// reproduce over the fixture corpus.
type FixtureExpected struct {
	Name      string  `json:"name"`
	FullProbs bool    `json:"full_probs"`
	IgnoreUnk bool    `json:"ignore_unk"`
	Accuracy  float64 `json:"accuracy"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Vocab) == 0 {
		return nil, fmt.Errorf("fixture %s: empty vocabulary", path)
	}
	if len(f.Layers) == 0 {
		return nil, fmt.Errorf("fixture %s: no layers", path)
	}
	if len(f.Decoder.Weight) != len(f.Vocab) {
		return nil, fmt.Errorf("fixture %s: decoder has %d rows, vocab has %d entries",
			path, len(f.Decoder.Weight), len(f.Vocab))
	}
	return &f, nil
}

// Corpus builds the evaluation corpus described by the fixture.
func (f *Fixture) Corpus() *corpus.Corpus {
	sentences := make([]corpus.Sentence, len(f.Sentences))
	for i, fs := range f.Sentences {
		sentences[i] = corpus.Sentence{
			Tokens:        fs.Tokens,
			CounterTokens: fs.CounterTokens,
			Token:         fs.Token,
			CounterToken:  fs.CounterToken,
			Label:         fs.Label,
		}
	}
	return corpus.Build(sentences, corpus.NewVocabulary(f.Vocab))
}

// #endregion fixture-loader
