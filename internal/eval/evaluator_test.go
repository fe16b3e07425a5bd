package eval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
)

// #region test-model

// testModel produces, at every position, the hidden vector assigned to the
// token at that position, so a sentence's final hidden state is fully
// determined by its last token. Decoder parameters are set per test.
type testModel struct {
	be        backend.Backend
	vocab     *corpus.Vocabulary
	hidden    int
	tokenVecs map[string][]float32
	decW      backend.Tensor
	decB      []float32
}

func newTestModel(vocabTokens []string, hidden int) *testModel {
	be, _ := backend.New(backend.KindNative)
	v := corpus.NewVocabulary(vocabTokens)
	return &testModel{
		be:        be,
		vocab:     v,
		hidden:    hidden,
		tokenVecs: make(map[string][]float32),
		decW:      be.ZerosBatch(v.Size(), hidden),
		decB:      make([]float32, v.Size()),
	}
}

func (m *testModel) setHidden(token string, vec ...float32) {
	m.tokenVecs[token] = vec
}

func (m *testModel) setDecoderRow(token string, row ...float32) {
	id, ok := m.vocab.Index(token)
	if !ok {
		panic("setDecoderRow: token not in vocab: " + token)
	}
	copy(m.decW.Row(id), row)
}

func (m *testModel) Sizes() model.Sizes {
	return model.Sizes{0: {H: m.hidden, C: m.hidden}}
}
func (m *testModel) NumLayers() int                { return 1 }
func (m *testModel) TopLayer() int                 { return 0 }
func (m *testModel) Vocab() *corpus.Vocabulary     { return m.vocab }
func (m *testModel) DecoderWeight() backend.Tensor { return m.decW }
func (m *testModel) DecoderBias() []float32        { return m.decB }
func (m *testModel) Backend() backend.Backend      { return m.be }

func (m *testModel) Forward(_ context.Context, batch [][]string, _ model.Bundle, slots []model.Slot) (model.Activations, error) {
	out := make(model.Activations, len(slots))
	for _, slot := range slots {
		perSen := make([][][]float32, len(batch))
		for i, tokens := range batch {
			perPos := make([][]float32, len(tokens))
			for pos, tok := range tokens {
				vec, ok := m.tokenVecs[tok]
				if !ok {
					vec = make([]float32, m.hidden)
				}
				perPos[pos] = vec
			}
			perSen[i] = perPos
		}
		out[slot] = perSen
	}
	return out, nil
}

// #endregion test-model

// #region single-context

func TestSingleContextAccuracyKnownValues(t *testing.T) {
	m := newTestModel([]string{"the", "cat", "cats", "sleeps", "sleep"}, 2)
	m.setHidden("cat", 1, 0)
	m.setHidden("cats", 0, 1)
	m.setDecoderRow("sleeps", 2, 0) // preferred after "cat"
	m.setDecoderRow("sleep", 0, 2)  // preferred after "cats"

	c := corpus.Build([]corpus.Sentence{
		// Final token "cat": logit(sleeps)=2 > logit(sleep)=0 → correct.
		{Tokens: []string{"the", "cat"}, Token: "sleeps", CounterToken: "sleep"},
		// Final token "cats": logit(sleeps)=0 < logit(sleep)=2 → incorrect.
		{Tokens: []string{"the", "cats"}, Token: "sleeps", CounterToken: "sleep"},
	}, m.vocab)

	acc, err := New(m, Config{}).RunCorpus(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc != 0.5 {
		t.Fatalf("accuracy = %v, want 0.5", acc)
	}
}

func TestSingleContextTieCountsAsCorrect(t *testing.T) {
	m := newTestModel([]string{"the", "cat", "sleeps", "sleep"}, 2)
	m.setHidden("cat", 1, 1)
	// Identical decoder rows and zero bias: exact tie.
	m.setDecoderRow("sleeps", 1, 2)
	m.setDecoderRow("sleep", 1, 2)

	c := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"the", "cat"}, Token: "sleeps", CounterToken: "sleep"},
	}, m.vocab)

	acc, err := New(m, Config{}).RunCorpus(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc != 1.0 {
		t.Fatalf("tie must count as correct: accuracy = %v, want 1", acc)
	}
}

func TestSingleContextBiasBreaksTie(t *testing.T) {
	m := newTestModel([]string{"the", "cat", "sleeps", "sleep"}, 2)
	m.setHidden("cat", 1, 1)
	m.setDecoderRow("sleeps", 1, 2)
	m.setDecoderRow("sleep", 1, 2)
	id, _ := m.vocab.Index("sleep")
	m.decB[id] = 0.5 // counter-target now wins

	c := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"the", "cat"}, Token: "sleeps", CounterToken: "sleep"},
	}, m.vocab)

	acc, err := New(m, Config{}).RunCorpus(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc != 0 {
		t.Fatalf("accuracy = %v, want 0", acc)
	}
}

// #endregion single-context

// #region unk-handling

func unkCorpus(m *testModel) *corpus.Corpus {
	return corpus.Build([]corpus.Sentence{
		{Tokens: []string{"a", "b"}, Token: "a", CounterToken: "b"},
		{Tokens: []string{"b", "a"}, Token: "b", CounterToken: "a"},
		{Tokens: []string{"a", "zzz"}, Token: "a", CounterToken: "b"},
	}, m.vocab)
}

func TestIgnoreUnkExcludesWithWarning(t *testing.T) {
	m := newTestModel([]string{"a", "b", "unk"}, 2)
	m.setHidden("a", 1, 0)
	m.setHidden("b", 0, 1)
	m.setDecoderRow("a", 1, 0)
	m.setDecoderRow("b", 0, 1)

	var warnings []string
	e := New(m, Config{
		IgnoreUnk: true,
		Warnf: func(format string, args ...any) {
			warnings = append(warnings, format)
		},
	})

	acc, err := e.RunCorpus(context.Background(), unkCorpus(m))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Sentence 0: final "b", target "a" (logit 0) vs counter "b" (logit 1) → wrong.
	// Sentence 1: final "a", target "b" (logit 0) vs counter "a" (logit 1) → wrong.
	// Sentence 2 is excluded.
	if acc != 0 {
		t.Fatalf("accuracy = %v, want 0 over the two retained sentences", acc)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	if !strings.Contains(warnings[0], "not part of model vocab") {
		t.Fatalf("warning %q does not name the problem", warnings[0])
	}
}

func TestStrictModeFailsOnUnk(t *testing.T) {
	m := newTestModel([]string{"a", "b", "unk"}, 2)
	m.setHidden("a", 1, 0)
	m.setHidden("b", 0, 1)

	_, err := New(m, Config{IgnoreUnk: false}).RunCorpus(context.Background(), unkCorpus(m))
	var vle *VocabLookupError
	if !errors.As(err, &vle) {
		t.Fatalf("expected VocabLookupError, got %v", err)
	}
	if vle.Token != "zzz" || vle.SentenceID != 2 {
		t.Fatalf("got %+v", vle)
	}
}

func TestMissingCandidateToken(t *testing.T) {
	m := newTestModel([]string{"a", "b"}, 2)
	m.setHidden("a", 1, 0)
	m.setHidden("b", 0, 1)

	c := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"a", "b"}, Token: "a", CounterToken: "qqq"},
		{Tokens: []string{"b", "a"}, Token: "b", CounterToken: "a"},
	}, m.vocab)

	// Strict: fatal.
	_, err := New(m, Config{}).RunCorpus(context.Background(), c)
	var vle *VocabLookupError
	if !errors.As(err, &vle) {
		t.Fatalf("expected VocabLookupError, got %v", err)
	}
	if vle.Token != "qqq" {
		t.Fatalf("got %+v", vle)
	}

	// IgnoreUnk: excluded with a warning, scored over the remainder.
	warned := 0
	e := New(m, Config{
		IgnoreUnk: true,
		Warnf:     func(string, ...any) { warned++ },
	})
	if _, err := e.RunCorpus(context.Background(), c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warned != 1 {
		t.Fatalf("got %d warnings, want 1", warned)
	}
}

func TestAllSentencesExcluded(t *testing.T) {
	m := newTestModel([]string{"a"}, 2)
	m.setHidden("a", 1, 0)

	c := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"zzz"}, Token: "a", CounterToken: "a"},
	}, m.vocab)

	e := New(m, Config{IgnoreUnk: true, Warnf: func(string, ...any) {}})
	if _, err := e.RunCorpus(context.Background(), c); err == nil {
		t.Fatal("expected error when every sentence is excluded")
	}
}

// #endregion unk-handling

// #region dual-context

func dualCorpus(m *testModel) *corpus.Corpus {
	return corpus.Build([]corpus.Sentence{
		{
			Tokens:        []string{"ctxgood"},
			CounterTokens: []string{"ctxbad"},
			Token:         "w1",
		},
		{
			Tokens:        []string{"ctxbad"},
			CounterTokens: []string{"ctxgood"},
			Token:         "w1",
		},
	}, m.vocab)
}

func TestDualContextFullProbs(t *testing.T) {
	m := newTestModel([]string{"w1", "w2", "ctxgood", "ctxbad"}, 2)
	m.setHidden("ctxgood", 1, 0)
	m.setHidden("ctxbad", 0, 1)
	m.setDecoderRow("w1", 3, 1) // w1 scores higher after ctxgood
	m.setDecoderRow("w2", 1, 1)

	acc, err := New(m, Config{FullProbs: true}).RunCorpus(context.Background(), dualCorpus(m))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Sentence 0: P(w1|ctxgood) > P(w1|ctxbad) → correct.
	// Sentence 1: contexts swapped → incorrect.
	if acc != 0.5 {
		t.Fatalf("accuracy = %v, want 0.5", acc)
	}
}

func TestDualContextRestricted(t *testing.T) {
	m := newTestModel([]string{"w1", "w2", "ctxgood", "ctxbad"}, 2)
	m.setHidden("ctxgood", 1, 0)
	m.setHidden("ctxbad", 0, 1)
	m.setDecoderRow("w1", 3, 1)
	m.setDecoderRow("w2", 1, 1)
	// Bias must not matter in restricted mode.
	id, _ := m.vocab.Index("w1")
	m.decB[id] = -100

	acc, err := New(m, Config{FullProbs: false}).RunCorpus(context.Background(), dualCorpus(m))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc != 0.5 {
		t.Fatalf("accuracy = %v, want 0.5", acc)
	}
}

func TestDualContextModesAgreeWithZeroBias(t *testing.T) {
	// With an identity decoder the two contexts produce logit vectors that
	// are permutations of each other, so the log-softmax normalizers are
	// equal and both modes must agree on every example.
	vocabTokens := []string{"w0", "w1", "w2", "ca", "cb"}
	m := newTestModel(vocabTokens, 3)
	m.setHidden("ca", 3, 1, 2)
	m.setHidden("cb", 1, 2, 3)
	m.setDecoderRow("w0", 1, 0, 0)
	m.setDecoderRow("w1", 0, 1, 0)
	m.setDecoderRow("w2", 0, 0, 1)

	for _, target := range []string{"w0", "w1", "w2"} {
		c := corpus.Build([]corpus.Sentence{
			{Tokens: []string{"ca"}, CounterTokens: []string{"cb"}, Token: target},
		}, m.vocab)

		full, err := New(m, Config{FullProbs: true}).RunCorpus(context.Background(), c)
		if err != nil {
			t.Fatalf("full: %v", err)
		}
		restricted, err := New(m, Config{FullProbs: false}).RunCorpus(context.Background(), c)
		if err != nil {
			t.Fatalf("restricted: %v", err)
		}
		if full != restricted {
			t.Fatalf("target %s: full %v != restricted %v", target, full, restricted)
		}
		if full < 0 || full > 1 {
			t.Fatalf("accuracy %v out of [0,1]", full)
		}
	}
}

func TestDualContextTieCountsAsCorrect(t *testing.T) {
	m := newTestModel([]string{"w1", "ca", "cb"}, 2)
	m.setHidden("ca", 1, 1)
	m.setHidden("cb", 1, 1) // identical contexts → exact tie
	m.setDecoderRow("w1", 2, 1)

	c := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"ca"}, CounterTokens: []string{"cb"}, Token: "w1"},
	}, m.vocab)

	for _, full := range []bool{true, false} {
		acc, err := New(m, Config{FullProbs: full}).RunCorpus(context.Background(), c)
		if err != nil {
			t.Fatalf("fullProbs=%v: %v", full, err)
		}
		if acc != 1 {
			t.Fatalf("fullProbs=%v: tie must count as correct, got %v", full, acc)
		}
	}
}

// #endregion dual-context
