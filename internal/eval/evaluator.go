// Package eval scores contrastive linguistic predictions: whether a model
// prefers a correct continuation over an incorrect one in a single context,
// and whether it prefers the same target more in one context than another.
package eval

import (
	"context"
	"fmt"
	"log"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/activations"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/selection"
)

// #region errors

// VocabLookupError reports a token required for scoring that is absent from
// the model vocabulary while strict mode is active.
type VocabLookupError struct {
	Token      string
	SentenceID int
}

func (e *VocabLookupError) Error() string {
	return fmt.Sprintf("token %q (sentence %d) is not part of the model vocabulary", e.Token, e.SentenceID)
}

// #endregion errors

// #region config

// Config configures a contrastive evaluator.
type Config struct {
	// IgnoreUnk excludes sentences containing out-of-vocabulary tokens
	// with a warning instead of failing.
	IgnoreUnk bool
	// FullProbs makes dual-context comparisons use full-vocabulary
	// log-softmax probabilities; when false only the target's raw logit
	// is compared between contexts.
	FullProbs bool
	// BatchSize for extraction. Defaults to the whole corpus in one batch.
	BatchSize int
	// Warnf receives non-fatal exclusion diagnostics. Defaults to log.Printf.
	Warnf func(format string, args ...any)
}

// #endregion config

// #region evaluator

// Evaluator computes contrastive accuracies from final hidden states and
// the model's output projection. It is stateless across corpora.
type Evaluator struct {
	m     model.Model
	cfg   Config
	warnf func(format string, args ...any)
}

// New builds an evaluator for the given model.
func New(m model.Model, cfg Config) *Evaluator {
	warnf := cfg.Warnf
	if warnf == nil {
		warnf = log.Printf
	}
	return &Evaluator{m: m, cfg: cfg, warnf: warnf}
}

// RunCorpus scores one corpus and returns its accuracy in [0, 1].
// Corpora with a counter-sentence field are scored with the dual-context
// formula, all others with the single-context formula.
func (e *Evaluator) RunCorpus(ctx context.Context, c *corpus.Corpus) (float64, error) {
	a, err := e.finalHidden(ctx, c, corpus.FieldSen, selection.FinalToken{})
	if err != nil {
		return 0, err
	}

	dual := c.HasCounterSen()
	var b backend.Tensor
	if dual {
		b, err = e.finalHidden(ctx, c, corpus.FieldCounterSen,
			selection.FinalTokenField{Field: corpus.FieldCounterSen})
		if err != nil {
			return 0, err
		}
	}

	mask, err := e.unkMask(c)
	if err != nil {
		return 0, err
	}

	ids, err := e.tokenIDs(c, mask, func(s corpus.Sentence) string { return s.Token })
	if err != nil {
		return 0, err
	}
	var counterIDs []int
	if !dual {
		counterIDs, err = e.tokenIDs(c, mask, func(s corpus.Sentence) string { return s.CounterToken })
		if err != nil {
			return 0, err
		}
	}

	// The identical mask applies to both activation matrices and to all
	// derived token-id vectors.
	a = filterRows(e.m.Backend(), a, mask)
	ids = filterInts(ids, mask)
	if a.Rows() == 0 {
		return 0, fmt.Errorf("no sentences retained for scoring")
	}
	if dual {
		b = filterRows(e.m.Backend(), b, mask)
		if e.cfg.FullProbs {
			return e.dualContextFull(a, b, ids), nil
		}
		return e.dualContextRestricted(a, b, ids), nil
	}
	counterIDs = filterInts(counterIDs, mask)
	return e.singleContext(a, ids, counterIDs)
}

// #endregion evaluator

// #region final-hidden

// finalHidden extracts the final state vector per sentence on the top
// layer's hx slot and stacks them into an (numSentences, hiddenSize) matrix.
func (e *Evaluator) finalHidden(ctx context.Context, c *corpus.Corpus, field string, pred selection.Predicate) (backend.Tensor, error) {
	slot := model.Slot{Layer: e.m.TopLayer(), Name: model.StateHx}

	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = c.Len()
	}
	if batch <= 0 {
		return backend.Tensor{}, fmt.Errorf("empty corpus")
	}

	ex, err := activations.New(e.m, c, activations.Config{
		Slots:     []model.Slot{slot},
		Predicate: pred,
		BatchSize: batch,
		Field:     field,
	})
	if err != nil {
		return backend.Tensor{}, err
	}
	store, _, err := ex.Run(ctx)
	if err != nil {
		return backend.Tensor{}, err
	}

	rows := make([][]float32, 0, c.Len())
	for _, sen := range c.Sentences {
		senRows, err := store.BySentence(slot, sen.ID)
		if err != nil {
			return backend.Tensor{}, err
		}
		if len(senRows) != 1 {
			return backend.Tensor{}, fmt.Errorf("sentence %d: %d final states on %s, want exactly 1",
				sen.ID, len(senRows), field)
		}
		rows = append(rows, senRows[0])
	}
	return e.m.Backend().Concat(rows), nil
}

// #endregion final-hidden

// #region unk-mask

// unkMask marks the sentences retained for scoring. Under IgnoreUnk a
// sentence containing any out-of-vocabulary token in its primary sequence
// is excluded with one diagnostic per missing token; in strict mode the
// first such token is a fatal VocabLookupError, never a silent exclusion.
func (e *Evaluator) unkMask(c *corpus.Corpus) ([]bool, error) {
	mask := make([]bool, c.Len())
	for i := range mask {
		mask[i] = true
	}

	vocab := e.m.Vocab()
	for i, sen := range c.Sentences {
		for _, tok := range sen.Tokens {
			if vocab.Contains(tok) {
				continue
			}
			if !e.cfg.IgnoreUnk {
				return nil, &VocabLookupError{Token: tok, SentenceID: sen.ID}
			}
			mask[i] = false
			e.warnf("%q is not part of model vocab, excluding sentence %d", tok, sen.ID)
		}
	}
	return mask, nil
}

// tokenIDs resolves one scalar token field to vocabulary ids. In strict
// mode a missing token is a fatal VocabLookupError; under IgnoreUnk the
// sentence is excluded from the mask with a warning instead.
func (e *Evaluator) tokenIDs(c *corpus.Corpus, mask []bool, field func(corpus.Sentence) string) ([]int, error) {
	vocab := e.m.Vocab()
	ids := make([]int, c.Len())
	for i, sen := range c.Sentences {
		tok := field(sen)
		id, ok := vocab.Index(tok)
		if !ok {
			if !e.cfg.IgnoreUnk {
				return nil, &VocabLookupError{Token: tok, SentenceID: sen.ID}
			}
			if mask[i] {
				mask[i] = false
				e.warnf("%q is not part of model vocab, excluding sentence %d", tok, sen.ID)
			}
			continue
		}
		ids[i] = id
	}
	return ids, nil
}

// #endregion unk-mask

// #region accuracy

// singleContext computes the fraction of sentences whose target logit is at
// least the counter-target logit in the same context. Ties count as correct.
func (e *Evaluator) singleContext(a backend.Tensor, ids, counterIDs []int) (float64, error) {
	n := a.Rows()
	if n == 0 {
		return 0, fmt.Errorf("no sentences retained for scoring")
	}
	be := e.m.Backend()
	w := e.m.DecoderWeight()
	bias := e.m.DecoderBias()

	correct := 0
	for i := 0; i < n; i++ {
		logit := be.Dot(a.Row(i), w.Row(ids[i])) + bias[ids[i]]
		counter := be.Dot(a.Row(i), w.Row(counterIDs[i])) + bias[counterIDs[i]]
		if logit >= counter {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// dualContextFull compares the target's full-vocabulary log-probability
// between the two contexts. Ties count as correct.
func (e *Evaluator) dualContextFull(a, b backend.Tensor, ids []int) float64 {
	be := e.m.Backend()
	w := e.m.DecoderWeight()
	bias := e.m.DecoderBias()

	probsA := be.LogSoftmax(be.Affine(a, w, bias))
	probsB := be.LogSoftmax(be.Affine(b, w, bias))

	n := a.Rows()
	if n == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < n; i++ {
		if probsA.At(i, ids[i]) >= probsB.At(i, ids[i]) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// dualContextRestricted compares only the target's raw logit between the
// two contexts, without bias or normalization over the vocabulary.
func (e *Evaluator) dualContextRestricted(a, b backend.Tensor, ids []int) float64 {
	be := e.m.Backend()
	w := e.m.DecoderWeight()

	n := a.Rows()
	if n == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < n; i++ {
		row := w.Row(ids[i])
		if be.Dot(a.Row(i), row) >= be.Dot(b.Row(i), row) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// #endregion accuracy

// #region filters

func filterRows(be backend.Backend, t backend.Tensor, mask []bool) backend.Tensor {
	var rows [][]float32
	for i, keep := range mask {
		if keep {
			rows = append(rows, t.Row(i))
		}
	}
	return be.Concat(rows)
}

func filterInts(xs []int, mask []bool) []int {
	var out []int
	for i, keep := range mask {
		if keep {
			out = append(out, xs[i])
		}
	}
	return out
}

// #endregion filters
