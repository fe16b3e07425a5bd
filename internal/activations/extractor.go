package activations

import (
	"context"
	"fmt"
	"sort"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/initstate"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/selection"
)

// #region config

// Config configures an extraction run.
type Config struct {
	// Slots is the state vectors to capture. Required.
	Slots []model.Slot
	// Predicate decides which positions are retained. Defaults to All.
	Predicate selection.Predicate
	// BatchSize is the number of sentences per model invocation. Required,
	// must be positive.
	BatchSize int
	// Field names the token sequence to run the model over.
	// Defaults to the primary "sen" field.
	Field string
	// Factory supplies initial states per batch. Defaults to an unbatched
	// zero-state factory for the model.
	Factory *initstate.Factory
}

// #endregion config

// #region extractor

// Extractor drives a model over a corpus and collects the state vectors
// selected by the predicate into a Store. Extraction is single-threaded;
// an extractor must not be run concurrently against the same store.
type Extractor struct {
	model   model.Model
	corpus  *corpus.Corpus
	slots   []model.Slot
	pred    selection.Predicate
	batch   int
	field   string
	factory *initstate.Factory
}

// New validates the configuration and builds an extractor.
func New(m model.Model, c *corpus.Corpus, cfg Config) (*Extractor, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrBatchSize, cfg.BatchSize)
	}
	if len(cfg.Slots) == 0 {
		return nil, ErrNoSlots
	}
	pred := cfg.Predicate
	if pred == nil {
		pred = selection.All{}
	}
	field := cfg.Field
	if field == "" {
		field = corpus.FieldSen
	}
	factory := cfg.Factory
	if factory == nil {
		factory = initstate.ForModel(m, 0, nil)
	}
	return &Extractor{
		model:   m,
		corpus:  c,
		slots:   cfg.Slots,
		pred:    pred,
		batch:   cfg.BatchSize,
		field:   field,
		factory: factory,
	}, nil
}

// Run extracts activations for the whole corpus and returns the frozen
// store plus the total retained row count. Sentences are batched in corpus
// order; within a batch they are submitted to the model longest-first, and
// scattered back to corpus order before any range is recorded.
func (e *Extractor) Run(ctx context.Context) (*Store, int, error) {
	store := newStore(e.slots)

	sentences := e.corpus.Sentences
	for lo := 0; lo < len(sentences); lo += e.batch {
		hi := lo + e.batch
		if hi > len(sentences) {
			hi = len(sentences)
		}
		if err := e.runBatch(ctx, store, sentences[lo:hi]); err != nil {
			return nil, 0, err
		}
	}

	store.freeze()
	return store, store.NumRows(), nil
}

// runBatch invokes the model once and commits the batch in corpus order.
func (e *Extractor) runBatch(ctx context.Context, store *Store, batch []corpus.Sentence) error {
	// Sort longest-first for the model invocation. order[j] is the index
	// within the batch of the j-th submitted sentence.
	order := make([]int, len(batch))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, _ := batch[order[a]].Field(e.field)
		tb, _ := batch[order[b]].Field(e.field)
		return len(ta) > len(tb)
	})

	tokens := make([][]string, len(batch))
	for j, i := range order {
		toks, err := batch[i].Field(e.field)
		if err != nil {
			return fmt.Errorf("sentence %d: %w", batch[i].ID, err)
		}
		tokens[j] = toks
	}

	init, err := e.factory.Create()
	if err != nil {
		return err
	}

	acts, err := e.model.Forward(ctx, tokens, init, e.slots)
	if err != nil {
		return fmt.Errorf("model forward: %w", err)
	}
	for _, slot := range e.slots {
		got, ok := acts[slot]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSlotNotProduced, slot)
		}
		if len(got) != len(batch) {
			return fmt.Errorf("slot %s: model returned %d sentences, batch has %d",
				slot, len(got), len(batch))
		}
	}

	// posInSubmit[i] is where sentence i of the batch ended up in the
	// submitted order.
	posInSubmit := make([]int, len(batch))
	for j, i := range order {
		posInSubmit[i] = j
	}

	// Commit in corpus order regardless of the submitted order.
	for i, sen := range batch {
		toks, _ := sen.Field(e.field)
		retained := make(map[model.Slot][][]float32, len(e.slots))
		for _, slot := range e.slots {
			senActs := acts[slot][posInSubmit[i]]
			if len(senActs) != len(toks) {
				return fmt.Errorf("slot %s sentence %d: model returned %d positions, sentence has %d tokens",
					slot, sen.ID, len(senActs), len(toks))
			}
			var rows [][]float32
			for pos := 0; pos < len(toks); pos++ {
				if e.pred.Keep(pos, sen) {
					rows = append(rows, senActs[pos])
				}
			}
			retained[slot] = rows
		}
		if err := store.appendSentence(sen.ID, retained); err != nil {
			return err
		}
	}
	return nil
}

// #endregion extractor
