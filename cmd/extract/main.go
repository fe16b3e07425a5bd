package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/activations"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/codec"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/initstate"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/provenance"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/selection"
)

// #region main

func main() {
	addr := flag.String("addr", "localhost:50051", "model service address")
	corpusPath := flag.String("corpus", "", "path to TSV corpus")
	slotsArg := flag.String("slots", "", "comma-separated slots, e.g. 1:hx,1:cx")
	predicateArg := flag.String("predicate", "all", "position predicate: all | final | first:N | nth:N")
	batch := flag.Int("batch", 64, "sentences per forward pass")
	field := flag.String("field", corpus.FieldSen, "token column to extract from")
	backendArg := flag.String("backend", "", "numeric backend: native | gonum")
	statesPath := flag.String("states", "", "optional initial-state bundle database")
	runlogPath := flag.String("runlog", "", "optional provenance database")
	outPath := flag.String("out", "", "optional JSON output file for extracted activations")
	toLower := flag.Bool("lower", false, "lowercase corpus tokens")
	flag.Parse()

	if *corpusPath == "" || *slotsArg == "" {
		fmt.Fprintln(os.Stderr, "usage: extract --corpus path/to/corpus.tsv --slots 1:hx[,1:cx] [--addr host:port]")
		fmt.Fprintln(os.Stderr, "               [--predicate all|final|first:N|nth:N] [--batch N] [--field sen|counter_sen]")
		fmt.Fprintln(os.Stderr, "               [--backend native|gonum] [--states bundle.db] [--runlog runs.db] [--out acts.json]")
		os.Exit(2)
	}

	if err := run(*addr, *corpusPath, *slotsArg, *predicateArg, *batch, *field,
		*backendArg, *statesPath, *runlogPath, *outPath, *toLower); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region run

func run(addr, corpusPath, slotsArg, predicateArg string, batch int, field,
	backendArg, statesPath, runlogPath, outPath string, toLower bool) error {
	ctx := context.Background()

	slots, err := model.ParseSlots(slotsArg)
	if err != nil {
		return err
	}
	predicate, err := selection.Parse(predicateArg)
	if err != nil {
		return err
	}

	m, err := codec.NewRemoteModel(ctx, addr, backend.Kind(backendArg))
	if err != nil {
		return err
	}
	defer m.Close()

	c, err := corpus.ReadTSV(corpusPath, corpus.ReadOptions{
		SenColumn: corpus.FieldSen,
		ToLower:   toLower,
		Vocab:     m.Vocab(),
	})
	if err != nil {
		return err
	}

	cfg := activations.Config{
		Slots:     slots,
		Predicate: predicate,
		BatchSize: batch,
		Field:     field,
	}
	if statesPath != "" {
		store, err := initstate.OpenBundleStore(statesPath)
		if err != nil {
			return err
		}
		defer store.Close()
		cfg.Factory = initstate.ForModel(m, 0, store)
	}

	ex, err := activations.New(m, c, cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	store, rows, err := ex.Run(ctx)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("extracted %d rows x %d slots from %d sentences in %s\n",
		rows, len(slots), c.Len(), elapsed.Round(time.Millisecond))

	if runlogPath != "" {
		if err := logRun(runlogPath, corpusPath, predicateArg, slotsArg, m.Name(), c.Len(), rows, start, elapsed); err != nil {
			return err
		}
	}
	if outPath != "" {
		if err := writeActivations(outPath, store, c); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", outPath)
	}
	return nil
}

func logRun(path, corpusPath, predicate, slots, modelName string, sentences, rows int, start time.Time, elapsed time.Duration) error {
	l, err := provenance.Open(path)
	if err != nil {
		return err
	}
	defer l.Close()
	_, err = l.Append(provenance.Record{
		Kind:       provenance.KindExtract,
		CorpusPath: corpusPath,
		ModelName:  modelName,
		Predicate:  predicate,
		Slots:      slots,
		Sentences:  sentences,
		Rows:       rows,
		StartedAt:  start.UTC(),
		Duration:   elapsed,
	})
	return err
}

// #endregion run

// #region output

type outputRange struct {
	Sentence int `json:"sentence"`
	Start    int `json:"start"`
	Stop     int `json:"stop"`
}

type outputFile struct {
	Slots  map[string][][]float32 `json:"slots"`
	Ranges []outputRange          `json:"ranges"`
}

func writeActivations(path string, store *activations.Store, c *corpus.Corpus) error {
	out := outputFile{Slots: make(map[string][][]float32, len(store.Slots()))}
	for _, slot := range store.Slots() {
		rows, err := store.Get(slot, activations.Span{Start: 0, Stop: store.NumRows()})
		if err != nil {
			return err
		}
		out.Slots[slot.String()] = rows
	}
	for _, sen := range c.Sentences {
		r, ok := store.SentenceRange(sen.ID)
		if !ok {
			continue
		}
		out.Ranges = append(out.Ranges, outputRange{Sentence: sen.ID, Start: r.Start, Stop: r.Stop})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode activations: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// #endregion output
