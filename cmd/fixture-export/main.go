package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/activations"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/codec"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/eval"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/replay"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/selection"
)

// #region main

func main() {
	addr := flag.String("addr", "localhost:50051", "model service address")
	corpusPath := flag.String("corpus", "", "path to TSV corpus")
	outPath := flag.String("out", "", "output fixture JSON path")
	description := flag.String("description", "", "fixture description")
	slotsArg := flag.String("slots", "", "slots to record (default: top-layer hx)")
	batch := flag.Int("batch", 64, "sentences per forward pass")
	ignoreUnk := flag.Bool("ignore-unk", false, "record expected accuracies with unk exclusion")
	flag.Parse()

	if *corpusPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --corpus path/to/corpus.tsv --out path/to/fixture.json")
		fmt.Fprintln(os.Stderr, "                      [--addr host:port] [--slots 0:hx,0:cx] [--batch N] [--ignore-unk]")
		os.Exit(2)
	}

	if err := run(*addr, *corpusPath, *outPath, *description, *slotsArg, *batch, *ignoreUnk); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export

func run(addr, corpusPath, outPath, description, slotsArg string, batch int, ignoreUnk bool) error {
	ctx := context.Background()

	m, err := codec.NewRemoteModel(ctx, addr, backend.KindNative)
	if err != nil {
		return err
	}
	defer m.Close()

	c, err := corpus.ReadTSV(corpusPath, corpus.ReadOptions{Vocab: m.Vocab()})
	if err != nil {
		return err
	}
	if c.Len() == 0 {
		return fmt.Errorf("corpus %s is empty", corpusPath)
	}

	slots := []model.Slot{{Layer: m.TopLayer(), Name: model.StateHx}}
	if slotsArg != "" {
		slots, err = model.ParseSlots(slotsArg)
		if err != nil {
			return err
		}
	}

	f := &replay.Fixture{
		Description: description,
		Vocab:       m.Vocab().Tokens(),
		Decoder: replay.FixtureDecoder{
			Weight: tensorRows(m.DecoderWeight()),
			Bias:   m.DecoderBias(),
		},
	}
	for layer := 0; layer < m.NumLayers(); layer++ {
		ls := m.Sizes()[layer]
		f.Layers = append(f.Layers, replay.FixtureLayerSize{Hidden: ls.H, Cell: ls.C})
	}

	states, err := recordStates(ctx, m, c, slots, batch, corpus.FieldSen)
	if err != nil {
		return err
	}
	var counterStates []map[string][][]float32
	if c.HasCounterSen() {
		counterStates, err = recordStates(ctx, m, c, slots, batch, corpus.FieldCounterSen)
		if err != nil {
			return err
		}
	}

	for i, sen := range c.Sentences {
		fs := replay.FixtureSentence{
			Tokens:        sen.Tokens,
			CounterTokens: sen.CounterTokens,
			Token:         sen.Token,
			CounterToken:  sen.CounterToken,
			Label:         sen.Label,
			States:        states[i],
		}
		if counterStates != nil {
			fs.CounterStates = counterStates[i]
		}
		f.Sentences = append(f.Sentences, fs)
	}

	if f.Expected, err = record(ctx, m, c, ignoreUnk); err != nil {
		return err
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Printf("recorded %d sentences, %d expected configurations to %s\n",
		len(f.Sentences), len(f.Expected), outPath)
	return nil
}

// recordStates captures every position of every sentence for the given
// token field, keyed the way fixtures expect.
func recordStates(ctx context.Context, m model.Model, c *corpus.Corpus, slots []model.Slot, batch int, field string) ([]map[string][][]float32, error) {
	ex, err := activations.New(m, c, activations.Config{
		Slots:     slots,
		Predicate: selection.All{},
		BatchSize: batch,
		Field:     field,
	})
	if err != nil {
		return nil, err
	}
	store, _, err := ex.Run(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]map[string][][]float32, c.Len())
	for i, sen := range c.Sentences {
		bySlot := make(map[string][][]float32, len(slots))
		for _, slot := range slots {
			rows, err := store.BySentence(slot, sen.ID)
			if err != nil {
				return nil, err
			}
			bySlot[slot.String()] = rows
		}
		out[i] = bySlot
	}
	return out, nil
}

// record captures the accuracies a replay must reproduce.
func record(ctx context.Context, m model.Model, c *corpus.Corpus, ignoreUnk bool) ([]replay.FixtureExpected, error) {
	configs := []replay.FixtureExpected{
		{Name: "restricted", FullProbs: false, IgnoreUnk: ignoreUnk},
	}
	if c.HasCounterSen() {
		configs = append(configs, replay.FixtureExpected{Name: "full-probs", FullProbs: true, IgnoreUnk: ignoreUnk})
	}

	for i := range configs {
		e := eval.New(m, eval.Config{
			IgnoreUnk: configs[i].IgnoreUnk,
			FullProbs: configs[i].FullProbs,
		})
		acc, err := e.RunCorpus(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("configuration %s: %w", configs[i].Name, err)
		}
		configs[i].Accuracy = acc
	}
	return configs, nil
}

func tensorRows(t backend.Tensor) [][]float32 {
	rows := make([][]float32, t.Rows())
	for i := range rows {
		rows[i] = t.Row(i)
	}
	return rows
}

// #endregion export
