package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/initstate"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/provenance"
)

// #region main

func main() {
	statesPath := flag.String("states", "", "inspect an initial-state bundle database")
	runlogPath := flag.String("runlog", "", "inspect a provenance database")
	last := flag.Int("last", 20, "show N most recent runs")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if (*statesPath == "" && *runlogPath == "") || (*statesPath != "" && *runlogPath != "") {
		fmt.Fprintln(os.Stderr, "usage: inspect --states path/to/bundle.db [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --runlog path/to/runs.db [--last N] [--json]")
		os.Exit(2)
	}

	var err error
	if *statesPath != "" {
		err = inspectStates(*statesPath, *jsonOut)
	} else {
		err = inspectRunlog(*runlogPath, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region states-mode

type layerRow struct {
	Layer  int     `json:"layer"`
	HxSize int     `json:"hx_size"`
	CxSize int     `json:"cx_size"`
	HxNorm float64 `json:"hx_norm"`
	CxNorm float64 `json:"cx_norm"`
}

func inspectStates(path string, jsonOut bool) error {
	store, err := initstate.OpenBundleStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	bundle, err := store.Load()
	if err != nil {
		return err
	}

	layers := make([]int, 0, len(bundle))
	for layer := range bundle {
		layers = append(layers, layer)
	}
	sort.Ints(layers)

	rows := make([]layerRow, 0, len(layers))
	for _, layer := range layers {
		ls := bundle[layer]
		rows = append(rows, layerRow{
			Layer:  layer,
			HxSize: len(ls.Hx.Data),
			CxSize: len(ls.Cx.Data),
			HxNorm: norm(ls.Hx.Data),
			CxNorm: norm(ls.Cx.Data),
		})
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	fmt.Printf("%-6s %-8s %-8s %-10s %-10s\n", "layer", "hx", "cx", "|hx|", "|cx|")
	for _, r := range rows {
		fmt.Printf("%-6d %-8d %-8d %-10.4f %-10.4f\n", r.Layer, r.HxSize, r.CxSize, r.HxNorm, r.CxNorm)
	}
	return nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// #endregion states-mode

// #region runlog-mode

func inspectRunlog(path string, last int, jsonOut bool) error {
	l, err := provenance.Open(path)
	if err != nil {
		return err
	}
	defer l.Close()

	recs, err := l.List()
	if err != nil {
		return err
	}
	if last > 0 && len(recs) > last {
		recs = recs[:last]
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	fmt.Printf("%-36s %-8s %-10s %-6s %-8s %-9s %s\n",
		"run", "kind", "sentences", "rows", "accuracy", "duration", "started")
	for _, rec := range recs {
		accuracy := "-"
		if rec.Accuracy != nil {
			accuracy = fmt.Sprintf("%.4f", *rec.Accuracy)
		}
		fmt.Printf("%-36s %-8s %-10d %-6d %-8s %-9s %s\n",
			rec.RunID, rec.Kind, rec.Sentences, rec.Rows, accuracy,
			rec.Duration.Round(time.Millisecond), rec.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// #endregion runlog-mode
