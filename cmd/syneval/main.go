package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/codec"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/eval"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/provenance"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/replay"
)

// #region task-flag

// taskFlags collects repeated --task name=path arguments.
type taskFlags []taskArg

type taskArg struct {
	name string
	path string
}

func (t *taskFlags) String() string {
	parts := make([]string, len(*t))
	for i, a := range *t {
		parts[i] = a.name + "=" + a.path
	}
	return strings.Join(parts, ",")
}

func (t *taskFlags) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("want name=path, got %q", v)
	}
	*t = append(*t, taskArg{name: name, path: path})
	return nil
}

// #endregion task-flag

// #region main

func main() {
	var tasks taskFlags
	addr := flag.String("addr", "localhost:50051", "model service address")
	flag.Var(&tasks, "task", "task as name=path/to/corpus.tsv (repeatable)")
	fixturePath := flag.String("fixture", "", "replay a recorded fixture instead of a live model")
	fullProbs := flag.Bool("full-probs", false, "dual-context comparison over full log-softmax probabilities")
	ignoreUnk := flag.Bool("ignore-unk", false, "exclude sentences with out-of-vocabulary tokens instead of failing")
	batch := flag.Int("batch", 0, "sentences per forward pass (0 = whole corpus)")
	backendArg := flag.String("backend", "", "numeric backend: native | gonum")
	runlogPath := flag.String("runlog", "", "optional provenance database")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if (len(tasks) == 0 && *fixturePath == "") || (len(tasks) > 0 && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: syneval --task name=corpus.tsv [--task ...] [--addr host:port]")
		fmt.Fprintln(os.Stderr, "               [--full-probs] [--ignore-unk] [--batch N] [--backend native|gonum]")
		fmt.Fprintln(os.Stderr, "               [--runlog runs.db] [--json]")
		fmt.Fprintln(os.Stderr, "       syneval --fixture path/to/fixture.json [--json]")
		os.Exit(2)
	}

	var err error
	if *fixturePath != "" {
		err = runFixtureMode(*fixturePath, *jsonOut)
	} else {
		err = runTaskMode(tasks, *addr, *fullProbs, *ignoreUnk, *batch, *backendArg, *runlogPath, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region task-mode

func runTaskMode(tasks taskFlags, addr string, fullProbs, ignoreUnk bool, batch int,
	backendArg, runlogPath string, jsonOut bool) error {
	ctx := context.Background()

	m, err := codec.NewRemoteModel(ctx, addr, backend.Kind(backendArg))
	if err != nil {
		return err
	}
	defer m.Close()

	registry := eval.NewRegistry()
	for _, t := range tasks {
		if err := registry.Register(t.name, eval.SingleCorpusTask(t.name)); err != nil {
			return err
		}
	}

	built := make([]*eval.Task, 0, len(tasks))
	sentences := 0
	for _, t := range tasks {
		task, err := registry.Build(t.name, eval.TaskConfig{Path: t.path, Vocab: m.Vocab()})
		if err != nil {
			return err
		}
		for _, conds := range task.Corpora {
			for _, c := range conds {
				sentences += c.Len()
			}
		}
		built = append(built, task)
	}

	e := eval.New(m, eval.Config{
		IgnoreUnk: ignoreUnk,
		FullProbs: fullProbs,
		BatchSize: batch,
	})

	start := time.Now()
	out, err := eval.NewSuite(e, built...).Run(ctx)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := printResults(out, jsonOut); err != nil {
		return err
	}

	if runlogPath != "" {
		return logRuns(runlogPath, tasks, m.Name(), out, sentences, start, elapsed)
	}
	return nil
}

func printResults(out map[string]eval.Results, jsonOut bool) error {
	if jsonOut {
		payload := make(map[string]map[string]any, len(out))
		for task, results := range out {
			entry := make(map[string]any, len(results))
			for subtask, r := range results {
				if acc, ok := r.Scalar(); ok {
					entry[subtask] = acc
				} else if conds, ok := r.Conditions(); ok {
					entry[subtask] = conds
				}
			}
			payload[task] = entry
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	taskNames := make([]string, 0, len(out))
	for name := range out {
		taskNames = append(taskNames, name)
	}
	sort.Strings(taskNames)
	for _, task := range taskNames {
		results := out[task]
		subtasks := make([]string, 0, len(results))
		for name := range results {
			subtasks = append(subtasks, name)
		}
		sort.Strings(subtasks)
		for _, subtask := range subtasks {
			r := results[subtask]
			if acc, ok := r.Scalar(); ok {
				fmt.Printf("%-20s %-20s %.4f\n", task, subtask, acc)
				continue
			}
			conds, _ := r.Conditions()
			condNames := make([]string, 0, len(conds))
			for name := range conds {
				condNames = append(condNames, name)
			}
			sort.Strings(condNames)
			for _, cond := range condNames {
				fmt.Printf("%-20s %-20s %.4f\n", task, subtask+"/"+cond, conds[cond])
			}
		}
	}
	return nil
}

func logRuns(path string, tasks taskFlags, modelName string, out map[string]eval.Results,
	sentences int, start time.Time, elapsed time.Duration) error {
	l, err := provenance.Open(path)
	if err != nil {
		return err
	}
	defer l.Close()

	for _, t := range tasks {
		results, ok := out[t.name]
		if !ok {
			continue
		}
		for _, r := range results {
			if acc, ok := r.Scalar(); ok {
				rec := provenance.Record{
					Kind:       provenance.KindEval,
					CorpusPath: t.path,
					ModelName:  modelName,
					Sentences:  sentences,
					Accuracy:   &acc,
					StartedAt:  start.UTC(),
					Duration:   elapsed,
				}
				if _, err := l.Append(rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// #endregion task-mode

// #region fixture-mode

func runFixtureMode(path string, jsonOut bool) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	results, err := replay.Run(context.Background(), f)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			status := "ok"
			if !r.Pass {
				status = "MISMATCH"
			}
			fmt.Printf("%-24s want %.4f got %.4f  %s\n", r.Name, r.Want, r.Got, status)
		}
	}

	for _, r := range results {
		if !r.Pass {
			return fmt.Errorf("%d of %d configurations diverged from the fixture", failed(results), len(results))
		}
	}
	return nil
}

func failed(results []replay.Result) int {
	n := 0
	for _, r := range results {
		if !r.Pass {
			n++
		}
	}
	return n
}

// #endregion fixture-mode
