package eval

import (
	"context"
	"fmt"
	"sort"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
)

// #region task

// Task is one evaluation task: a set of subtask corpora, each optionally
// split into named conditions. An unconditioned subtask uses the empty
// condition name.
type Task struct {
	Name string
	// Corpora maps subtask -> condition -> corpus.
	Corpora map[string]map[string]*corpus.Corpus
}

// TaskConfig is what a task builder gets to work with.
type TaskConfig struct {
	Path     string
	Vocab    *corpus.Vocabulary
	Subtasks []string
}

// Builder constructs a task from its configuration.
type Builder func(cfg TaskConfig) (*Task, error)

// SingleCorpusTask returns a builder that loads one TSV corpus as a single
// unconditioned subtask named after the task.
func SingleCorpusTask(name string) Builder {
	return func(cfg TaskConfig) (*Task, error) {
		c, err := corpus.ReadTSV(cfg.Path, corpus.ReadOptions{Vocab: cfg.Vocab})
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
		return &Task{
			Name:    name,
			Corpora: map[string]map[string]*corpus.Corpus{name: {"": c}},
		}, nil
	}
}

// #endregion task

// #region registry

// Registry maps task names to builders. It is configured up front and read
// single-threaded afterward; there is no hidden global table.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under a unique name.
func (r *Registry) Register(name string, b Builder) error {
	if b == nil {
		return fmt.Errorf("nil builder for task %q", name)
	}
	if _, exists := r.builders[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.builders[name] = b
	return nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the named task.
func (r *Registry) Build(name string, cfg TaskConfig) (*Task, error) {
	b, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return b(cfg)
}

// #endregion registry

// #region suite

// Suite runs a set of tasks through one evaluator.
type Suite struct {
	eval  *Evaluator
	tasks []*Task
}

// NewSuite bundles tasks with the evaluator that scores them.
func NewSuite(e *Evaluator, tasks ...*Task) *Suite {
	return &Suite{eval: e, tasks: tasks}
}

// Run scores every (subtask, condition) corpus and returns results keyed by
// task name. Unconditioned subtasks yield scalar results, conditioned ones
// a condition -> accuracy mapping.
func (s *Suite) Run(ctx context.Context) (map[string]Results, error) {
	out := make(map[string]Results, len(s.tasks))
	for _, task := range s.tasks {
		results := make(Results, len(task.Corpora))
		for subtask, conds := range task.Corpora {
			if c, ok := conds[""]; ok && len(conds) == 1 {
				acc, err := s.eval.RunCorpus(ctx, c)
				if err != nil {
					return nil, fmt.Errorf("task %s subtask %s: %w", task.Name, subtask, err)
				}
				results[subtask] = NewScalar(acc)
				continue
			}
			byCond := make(map[string]float64, len(conds))
			for cond, c := range conds {
				acc, err := s.eval.RunCorpus(ctx, c)
				if err != nil {
					return nil, fmt.Errorf("task %s subtask %s condition %s: %w",
						task.Name, subtask, cond, err)
				}
				byCond[cond] = acc
			}
			results[subtask] = NewConditioned(byCond)
		}
		out[task.Name] = results
	}
	return out, nil
}

// #endregion suite
