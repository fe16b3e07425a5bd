package eval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
)

// #region registry

func TestRegistryRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("npi", func(cfg TaskConfig) (*Task, error) {
		return &Task{Name: "npi"}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("agreement", func(cfg TaskConfig) (*Task, error) {
		return &Task{Name: "agreement"}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "agreement" || names[1] != "npi" {
		t.Fatalf("Names() = %v, want sorted [agreement npi]", names)
	}

	task, err := r.Build("npi", TaskConfig{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if task.Name != "npi" {
		t.Fatalf("built task %q, want npi", task.Name)
	}
}

func TestRegistryRejectsDuplicateAndNil(t *testing.T) {
	r := NewRegistry()
	noop := func(cfg TaskConfig) (*Task, error) { return &Task{}, nil }
	if err := r.Register("t", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("t", noop); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if err := r.Register("u", nil); err == nil {
		t.Fatal("nil builder must fail")
	}
}

func TestRegistryUnknownTask(t *testing.T) {
	if _, err := NewRegistry().Build("missing", TaskConfig{}); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

// #endregion registry

// #region single-corpus-task

func TestSingleCorpusTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.tsv")
	content := "sen\ttoken\tcounter_token\n" +
		"the cat\tsleeps\tsleep\n" +
		"the cats\tsleep\tsleeps\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}

	vocab := corpus.NewVocabulary([]string{"the", "cat", "cats", "sleeps", "sleep"})
	task, err := SingleCorpusTask("agreement")(TaskConfig{Path: path, Vocab: vocab})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	conds, ok := task.Corpora["agreement"]
	if !ok {
		t.Fatal("missing subtask named after task")
	}
	c, ok := conds[""]
	if !ok {
		t.Fatal("missing unconditioned corpus")
	}
	if c.Len() != 2 {
		t.Fatalf("corpus has %d sentences, want 2", c.Len())
	}
	if c.Sentences[0].Token != "sleeps" || c.Sentences[0].CounterToken != "sleep" {
		t.Fatalf("sentence 0 candidates %q/%q", c.Sentences[0].Token, c.Sentences[0].CounterToken)
	}
}

func TestSingleCorpusTaskMissingFile(t *testing.T) {
	_, err := SingleCorpusTask("x")(TaskConfig{Path: filepath.Join(t.TempDir(), "absent.tsv")})
	if err == nil {
		t.Fatal("expected error for missing corpus file")
	}
}

// #endregion single-corpus-task

// #region suite

func suiteModel() *testModel {
	m := newTestModel([]string{"the", "cat", "cats", "sleeps", "sleep"}, 2)
	m.setHidden("cat", 1, 0)
	m.setHidden("cats", 0, 1)
	m.setDecoderRow("sleeps", 2, 0)
	m.setDecoderRow("sleep", 0, 2)
	return m
}

func TestSuiteScalarAndConditioned(t *testing.T) {
	m := suiteModel()
	correct := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"the", "cat"}, Token: "sleeps", CounterToken: "sleep"},
	}, m.vocab)
	wrong := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"the", "cats"}, Token: "sleeps", CounterToken: "sleep"},
	}, m.vocab)

	flat := &Task{
		Name:    "flat",
		Corpora: map[string]map[string]*corpus.Corpus{"flat": {"": correct}},
	}
	split := &Task{
		Name: "split",
		Corpora: map[string]map[string]*corpus.Corpus{
			"number": {"sing": correct, "plur": wrong},
		},
	}

	out, err := NewSuite(New(m, Config{}), flat, split).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	res, ok := out["flat"]["flat"]
	if !ok {
		t.Fatal("missing flat result")
	}
	if res.Kind() != KindScalar {
		t.Fatalf("flat result kind = %v, want scalar", res.Kind())
	}
	if acc, _ := res.Scalar(); acc != 1 {
		t.Fatalf("flat accuracy = %v, want 1", acc)
	}
	if _, ok := res.Conditions(); ok {
		t.Fatal("scalar result must not expose conditions")
	}

	res, ok = out["split"]["number"]
	if !ok {
		t.Fatal("missing split result")
	}
	if res.Kind() != KindConditioned {
		t.Fatalf("split result kind = %v, want conditioned", res.Kind())
	}
	conds, _ := res.Conditions()
	if conds["sing"] != 1 || conds["plur"] != 0 {
		t.Fatalf("conditions = %v, want sing:1 plur:0", conds)
	}
}

func TestSuitePropagatesErrors(t *testing.T) {
	m := suiteModel()
	bad := corpus.Build([]corpus.Sentence{
		{Tokens: []string{"zzz"}, Token: "sleeps", CounterToken: "sleep"},
	}, m.vocab)
	task := &Task{
		Name:    "bad",
		Corpora: map[string]map[string]*corpus.Corpus{"bad": {"": bad}},
	}
	if _, err := NewSuite(New(m, Config{}), task).Run(context.Background()); err == nil {
		t.Fatal("expected error from strict-mode unk token")
	}
}

// #endregion suite
