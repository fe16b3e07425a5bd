package corpus

import "fmt"

// #region sentence

// Field names for the token sequences a sentence can carry.
const (
	FieldSen        = "sen"
	FieldCounterSen = "counter_sen"
)

// Sentence is one corpus entry: a primary token sequence, an optional
// counter sequence sharing its structure, and optional scalar fields.
// ID is assigned at load time, zero-based, in order of appearance.
type Sentence struct {
	ID            int
	Tokens        []string
	CounterTokens []string
	Token         string // candidate continuation
	CounterToken  string // incorrect candidate in the same context
	Label         string
}

// Field returns the named token sequence.
func (s Sentence) Field(name string) ([]string, error) {
	switch name {
	case FieldSen, "":
		return s.Tokens, nil
	case FieldCounterSen:
		if s.CounterTokens == nil {
			return nil, fmt.Errorf("sentence %d has no %s field", s.ID, FieldCounterSen)
		}
		return s.CounterTokens, nil
	default:
		return nil, fmt.Errorf("unknown token field %q", name)
	}
}

// #endregion sentence

// #region corpus

// Corpus is an ordered collection of sentences with stable ids and the
// model vocabulary the sentences will be scored against.
type Corpus struct {
	Sentences []Sentence
	Vocab     *Vocabulary
}

// Build assigns zero-based ids in order of appearance and attaches the vocab.
func Build(sentences []Sentence, vocab *Vocabulary) *Corpus {
	out := make([]Sentence, len(sentences))
	copy(out, sentences)
	for i := range out {
		out[i].ID = i
	}
	return &Corpus{Sentences: out, Vocab: vocab}
}

// Len returns the number of sentences.
func (c *Corpus) Len() int {
	return len(c.Sentences)
}

// HasCounterSen reports whether every sentence carries a counter sequence.
func (c *Corpus) HasCounterSen() bool {
	if c.Len() == 0 {
		return false
	}
	for _, s := range c.Sentences {
		if s.CounterTokens == nil {
			return false
		}
	}
	return true
}

// #endregion corpus
