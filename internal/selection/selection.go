// Package selection holds the predicates that decide which token positions
// of a sentence have their state vectors retained during extraction.
// Predicates are pure: no side effects, no state shared between calls.
package selection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
)

// #region predicate

// Predicate decides, per (position, sentence), whether the state vectors at
// that position are retained.
type Predicate interface {
	Keep(pos int, sen corpus.Sentence) bool
}

// #endregion predicate

// #region variants

// All retains every position.
type All struct{}

func (All) Keep(int, corpus.Sentence) bool { return true }

// FinalToken retains only the last position of the primary token sequence.
type FinalToken struct{}

func (FinalToken) Keep(pos int, sen corpus.Sentence) bool {
	return len(sen.Tokens) == pos+1
}

// FinalTokenField retains the last position of a named token field,
// e.g. counter_sen. A sentence missing the field contributes nothing.
type FinalTokenField struct {
	Field string
}

func (p FinalTokenField) Keep(pos int, sen corpus.Sentence) bool {
	toks, err := sen.Field(p.Field)
	if err != nil {
		return false
	}
	return len(toks) == pos+1
}

// FirstN retains every position of sentences with id < N.
// FirstN{0} retains nothing.
type FirstN struct {
	N int
}

func (p FirstN) Keep(_ int, sen corpus.Sentence) bool {
	return sen.ID < p.N
}

// NthToken retains only position N. Sentences shorter than N+1 tokens
// contribute nothing; that is not an error.
type NthToken struct {
	N int
}

func (p NthToken) Keep(pos int, _ corpus.Sentence) bool {
	return pos == p.N
}

// MemberOf retains every position of sentences whose id is in the set.
type MemberOf struct {
	IDs map[int]bool
}

// Member builds a MemberOf predicate from explicit ids.
func Member(ids ...int) MemberOf {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return MemberOf{IDs: set}
}

func (p MemberOf) Keep(_ int, sen corpus.Sentence) bool {
	return p.IDs[sen.ID]
}

// #endregion variants

// #region parse

// Parse builds a predicate from its command-line form:
// "all", "final", "first:N" or "nth:N".
func Parse(s string) (Predicate, error) {
	switch {
	case s == "all" || s == "":
		return All{}, nil
	case s == "final":
		return FinalToken{}, nil
	case strings.HasPrefix(s, "first:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "first:"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid predicate %q: want first:N with N >= 0", s)
		}
		return FirstN{N: n}, nil
	case strings.HasPrefix(s, "nth:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "nth:"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid predicate %q: want nth:N with N >= 0", s)
		}
		return NthToken{N: n}, nil
	default:
		return nil, fmt.Errorf("unknown predicate %q", s)
	}
}

// #endregion parse
