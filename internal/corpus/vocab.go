package corpus

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// #region vocabulary

// Vocabulary is a bidirectional token <-> integer-id mapping.
type Vocabulary struct {
	itos []string
	stoi map[string]int
}

// NewVocabulary builds a vocabulary from an ordered token list.
// Duplicate tokens keep their first index.
func NewVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{
		itos: make([]string, 0, len(tokens)),
		stoi: make(map[string]int, len(tokens)),
	}
	for _, tok := range tokens {
		if _, seen := v.stoi[tok]; seen {
			continue
		}
		v.stoi[tok] = len(v.itos)
		v.itos = append(v.itos, tok)
	}
	return v
}

// ReadVocabFile reads a vocabulary file with one token per line.
func ReadVocabFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab %s: %w", path, err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		if tok == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	return NewVocabulary(tokens), nil
}

// Size returns the number of distinct tokens.
func (v *Vocabulary) Size() int {
	return len(v.itos)
}

// Index returns the id of a token and whether it is present.
func (v *Vocabulary) Index(token string) (int, bool) {
	id, ok := v.stoi[token]
	return id, ok
}

// Contains reports whether the token is in the vocabulary.
func (v *Vocabulary) Contains(token string) bool {
	_, ok := v.stoi[token]
	return ok
}

// Token returns the surface form for an id.
func (v *Vocabulary) Token(id int) (string, error) {
	if id < 0 || id >= len(v.itos) {
		return "", fmt.Errorf("vocab id %d out of range [0, %d)", id, len(v.itos))
	}
	return v.itos[id], nil
}

// Tokens returns the ordered token list.
func (v *Vocabulary) Tokens() []string {
	out := make([]string, len(v.itos))
	copy(out, v.itos)
	return out
}

// #endregion vocabulary
