package corpus

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// #region read-options

// ReadOptions controls TSV corpus parsing.
type ReadOptions struct {
	// SenColumn names the primary token column. Defaults to "sen".
	SenColumn string
	// ToLower lowercases all token columns.
	ToLower bool
	// Vocab is attached to the resulting corpus. May be nil when the
	// caller attaches one later.
	Vocab *Vocabulary
}

// #endregion read-options

// #region read-tsv

// ReadTSV imports a tab-separated corpus. The first line is the header;
// recognized columns are sen, counter_sen, token, counter_token and labels.
// Token columns are whitespace-tokenized. Sentence ids are assigned in
// order of appearance, starting at zero.
func ReadTSV(path string, opts ReadOptions) (*Corpus, error) {
	senColumn := opts.SenColumn
	if senColumn == "" {
		senColumn = FieldSen
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read corpus %s: %w", path, err)
		}
		return nil, fmt.Errorf("corpus %s is empty", path)
	}
	header := strings.Split(scanner.Text(), "\t")

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	if _, ok := col[senColumn]; !ok {
		return nil, fmt.Errorf("corpus %s: header misses %q column", path, senColumn)
	}

	var sentences []Sentence
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != len(header) {
			return nil, fmt.Errorf("corpus %s line %d: %d columns, header has %d",
				path, lineNo, len(parts), len(header))
		}

		get := func(name string) string {
			i, ok := col[name]
			if !ok {
				return ""
			}
			s := parts[i]
			if opts.ToLower {
				s = strings.ToLower(s)
			}
			return s
		}

		sen := Sentence{
			Tokens:       strings.Fields(get(senColumn)),
			Token:        get("token"),
			CounterToken: get("counter_token"),
			Label:        get("labels"),
		}
		if _, ok := col[FieldCounterSen]; ok {
			sen.CounterTokens = strings.Fields(get(FieldCounterSen))
		}
		sentences = append(sentences, sen)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}

	return Build(sentences, opts.Vocab), nil
}

// #endregion read-tsv
