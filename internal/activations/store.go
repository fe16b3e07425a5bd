// Package activations captures selected internal state vectors of a model
// run and serves them back by row, by range, or by sentence.
package activations

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
)

// #region errors

var (
	// ErrBatchSize is returned for a non-positive batch size.
	ErrBatchSize = errors.New("batch size must be a positive integer")
	// ErrNoSlots is returned for an empty slot set.
	ErrNoSlots = errors.New("no activation slots requested")
	// ErrSlotNotProduced means the model did not yield a requested slot.
	// It indicates a broken model contract and always terminates the run.
	ErrSlotNotProduced = errors.New("model did not produce requested slot")
	// ErrUnknownSentence means a sentence id has no recorded range.
	ErrUnknownSentence = errors.New("no activations recorded for sentence")
	// ErrUnknownSlot means a slot was never part of the extraction run.
	ErrUnknownSlot = errors.New("slot not present in store")
)

// #endregion errors

// #region range

// Range is a half-open [Start, Stop) row interval within a slot column.
type Range struct {
	Start int
	Stop  int
}

// Len returns the number of rows covered.
func (r Range) Len() int { return r.Stop - r.Start }

// #endregion range

// #region store

// Store holds, per slot, the retained state vectors of one extraction run
// in corpus order, plus a sentence id -> row range table shared by all
// slots. It is append-only during extraction and read-only afterward.
type Store struct {
	columns map[model.Slot][][]float32
	ranges  map[int]Range
	frozen  bool
	rows    int
}

func newStore(slots []model.Slot) *Store {
	columns := make(map[model.Slot][][]float32, len(slots))
	for _, slot := range slots {
		columns[slot] = nil
	}
	return &Store{
		columns: columns,
		ranges:  make(map[int]Range),
	}
}

// appendSentence records the retained vectors of one sentence across all
// slots and updates its range. Vectors must arrive in corpus order.
func (s *Store) appendSentence(senID int, vectors map[model.Slot][][]float32) error {
	if s.frozen {
		return fmt.Errorf("store is frozen")
	}
	if _, dup := s.ranges[senID]; dup {
		return fmt.Errorf("sentence %d appended twice", senID)
	}

	count := -1
	for slot := range s.columns {
		rows := vectors[slot]
		if count == -1 {
			count = len(rows)
		} else if len(rows) != count {
			return fmt.Errorf("sentence %d: slot %s has %d rows, others have %d",
				senID, slot, len(rows), count)
		}
		s.columns[slot] = append(s.columns[slot], rows...)
	}
	if count < 0 {
		count = 0
	}
	s.ranges[senID] = Range{Start: s.rows, Stop: s.rows + count}
	s.rows += count
	return nil
}

func (s *Store) freeze() {
	s.frozen = true
}

// #endregion store

// #region reads

// Slots returns the slot set of the extraction run.
func (s *Store) Slots() []model.Slot {
	out := make([]model.Slot, 0, len(s.columns))
	for slot := range s.columns {
		out = append(out, slot)
	}
	return out
}

// NumRows returns the total retained row count (identical for every slot).
func (s *Store) NumRows() int {
	return s.rows
}

// SentenceRange returns the row range recorded for a sentence.
func (s *Store) SentenceRange(senID int) (Range, bool) {
	r, ok := s.ranges[senID]
	return r, ok
}

// Get returns the selected rows of one slot, preserving stored order.
// idx may be At, Span, Rows or Mask. Queries never cross slots.
func (s *Store) Get(slot model.Slot, idx Index) ([][]float32, error) {
	col, ok := s.columns[slot]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	return idx.apply(col)
}

// BySentence returns exactly the rows in the slot's range for a sentence.
func (s *Store) BySentence(slot model.Slot, senID int) ([][]float32, error) {
	col, ok := s.columns[slot]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	r, ok := s.ranges[senID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSentence, senID)
	}
	return col[r.Start:r.Stop], nil
}

// #endregion reads

// #region index

// Index selects rows within a single slot column.
type Index interface {
	apply(col [][]float32) ([][]float32, error)
}

// At selects one row.
type At int

func (i At) apply(col [][]float32) ([][]float32, error) {
	if int(i) < 0 || int(i) >= len(col) {
		return nil, fmt.Errorf("row %d out of range [0, %d)", int(i), len(col))
	}
	return col[i : i+1], nil
}

// Span selects the contiguous half-open range [Start, Stop).
type Span struct {
	Start int
	Stop  int
}

func (sp Span) apply(col [][]float32) ([][]float32, error) {
	if sp.Start < 0 || sp.Stop < sp.Start || sp.Stop > len(col) {
		return nil, fmt.Errorf("span [%d, %d) out of range [0, %d)", sp.Start, sp.Stop, len(col))
	}
	return col[sp.Start:sp.Stop], nil
}

// Rows selects an explicit row list, in the given order.
type Rows []int

func (rs Rows) apply(col [][]float32) ([][]float32, error) {
	out := make([][]float32, 0, len(rs))
	for _, i := range rs {
		if i < 0 || i >= len(col) {
			return nil, fmt.Errorf("row %d out of range [0, %d)", i, len(col))
		}
		out = append(out, col[i])
	}
	return out, nil
}

// Mask selects rows whose mask entry is true. The mask length must equal
// the column length.
type Mask []bool

func (m Mask) apply(col [][]float32) ([][]float32, error) {
	if len(m) != len(col) {
		return nil, fmt.Errorf("mask length %d != row count %d", len(m), len(col))
	}
	var out [][]float32
	for i, keep := range m {
		if keep {
			out = append(out, col[i])
		}
	}
	return out, nil
}

// #endregion index
