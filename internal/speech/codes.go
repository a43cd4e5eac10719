package speech

import "fmt"

// CodeSequence is a growable buffer of multi-codebook audio token rows.
// Row i holds one token per codebook, so the logical shape is [len, numVQ].
// The buffer owns its storage; callers receive copies, never aliases.
type CodeSequence struct {
	numVQ int
	data  []int64
	n     int
}

func NewCodeSequence(numVQ, capacity int) (*CodeSequence, error) {
	if numVQ <= 0 {
		return nil, fmt.Errorf("speech: code sequence needs numVQ > 0, got %d", numVQ)
	}
	if capacity < 0 {
		capacity = 0
	}
	return &CodeSequence{
		numVQ: numVQ,
		data:  make([]int64, 0, capacity*numVQ),
	}, nil
}

// CodeSequenceFromRows builds a sequence from explicit rows. Every row must
// have numVQ entries.
func CodeSequenceFromRows(rows [][]int64, numVQ int) (*CodeSequence, error) {
	s, err := NewCodeSequence(numVQ, len(rows))
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if err := s.Append(row); err != nil {
			return nil, fmt.Errorf("speech: code sequence row %d: %w", i, err)
		}
	}
	return s, nil
}

func (s *CodeSequence) Append(row []int64) error {
	if len(row) != s.numVQ {
		return fmt.Errorf("speech: code row has %d entries, want %d", len(row), s.numVQ)
	}
	s.data = append(s.data, row...)
	s.n++
	return nil
}

func (s *CodeSequence) Len() int   { return s.n }
func (s *CodeSequence) NumVQ() int { return s.numVQ }

// Row returns a copy of row i.
func (s *CodeSequence) Row(i int) ([]int64, error) {
	if i < 0 || i >= s.n {
		return nil, fmt.Errorf("speech: code row %d out of range [0,%d)", i, s.n)
	}
	out := make([]int64, s.numVQ)
	copy(out, s.data[i*s.numVQ:(i+1)*s.numVQ])
	return out, nil
}

// Rows returns copies of rows [from, to).
func (s *CodeSequence) Rows(from, to int) ([][]int64, error) {
	if from < 0 || to > s.n || from > to {
		return nil, fmt.Errorf("speech: code rows [%d,%d) out of range [0,%d]", from, to, s.n)
	}
	out := make([][]int64, 0, to-from)
	for i := from; i < to; i++ {
		row := make([]int64, s.numVQ)
		copy(row, s.data[i*s.numVQ:(i+1)*s.numVQ])
		out = append(out, row)
	}
	return out, nil
}

// Codebook returns the token column for one codebook over rows [from, to).
// The repetition penalty consumes these per-codebook histories.
func (s *CodeSequence) Codebook(vq, from, to int) ([]int64, error) {
	if vq < 0 || vq >= s.numVQ {
		return nil, fmt.Errorf("speech: codebook %d out of range [0,%d)", vq, s.numVQ)
	}
	if from < 0 || to > s.n || from > to {
		return nil, fmt.Errorf("speech: codebook rows [%d,%d) out of range [0,%d]", from, to, s.n)
	}
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, s.data[i*s.numVQ+vq])
	}
	return out, nil
}

func (s *CodeSequence) Clone() *CodeSequence {
	data := make([]int64, len(s.data), cap(s.data))
	copy(data, s.data)
	return &CodeSequence{numVQ: s.numVQ, data: data, n: s.n}
}
