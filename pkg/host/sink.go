package host

import (
	"sync"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/types"
)

// RowSink receives rows produced by a set-returning function, in
// production order. The engine materializes every returned element into
// the sink before the call completes.
type RowSink interface {
	Put(desc *types.RowDesc, row *types.Row) error
}

// MemorySink is a RowSink that accumulates rows in memory. It is the
// standard sink for the command-line runner and for tests.
type MemorySink struct {
	mu   sync.Mutex
	desc *types.RowDesc
	rows []*types.Row
}

// NewMemorySink creates an empty in-memory row sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Put appends one row. The first row's descriptor is retained; later rows
// must match its arity.
func (s *MemorySink) Put(desc *types.RowDesc, row *types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.desc == nil {
		s.desc = desc
	}
	if len(row.Values) != len(s.desc.Columns) {
		return plerrors.Newf(plerrors.ErrCodeConvertRow,
			"row has %d columns, expected %d",
			len(row.Values), len(s.desc.Columns)).
			WithOp("MemorySink.Put").
			Err()
	}
	s.rows = append(s.rows, row)
	return nil
}

// Rows returns the accumulated rows in production order.
func (s *MemorySink) Rows() []*types.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Desc returns the descriptor of the accumulated rows, or nil if no row
// has been put yet.
func (s *MemorySink) Desc() *types.RowDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// Len returns the number of accumulated rows.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Reset discards accumulated rows and the retained descriptor.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc = nil
	s.rows = nil
}
