package dictcache

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeSource is a test double for Source (spec.md §6): a fixed key->row
// map, with knobs for forcing errors, counting calls, and blocking a
// single in-flight call so tests can exercise queue-full and rendezvous
// behavior deterministically.
type fakeSource struct {
	mu      sync.Mutex
	rows    map[uint64][]any // key -> attribute values in schema order
	err     error
	calls   atomic.Int64
	block   chan struct{} // if non-nil, LoadIDs waits on it before returning
	blocked chan struct{} // closed once a call is parked on block
}

func newFakeSource(rows map[uint64][]any) *fakeSource {
	return &fakeSource{rows: rows}
}

func (s *fakeSource) SupportsSelectiveLoad() bool { return true }

func (s *fakeSource) setRow(key uint64, values []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[uint64][]any)
	}
	s.rows[key] = values
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) callCount() int64 { return s.calls.Load() }

func (s *fakeSource) LoadIDs(ctx context.Context, ids []uint64) (BlockStream, error) {
	s.calls.Add(1)
	if s.block != nil {
		if s.blocked != nil {
			close(s.blocked)
		}
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	var keyCol Column
	var attrCols []Column
	for _, id := range ids {
		row, ok := s.rows[id]
		if !ok {
			continue
		}
		if attrCols == nil {
			attrCols = make([]Column, len(row))
		}
		keyCol = append(keyCol, id)
		for a, v := range row {
			attrCols[a] = append(attrCols[a], v)
		}
	}
	block := Block{Columns: append([]Column{keyCol}, attrCols...)}
	return &fakeStream{block: block}, nil
}

func (s *fakeSource) LoadKeys(ctx context.Context, columns []Column, rowSelector []int) (BlockStream, error) {
	return nil, errUnimplementedComplex
}

var errUnimplementedComplex = &configError{msg: "fakeSource does not implement complex keys"}

// fakeStream serves one precomputed Block. When no requested id has a row,
// LoadIDs builds that Block with only an empty key column, and drain skips
// it as carrying no rows.
type fakeStream struct {
	block  Block
	served bool
}

func (s *fakeStream) Next(ctx context.Context) (Block, bool, error) {
	if s.served {
		return Block{}, false, nil
	}
	s.served = true
	return s.block, true, nil
}

func (s *fakeStream) Close() error { return nil }
