package dictcache

import (
	"encoding/binary"
	"strconv"
	"sync"
)

// SimpleKey is the 64-bit unsigned integer key variant.
type SimpleKey uint64

// ComplexValue is one typed column value inside a ComplexKey tuple.
type ComplexValue struct {
	// Bytes is the value's byte representation, used both for hashing
	// and for materializing rows passed to a Source.
	Bytes []byte
}

// ComplexKey is the typed-column-tuple key variant. Its byte representation
// is materialized into an Arena owned by the UpdateUnit that references it;
// callers must not retain a ComplexKey past the lifetime of that arena.
type ComplexKey struct {
	Columns []ComplexValue
}

// internalKey is the hashable, comparable form used as the Slot Storage's
// map/ristretto key. Simple keys format as decimal; complex keys use their
// concatenated byte representation, each column prefixed with its length
// so two different column splits cannot collide on the same bytes.
type internalKey string

func simpleInternalKey(k SimpleKey) internalKey {
	return internalKey(strconv.FormatUint(uint64(k), 10))
}

func complexInternalKey(k ComplexKey) internalKey {
	var buf []byte
	for _, col := range k.Columns {
		buf = binary.AppendUvarint(buf, uint64(len(col.Bytes)))
		buf = append(buf, col.Bytes...)
	}
	return internalKey(buf)
}

// Arena is a scoped byte allocator for complex-key materialization, owned by
// a single UpdateUnit and released when the unit is destroyed. It exists so
// that complex-key byte slices fetched from a Source do not each require an
// individual heap allocation; see DESIGN.md for why no third-party arena
// library is used.
type Arena struct {
	mu   sync.Mutex
	bufs [][]byte
}

// NewArena creates an empty Arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc copies src into arena-owned memory and returns the copy. Copies are
// carved out of shared chunks, so a new chunk is allocated only when the
// current one has no room left. The returned slice is valid for the
// lifetime of the Arena.
func (a *Arena) Alloc(src []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	const chunkSize = 4096
	n := len(src)
	if last := len(a.bufs) - 1; last >= 0 {
		chunk := a.bufs[last]
		if off := len(chunk); cap(chunk)-off >= n {
			chunk = chunk[:off+n]
			a.bufs[last] = chunk
			out := chunk[off : off+n : off+n]
			copy(out, src)
			return out
		}
	}
	chunk := make([]byte, n, max(n, chunkSize))
	copy(chunk, src)
	a.bufs = append(a.bufs, chunk)
	return chunk[:n:n]
}

// Release drops the Arena's references, allowing the backing buffers to be
// garbage collected once no other holder retains them.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bufs = nil
}
