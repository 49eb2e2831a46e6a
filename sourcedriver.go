package dictcache

import (
	"context"
	"sync"
)

// Block is one batch of rows read from a Source: the leading K columns are
// key columns in schema order (K=1 for simple keys), the remainder are
// attributes in schema order. A block may be empty; it never carries a
// partial row.
type Block struct {
	Columns []Column
}

// BlockStream is a blocking, pull-based sequence of Blocks. Next returns
// ok=false with a nil error at end of stream.
type BlockStream interface {
	Next(ctx context.Context) (block Block, ok bool, err error)
	Close() error
}

// Source is the external record source contract (spec.md §6). It is an
// out-of-scope collaborator here — only the interface is specified — but
// see sources/redissource and sources/httpsource for concrete
// implementations.
type Source interface {
	// SupportsSelectiveLoad must be true for a Source to be usable by this
	// cache; construction fails otherwise with ErrUnsupportedSource.
	SupportsSelectiveLoad() bool

	// LoadIDs fetches rows for the given simple keys.
	LoadIDs(ctx context.Context, ids []uint64) (BlockStream, error)

	// LoadKeys fetches rows for the complex-key rows selected by
	// rowSelector out of the given full input columns.
	LoadKeys(ctx context.Context, columns []Column, rowSelector []int) (BlockStream, error)
}

// SourceDriver is the thin per-worker wrapper around a Source. It holds the
// source-rebind mutex described in spec.md §5 ("Source handle... acquired
// per-worker-call behind a source-mutex"), kept independent of the Slot
// Storage lock so a slow source call never blocks queries.
type SourceDriver struct {
	mu     sync.Mutex
	source Source
}

// NewSourceDriver validates that source supports selective load and wraps
// it.
func NewSourceDriver(source Source) (*SourceDriver, error) {
	if !source.SupportsSelectiveLoad() {
		return nil, ErrUnsupportedSource
	}
	return &SourceDriver{source: source}, nil
}

// FetchRows drains the stream for a simple-key unit, producing a
// schema-width result (one Column per attribute) plus a key->row index.
func (d *SourceDriver) FetchRows(ctx context.Context, schema *Schema, unit *UpdateUnit) ([]Column, map[internalKey]int, error) {
	ids := make([]uint64, len(unit.Keys))
	for i, k := range unit.Keys {
		ids[i] = uint64(k.(SimpleKey))
	}

	d.mu.Lock()
	stream, err := d.source.LoadIDs(ctx, ids)
	d.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return d.drain(ctx, schema, stream, 1, nil)
}

// FetchRowsComplex is the complex-key analogue of FetchRows. The returned
// rows' key columns are re-materialized into ComplexKey values purely to
// compute the index's internalKey; unit.Arena backs that materialization so
// the per-row byte copies share the unit's scoped allocator instead of each
// going through the general heap.
func (d *SourceDriver) FetchRowsComplex(ctx context.Context, schema *Schema, unit *UpdateUnit) ([]Column, map[internalKey]int, error) {
	d.mu.Lock()
	stream, err := d.source.LoadKeys(ctx, unit.ComplexKeyColumns, unit.ComplexKeyRows)
	d.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return d.drain(ctx, schema, stream, len(schema.ComplexKeyColumns), unit.Arena)
}

// drain reads every block from stream, splitting off the leading keyWidth
// key columns and accumulating attribute values keyed by internalKey. arena
// is nil for the simple-key path, which never constructs a ComplexValue.
func (d *SourceDriver) drain(ctx context.Context, schema *Schema, stream BlockStream, keyWidth int, arena *Arena) ([]Column, map[internalKey]int, error) {
	defer stream.Close()

	width := len(schema.Attributes)
	out := make([]Column, width)
	index := make(map[internalKey]int)

	for {
		block, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		if len(block.Columns) < keyWidth+width {
			continue // malformed/empty block, tolerated as a no-op
		}
		keyCols := block.Columns[:keyWidth]
		attrCols := block.Columns[keyWidth : keyWidth+width]

		rows := 0
		if keyWidth > 0 {
			rows = len(keyCols[0])
		}
		for r := 0; r < rows; r++ {
			var ik internalKey
			if keyWidth == 1 && schema.KeyShape == KeyShapeSimple {
				ik = simpleInternalKey(SimpleKey(keyCols[0][r].(uint64)))
			} else {
				cols := make([]ComplexValue, keyWidth)
				for c := 0; c < keyWidth; c++ {
					raw := toBytes(keyCols[c][r])
					if arena != nil {
						raw = arena.Alloc(raw)
					}
					cols[c] = ComplexValue{Bytes: raw}
				}
				ik = complexInternalKey(ComplexKey{Columns: cols})
			}

			row := len(out[0])
			for a := 0; a < width; a++ {
				out[a] = append(out[a], attrCols[a][r])
			}
			index[ik] = row
		}
	}
	return out, index, nil
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return []byte(nil)
	}
}
