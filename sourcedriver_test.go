package dictcache

import (
	"context"
	"strings"
	"testing"
)

// fakeComplexSource is a test double for a complex-keyed Source: keys are
// joined with "|" for lookup.
type fakeComplexSource struct {
	rows map[string][]any
}

func (s *fakeComplexSource) SupportsSelectiveLoad() bool { return true }

func (s *fakeComplexSource) LoadIDs(ctx context.Context, ids []uint64) (BlockStream, error) {
	return nil, errUnimplementedComplex
}

func (s *fakeComplexSource) LoadKeys(ctx context.Context, columns []Column, rowSelector []int) (BlockStream, error) {
	width := len(columns)
	keyCols := make([]Column, width)
	var attrCols []Column

	for _, r := range rowSelector {
		parts := make([]string, width)
		for c := 0; c < width; c++ {
			b, _ := columns[c][r].([]byte)
			parts[c] = string(b)
		}
		row, ok := s.rows[strings.Join(parts, "|")]
		if !ok {
			continue
		}
		for c := 0; c < width; c++ {
			keyCols[c] = append(keyCols[c], columns[c][r])
		}
		if attrCols == nil {
			attrCols = make([]Column, len(row))
		}
		for a, v := range row {
			attrCols[a] = append(attrCols[a], v)
		}
	}
	block := Block{Columns: append(append([]Column{}, keyCols...), attrCols...)}
	return &fakeStream{block: block}, nil
}

// TestFetchRowsComplex_UsesUnitArena confirms complex-key byte
// materialization in drain goes through the unit's Arena rather than
// bypassing it with one-off heap allocations.
func TestFetchRowsComplex_UsesUnitArena(t *testing.T) {
	schema, err := NewSchema(KeyShapeComplex, []Attribute{
		{Name: "v", Type: ScalarInt64, NullValue: int64(-1)},
	}, []string{"k1", "k2"})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	src := &fakeComplexSource{rows: map[string][]any{
		"a|b": {int64(42)},
	}}
	driver, err := NewSourceDriver(src)
	if err != nil {
		t.Fatalf("NewSourceDriver: %v", err)
	}

	req, err := NewFetchRequest(schema, []string{"v"})
	if err != nil {
		t.Fatalf("NewFetchRequest: %v", err)
	}

	key := ComplexKey{Columns: []ComplexValue{{Bytes: []byte("a")}, {Bytes: []byte("b")}}}
	unit := NewUpdateUnit([]any{key}, []int{0}, req)
	unit.ComplexKeyColumns, unit.ComplexKeyRows = schema.selectComplexRows(unit.Keys)

	_, index, err := driver.FetchRowsComplex(t.Context(), schema, unit)
	if err != nil {
		t.Fatalf("FetchRowsComplex: %v", err)
	}
	if len(index) != 1 {
		t.Fatalf("expected 1 indexed row, got %d", len(index))
	}
	if len(unit.Arena.bufs) == 0 {
		t.Fatal("expected complex-key bytes to be copied through the unit's arena")
	}

	unit.Arena.Release()
	if unit.Arena.bufs != nil {
		t.Fatal("Release did not clear the arena after use")
	}
}
