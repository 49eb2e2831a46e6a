package dictcache

// Column is one attribute's worth of per-row values, in row order. Unrequested
// attributes still get an (empty) Column at their schema index so positional
// indexing stays stable across the full attribute width.
type Column []any

// FetchRequest is an immutable projection descriptor built from a Schema
// and a caller-requested subset of attribute names. It precomputes the
// requested-mask and the order the caller asked for, so the hot path never
// re-parses attribute names per query.
type FetchRequest struct {
	schema    *Schema
	requested []bool // indexed by schema attribute position
	order     []int  // schema indexes, in the caller's requested order
}

// NewFetchRequest builds a FetchRequest for the given attribute names. An
// empty names list (used by HasKeys) requests nothing but still lets the
// pipeline classify keys.
func NewFetchRequest(schema *Schema, names []string) (*FetchRequest, error) {
	fr := &FetchRequest{
		schema:    schema,
		requested: make([]bool, len(schema.Attributes)),
		order:     make([]int, 0, len(names)),
	}
	for _, n := range names {
		idx := schema.IndexOf(n)
		if idx < 0 {
			return nil, &unknownAttributeError{name: n}
		}
		fr.requested[idx] = true
		fr.order = append(fr.order, idx)
	}
	return fr, nil
}

type unknownAttributeError struct{ name string }

func (e *unknownAttributeError) Error() string {
	return "dictcache: unknown attribute " + e.name
}

// AttributeCount returns the full schema width.
func (fr *FetchRequest) AttributeCount() int { return len(fr.requested) }

// IsRequested reports whether attribute i was requested.
func (fr *FetchRequest) IsRequested(i int) bool { return fr.requested[i] }

// MakeEmptyColumns returns one empty Column per schema attribute,
// full-width, with unrequested positions left as nil placeholders.
func (fr *FetchRequest) MakeEmptyColumns() []Column {
	cols := make([]Column, len(fr.requested))
	for i, want := range fr.requested {
		if want {
			cols[i] = Column{}
		}
	}
	return cols
}
