package dictcache

import "fmt"

// ScalarType is the underlying type of an attribute's value.
type ScalarType int

const (
	ScalarUInt64 ScalarType = iota
	ScalarInt64
	ScalarFloat64
	ScalarString
	ScalarBytes
)

// Attribute is a single schema-declared column: name, underlying scalar
// type, a null/default sentinel value, and whether it is the (at most one)
// hierarchical-parent attribute.
type Attribute struct {
	Name          string
	Type          ScalarType
	NullValue     any
	Hierarchical  bool
}

// KeyShape fixes whether a Schema addresses rows by SimpleKey or ComplexKey.
type KeyShape int

const (
	KeyShapeSimple KeyShape = iota
	KeyShapeComplex
)

// Schema is the full, immutable attribute layout for a cache instance, plus
// the key shape it was constructed for.
type Schema struct {
	KeyShape   KeyShape
	Attributes []Attribute

	// ComplexKeyColumns names the columns composing a ComplexKey, in
	// schema order. Empty when KeyShape is KeyShapeSimple.
	ComplexKeyColumns []string

	byName map[string]int
	hIdx   int // index of the hierarchical attribute, or -1
}

// NewSchema validates and builds a Schema. It fails if more than one
// attribute is marked hierarchical, or if a hierarchical attribute is not
// ScalarUInt64.
func NewSchema(shape KeyShape, attrs []Attribute, complexKeyColumns []string) (*Schema, error) {
	s := &Schema{
		KeyShape:          shape,
		Attributes:        attrs,
		ComplexKeyColumns: complexKeyColumns,
		byName:            make(map[string]int, len(attrs)),
		hIdx:              -1,
	}
	for i, a := range attrs {
		if _, dup := s.byName[a.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate attribute %q", ErrBadConfiguration, a.Name)
		}
		s.byName[a.Name] = i
		if a.Hierarchical {
			if s.hIdx != -1 {
				return nil, fmt.Errorf("%w: more than one hierarchical attribute", ErrBadConfiguration)
			}
			if a.Type != ScalarUInt64 {
				return nil, fmt.Errorf("%w: attribute %q", ErrTypeMismatch, a.Name)
			}
			s.hIdx = i
		}
	}
	if shape == KeyShapeSimple && len(complexKeyColumns) > 0 {
		return nil, fmt.Errorf("%w: simple key layout rejects composite-key schema", ErrBadConfiguration)
	}
	if shape == KeyShapeComplex && len(complexKeyColumns) == 0 {
		return nil, fmt.Errorf("%w: complex key layout rejects single-id schema", ErrBadConfiguration)
	}
	return s, nil
}

// IndexOf returns the attribute's position, or -1 if unknown.
func (s *Schema) IndexOf(name string) int {
	if i, ok := s.byName[name]; ok {
		return i
	}
	return -1
}

// HierarchicalIndex returns the index of the hierarchical attribute, or -1
// if the schema declares none.
func (s *Schema) HierarchicalIndex() int { return s.hIdx }

// HierarchicalAttributeName returns the hierarchical attribute's name, or
// "" if the schema declares none.
func (s *Schema) HierarchicalAttributeName() string {
	if s.hIdx < 0 {
		return ""
	}
	return s.Attributes[s.hIdx].Name
}

// selectComplexRows transposes a list of ComplexKey values into the
// columns/rowSelector shape Source.LoadKeys expects. The selector is the
// identity permutation since these columns are built fresh for this call
// rather than sliced out of some larger pre-existing block.
func (s *Schema) selectComplexRows(keys []any) (columns []Column, rowSelector []int) {
	width := len(s.ComplexKeyColumns)
	columns = make([]Column, width)
	for c := range columns {
		columns[c] = make(Column, len(keys))
	}
	rowSelector = make([]int, len(keys))
	for r, k := range keys {
		ck := k.(ComplexKey)
		for c := 0; c < width && c < len(ck.Columns); c++ {
			columns[c][r] = ck.Columns[c].Bytes
		}
		rowSelector[r] = r
	}
	return columns, rowSelector
}
