package dictcache

import (
	"errors"
	"testing"
)

func TestNewSchema_SimpleLayout(t *testing.T) {
	s, err := NewSchema(KeyShapeSimple, []Attribute{
		{Name: "a", Type: ScalarUInt64, NullValue: uint64(0)},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.IndexOf("a") != 0 {
		t.Fatalf("IndexOf(a) = %d, want 0", s.IndexOf("a"))
	}
	if s.IndexOf("missing") != -1 {
		t.Fatal("IndexOf should return -1 for unknown attribute")
	}
	if s.HierarchicalIndex() != -1 {
		t.Fatal("expected no hierarchical attribute")
	}
}

func TestNewSchema_DuplicateAttribute(t *testing.T) {
	_, err := NewSchema(KeyShapeSimple, []Attribute{
		{Name: "a", Type: ScalarUInt64},
		{Name: "a", Type: ScalarString},
	}, nil)
	if !errors.Is(err, ErrBadConfiguration) {
		t.Fatalf("got %v, want ErrBadConfiguration", err)
	}
}

func TestNewSchema_MultipleHierarchicalRejected(t *testing.T) {
	_, err := NewSchema(KeyShapeSimple, []Attribute{
		{Name: "p1", Type: ScalarUInt64, Hierarchical: true},
		{Name: "p2", Type: ScalarUInt64, Hierarchical: true},
	}, nil)
	if !errors.Is(err, ErrBadConfiguration) {
		t.Fatalf("got %v, want ErrBadConfiguration", err)
	}
}

func TestNewSchema_HierarchicalMustBeUint64(t *testing.T) {
	_, err := NewSchema(KeyShapeSimple, []Attribute{
		{Name: "p", Type: ScalarString, Hierarchical: true},
	}, nil)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("got %v, want ErrTypeMismatch", err)
	}
}

func TestNewSchema_SimpleRejectsCompositeKeyColumns(t *testing.T) {
	_, err := NewSchema(KeyShapeSimple, []Attribute{{Name: "a", Type: ScalarUInt64}}, []string{"c1"})
	if !errors.Is(err, ErrBadConfiguration) {
		t.Fatalf("got %v, want ErrBadConfiguration", err)
	}
}

func TestNewSchema_ComplexRejectsSingleIDLayout(t *testing.T) {
	_, err := NewSchema(KeyShapeComplex, []Attribute{{Name: "a", Type: ScalarUInt64}}, nil)
	if !errors.Is(err, ErrBadConfiguration) {
		t.Fatalf("got %v, want ErrBadConfiguration", err)
	}
}
