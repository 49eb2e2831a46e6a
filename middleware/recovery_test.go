package middleware

import (
	"context"
	"strings"
	"testing"
)

func TestRecover_Panic_ReturnsError(t *testing.T) {
	h := Wrap(func(ctx context.Context) error { panic("boom") }, Recover())

	err := h(t.Context())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to mention panic value, got %v", err)
	}
}

func TestRecover_NoPanic_Passthrough(t *testing.T) {
	called := false
	h := Wrap(func(ctx context.Context) error { called = true; return nil }, Recover())

	if err := h(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
}

func TestRecover_NonStringPanic_ReturnsError(t *testing.T) {
	h := Wrap(func(ctx context.Context) error { panic(42) }, Recover())

	err := h(t.Context())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "42") {
		t.Fatalf("expected error to mention panic value, got %v", err)
	}
}
