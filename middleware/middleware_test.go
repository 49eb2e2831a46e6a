package middleware

import (
	"context"
	"errors"
	"testing"
)

func TestChain_OrdersLeftToRight(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context) error {
				order = append(order, name)
				return next(ctx)
			}
		}
	}

	h := Wrap(func(ctx context.Context) error { return nil }, mark("A"), mark("B"))
	if err := h(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("expected [A B], got %v", order)
	}
}

func TestWrap_NoMiddleware_Passthrough(t *testing.T) {
	called := false
	h := Wrap(func(ctx context.Context) error { called = true; return nil })
	if err := h(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
}

func TestWrap_PropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	h := Wrap(func(ctx context.Context) error { return wantErr })
	if err := h(t.Context()); !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}
