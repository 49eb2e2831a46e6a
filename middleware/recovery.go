package middleware

import (
	"context"
	"fmt"
)

// Recover returns a Middleware that recovers from a panic inside the
// wrapped handler and converts it into a returned error instead of
// crashing the worker goroutine running it.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("dictcache: recovered panic: %v", r)
				}
			}()
			return next(ctx)
		}
	}
}
