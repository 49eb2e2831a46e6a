// Package cache provides a pluggable byte-blob caching interface, with an
// in-process L1 implementation backed by ristretto and an optional Redis
// L2. It sits in front of sources/httpsource, caching raw upstream
// responses independently of the core Slot Storage's key/attribute cache.
package cache

import (
	"context"
	"time"
)

// Cache is the caching contract an httpsource client uses to avoid
// re-fetching the same upstream response within its TTL.
type Cache interface {
	// Get retrieves a value by key. The boolean indicates a cache hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value under key with the given TTL. A zero TTL means the
	// entry has no automatic expiration.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// GetOrSet returns the cached value for key. On a cache miss it calls
	// loader exactly once, stores the result, and returns it.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error)
}
