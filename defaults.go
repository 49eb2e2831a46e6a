package dictcache

import "time"

// DefaultOptions returns a reasonable starting set of options for
// production use: a 30s-60s lifetime window and query-side rate
// limiting disabled. SizeInCells still has no sane default and must be
// supplied separately via WithSizeInCells.
func DefaultOptions() []Option {
	return []Option{
		WithLifetime(30*time.Second, 60*time.Second),
	}
}
