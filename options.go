package dictcache

import (
	"time"

	"github.com/oakledger/dictcache/breaker"
	"github.com/oakledger/dictcache/metrics"
	"github.com/oakledger/dictcache/middleware"
	"github.com/oakledger/dictcache/ratelimit"
	"github.com/oakledger/dictcache/tracing"
)

// Option configures a Cache at construction time.
type Option func(*Config)

// WithSizeInCells sets the Slot Storage capacity. Required: Cache
// construction fails if it is never set.
func WithSizeInCells(n int64) Option {
	return func(c *Config) { c.SizeInCells = n }
}

// WithLifetime sets the [min, max] range a Slot's deadline is drawn from at
// (re)write time.
func WithLifetime(min, max time.Duration) Option {
	return func(c *Config) {
		c.LifetimeMin = min
		c.LifetimeMax = max
	}
}

// WithStrictMaxLifetime overrides the upper bound past which an expired
// slot becomes absent. Defaults to the lifetime max.
func WithStrictMaxLifetime(d time.Duration) Option {
	return func(c *Config) { c.StrictMaxLifetime = d }
}

// WithJitterFraction overrides the fraction of the lifetime max used for
// per-slot expiry jitter.
func WithJitterFraction(f float64) Option {
	return func(c *Config) { c.JitterFraction = f }
}

// WithAllowReadExpiredKeys enables serving a stale expired value alongside
// a background refresh instead of blocking the caller on it.
func WithAllowReadExpiredKeys(allow bool) Option {
	return func(c *Config) { c.AllowReadExpiredKeys = allow }
}

// WithUpdateQueue overrides the update queue's bound, worker count, and
// push timeout.
func WithUpdateQueue(maxSize, workers int, pushTimeout time.Duration) Option {
	return func(c *Config) {
		c.MaxUpdateQueueSize = maxSize
		c.MaxThreadsForUpdates = workers
		c.UpdateQueuePushTimeout = pushTimeout
	}
}

// WithQueryWaitTimeout overrides how long a synchronous query blocks on an
// UpdateUnit before returning ErrWaitTimeout.
func WithQueryWaitTimeout(d time.Duration) Option {
	return func(c *Config) { c.QueryWaitTimeout = d }
}

// WithBackoff overrides the Backoff Controller's delay formula.
func WithBackoff(cfg BackoffConfig) Option {
	return func(c *Config) { c.Backoff = cfg }
}

// WithRequireNonempty is accepted only so construction can reject it; the
// original rejects require_nonempty for cache-layout dictionaries and this
// implementation does the same.
func WithRequireNonempty() Option {
	return func(c *Config) { c.RequireNonempty = true }
}

// WithRange is accepted only so construction can reject it, for the same
// reason as WithRequireNonempty.
func WithRange(min, max time.Time) Option {
	return func(c *Config) {
		c.RangeMin = &min
		c.RangeMax = &max
	}
}

// WithMiddleware appends mw to the chain wrapping every query and worker
// update, outermost first.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(c *Config) { c.Middlewares = append(c.Middlewares, mw...) }
}

// WithTracing wraps queries and updates in OpenTelemetry spans per cfg.
func WithTracing(cfg tracing.Config) Option {
	return func(c *Config) { c.Tracing = &cfg }
}

// WithQueryRateLimit gates GetColumns/HasKeys with a token-bucket limiter
// permitting rps requests per second with the given burst size.
func WithQueryRateLimit(rps float64, burst int) Option {
	return func(c *Config) { c.QueryRateLimit = ratelimit.NewLimiter(rps, burst) }
}

// WithSourceBreaker configures a circuit breaker guarding SourceDriver
// calls made by workers.
func WithSourceBreaker(cfg breaker.Config) Option {
	return func(c *Config) { c.SourceBreaker = &cfg }
}

// WithMetrics wires m into every query and worker update, recording
// Prometheus counters/histograms under m's registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}
