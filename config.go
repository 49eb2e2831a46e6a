package dictcache

import (
	"time"

	"github.com/oakledger/dictcache/breaker"
	"github.com/oakledger/dictcache/metrics"
	"github.com/oakledger/dictcache/middleware"
	"github.com/oakledger/dictcache/ratelimit"
	"github.com/oakledger/dictcache/tracing"
)

// Config holds every recognized construction-time option from spec.md §6.
// It is assembled via functional Options and validated once in New, the
// same fail-fast-at-construction discipline the teacher's config.go/
// options.go/defaults.go apply to its grpc server config.
type Config struct {
	// SizeInCells is the Slot Storage capacity. Required, must be > 0.
	SizeInCells int64

	// StrictMaxLifetime is the upper bound past which an expired slot is
	// treated as absent. Defaults to LifetimeMax.
	StrictMaxLifetime time.Duration

	// LifetimeMin/LifetimeMax bound the deadline drawn uniformly at
	// insert time.
	LifetimeMin time.Duration
	LifetimeMax time.Duration

	// JitterFraction is the fraction of LifetimeMax used for per-slot
	// fresh/expired-boundary jitter.
	JitterFraction float64

	AllowReadExpiredKeys bool

	MaxUpdateQueueSize     int
	MaxThreadsForUpdates   int
	UpdateQueuePushTimeout time.Duration
	QueryWaitTimeout       time.Duration

	Backoff BackoffConfig

	// RequireNonempty and Range{Min,Max} are accepted only so construction
	// can reject them the way the original rejects them for cache-layout
	// dictionaries (spec.md §6); this implementation never honors them.
	RequireNonempty bool
	RangeMin, RangeMax *time.Time

	// Middlewares wrap every GetColumns/HasKeys call and every worker
	// update, outermost first.
	Middlewares []middleware.Middleware

	// Tracing, if set, wraps queries and updates in OpenTelemetry spans.
	Tracing *tracing.Config

	// QueryRateLimit, if set, gates GetColumns/HasKeys with a token-bucket
	// limiter; a request that exceeds it fails with ErrRateLimited.
	QueryRateLimit *ratelimit.Limiter

	// SourceBreaker, if set, configures a circuit breaker guarding
	// SourceDriver calls; a tripped breaker fails a worker update with
	// ErrBreakerOpen without contacting the source.
	SourceBreaker *breaker.Config

	// Metrics, if set, records Prometheus counters/histograms named after
	// the original's ProfileEvents (DictCacheKeysRequested and friends) for
	// every query and worker update.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the spec.md §6 defaults for everything except
// SizeInCells and the lifetime bounds, which have no sensible default and
// must be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		JitterFraction:         0.1,
		MaxUpdateQueueSize:     100000,
		MaxThreadsForUpdates:   4,
		UpdateQueuePushTimeout: 10 * time.Millisecond,
		QueryWaitTimeout:       60 * time.Second,
		Backoff:                DefaultBackoffConfig(),
	}
}

// Validate enforces every construction-time constraint in spec.md §6.
func (c Config) Validate() error {
	if c.SizeInCells <= 0 {
		return &configError{msg: "size_in_cells must be > 0"}
	}
	if c.LifetimeMin < 0 || c.LifetimeMax < c.LifetimeMin {
		return &configError{msg: "lifetime.min_sec/max_sec must satisfy 0 <= min <= max"}
	}
	if c.RequireNonempty {
		return &configError{msg: "require_nonempty is not supported for cache layouts"}
	}
	if c.RangeMin != nil || c.RangeMax != nil {
		return &configError{msg: "range_min/range_max are not supported for cache layouts"}
	}
	qcfg := QueueConfig{
		MaxSize:     c.MaxUpdateQueueSize,
		Workers:     c.MaxThreadsForUpdates,
		PushTimeout: c.UpdateQueuePushTimeout,
		WaitTimeout: c.QueryWaitTimeout,
	}
	return qcfg.Validate()
}

func (c Config) strictMaxLifetime() time.Duration {
	if c.StrictMaxLifetime > 0 {
		return c.StrictMaxLifetime
	}
	return c.LifetimeMax
}

func (c Config) lifetime() Lifetime {
	return Lifetime{
		Min:               c.LifetimeMin,
		Max:               c.LifetimeMax,
		StrictMaxLifetime: c.strictMaxLifetime(),
		JitterFraction:    c.JitterFraction,
	}
}
