package dictcache

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/atomic"
)

// BackoffConfig controls how the suppression window grows after consecutive
// source failures. The delay formula is the teacher's retry/backoff.go
// exponential-with-jitter computation, reused here for the Backoff
// Controller's across-call suppression window rather than a single call's
// inter-attempt delay.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the computed delay, e.g. 0.2 = ±20%
}

// DefaultBackoffConfig mirrors common production defaults: 1s base doubling
// up to 5 minutes, ±20% jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

func (c BackoffConfig) delay(errorCount int64) time.Duration {
	d := float64(c.Base) * math.Pow(2, float64(errorCount-1))
	if max := float64(c.Max); d > max {
		d = max
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// BackoffController tracks consecutive source failures and the deadline
// before which new source calls are skipped (spec.md §4.G). error_count and
// backoff_end_time use go.uber.org/atomic rather than sync/atomic because
// the standard library has no typed atomic time.Time, mirroring the
// original's std::atomic<time_point> more directly.
type BackoffController struct {
	cfg BackoffConfig

	errorCount atomic.Int64
	lastErr    atomic.Error
	backoffEnd atomic.Time
}

// NewBackoffController creates a controller with no recorded failures.
func NewBackoffController(cfg BackoffConfig) *BackoffController {
	return &BackoffController{cfg: cfg}
}

// Suppressed reports whether now is still inside the backoff window, and if
// so the deadline it ends at.
func (b *BackoffController) Suppressed(now time.Time) (bool, time.Time) {
	end := b.backoffEnd.Load()
	return now.Before(end), end
}

// OnSuccess resets all failure bookkeeping.
func (b *BackoffController) OnSuccess() {
	b.errorCount.Store(0)
	b.lastErr.Store(nil)
	b.backoffEnd.Store(time.Time{})
}

// OnFailure increments the error count, records err, and recomputes the
// backoff deadline. It returns the new deadline.
func (b *BackoffController) OnFailure(now time.Time, err error) time.Time {
	count := b.errorCount.Add(1)
	b.lastErr.Store(err)
	end := now.Add(b.cfg.delay(count))
	b.backoffEnd.Store(end)
	return end
}

// ErrorCount returns the current consecutive-failure count.
func (b *BackoffController) ErrorCount() int64 { return b.errorCount.Load() }

// LastError returns the most recently recorded source error, or nil.
func (b *BackoffController) LastError() error { return b.lastErr.Load() }
