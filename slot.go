package dictcache

import (
	"math/rand"
	"time"
)

// Classification is the three-way verdict a Slot receives at lookup time.
type Classification int

const (
	ClassAbsent Classification = iota
	ClassFresh
	ClassExpired
)

// Slot is a storage cell: the original key, one value per schema attribute,
// and an absolute deadline. Attribute columns are always either all
// populated or all absent (invariant 1 in spec.md §3).
type Slot struct {
	key      internalKey
	original any // SimpleKey or ComplexKey
	values   []any
	deadline time.Time
	// jitter is drawn fresh at every (re)write and subtracted from
	// deadline to find the fresh/expired boundary, so slots written at
	// the same instant don't all flip to expired at the same instant.
	jitter time.Duration
}

// Lifetime configures the deadline range and jitter fraction used when a
// Slot is (re)written, and the strict upper bound past which an expired
// slot is treated as absent.
type Lifetime struct {
	Min, Max          time.Duration
	StrictMaxLifetime time.Duration
	// JitterFraction is the fraction of Max used as the jitter
	// window subtracted from the fresh/expired boundary, desynchronizing
	// expiry storms across slots written at the same time.
	JitterFraction float64
}

// deadlineFor draws a deadline uniformly from [Min, Max] relative to now.
func (l Lifetime) deadlineFor(now time.Time) time.Time {
	span := l.Max - l.Min
	d := l.Min
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	return now.Add(d)
}

// jitter returns a random duration in [0, JitterFraction*Max].
func (l Lifetime) jitter() time.Duration {
	if l.JitterFraction <= 0 || l.Max <= 0 {
		return 0
	}
	window := time.Duration(float64(l.Max) * l.JitterFraction)
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window) + 1))
}

// classify derives a Slot's Classification at reference time t, per
// spec.md §3: fresh if t < deadline-jitter; expired if deadline-jitter <= t
// < deadline+strictMaxLifetime; absent otherwise.
func classify(s *Slot, t time.Time, strictMaxLifetime time.Duration) Classification {
	freshBoundary := s.deadline.Add(-s.jitter)
	absentBoundary := s.deadline.Add(strictMaxLifetime)
	switch {
	case t.Before(freshBoundary):
		return ClassFresh
	case t.Before(absentBoundary):
		return ClassExpired
	default:
		return ClassAbsent
	}
}
