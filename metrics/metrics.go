// Package metrics provides Prometheus instrumentation for a dictcache
// Cache, naming each counter after the original ClickHouse
// CacheDictionary's ProfileEvents counterparts
// (DictCacheKeysRequested, DictCacheKeysRequestedMiss,
// DictCacheKeysRequestedFound, DictCacheKeysExpired,
// DictCacheKeysNotFound, DictCacheKeysHit, DictCacheRequests,
// DictCacheLockReadNs/DictCacheLockWriteNs) rather than inventing new
// metric names.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dictcache"

// Metrics holds every Prometheus collector a Cache reports through. Build
// one with New and pass it to dictcache.WithMetrics.
type Metrics struct {
	reg *prometheus.Registry

	KeysRequested      prometheus.Counter
	KeysRequestedMiss  prometheus.Counter
	KeysRequestedFound prometheus.Counter
	KeysExpired        prometheus.Counter
	KeysNotFound       prometheus.Counter
	KeysHit            prometheus.Counter
	Requests           prometheus.Counter

	LockReadSeconds  prometheus.Histogram
	LockWriteSeconds prometheus.Histogram

	UpdateQueueFull   prometheus.Counter
	UpdateFailures    prometheus.Counter
	BackoffSuppressed prometheus.Counter
}

// New creates and registers a Metrics set against a fresh
// *prometheus.Registry (rather than the global default), so repeated
// construction in tests never panics on duplicate registration. Serve it
// over HTTP with Handler.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		KeysRequested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_requested_total",
			Help:      "Total keys submitted to the update queue for a source fetch.",
		}),
		KeysRequestedMiss: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_requested_miss_total",
			Help:      "Requested keys the source did not return a row for.",
		}),
		KeysRequestedFound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_requested_found_total",
			Help:      "Requested keys the source returned a row for.",
		}),
		KeysExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_expired_total",
			Help:      "Keys classified expired at lookup time.",
		}),
		KeysNotFound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_not_found_total",
			Help:      "Keys classified absent at lookup time.",
		}),
		KeysHit: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_hit_total",
			Help:      "Keys classified fresh at lookup time.",
		}),
		Requests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total GetColumns/HasKeys query calls.",
		}),
		LockReadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_read_seconds",
			Help:      "Time spent in Slot Storage Lookup calls, which hold the storage lock in write mode.",
			Buckets:   prometheus.DefBuckets,
		}),
		LockWriteSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_write_seconds",
			Help:      "Time spent holding the Slot Storage lock in write mode.",
			Buckets:   prometheus.DefBuckets,
		}),
		UpdateQueueFull: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_queue_full_total",
			Help:      "TryPush calls that failed with queue-full.",
		}),
		UpdateFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_failures_total",
			Help:      "Worker update units that reached done(err).",
		}),
		BackoffSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoff_suppressed_total",
			Help:      "Worker update units skipped because of an active backoff window.",
		}),
	}
}

// ObserveLookup records one Lookup call's lock hold time and the resulting
// found/expired/not-found counts.
func (m *Metrics) ObserveLookup(lockHeld time.Duration, found, expired, notFound int) {
	if m == nil {
		return
	}
	m.LockReadSeconds.Observe(lockHeld.Seconds())
	m.KeysHit.Add(float64(found))
	m.KeysExpired.Add(float64(expired))
	m.KeysNotFound.Add(float64(notFound))
}

// ObserveInsert records one Insert call's lock hold time.
func (m *Metrics) ObserveInsert(lockHeld time.Duration) {
	if m == nil {
		return
	}
	m.LockWriteSeconds.Observe(lockHeld.Seconds())
}

// ObserveQuery increments the request counter. Called once per
// GetColumns/HasKeys invocation.
func (m *Metrics) ObserveQuery() {
	if m == nil {
		return
	}
	m.Requests.Inc()
}

// ObserveUpdateRequested records the size of an update unit submitted to the
// queue.
func (m *Metrics) ObserveUpdateRequested(keyCount int) {
	if m == nil {
		return
	}
	m.KeysRequested.Add(float64(keyCount))
}

// ObserveUpdateResult records how many of an update unit's keys the source
// returned a row for.
func (m *Metrics) ObserveUpdateResult(requested, found int) {
	if m == nil {
		return
	}
	m.KeysRequestedFound.Add(float64(found))
	m.KeysRequestedMiss.Add(float64(requested - found))
}

// ObserveQueueFull increments the queue-full counter.
func (m *Metrics) ObserveQueueFull() {
	if m == nil {
		return
	}
	m.UpdateQueueFull.Inc()
}

// ObserveUpdateFailure increments the update-failure counter.
func (m *Metrics) ObserveUpdateFailure() {
	if m == nil {
		return
	}
	m.UpdateFailures.Inc()
}

// ObserveBackoffSuppressed increments the backoff-suppression counter.
func (m *Metrics) ObserveBackoffSuppressed() {
	if m == nil {
		return
	}
	m.BackoffSuppressed.Inc()
}

// Handler returns an http.Handler serving this Metrics set's registry,
// matching the teacher's Server.MetricsHandler() shape.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
