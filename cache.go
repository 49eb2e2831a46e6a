package dictcache

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oakledger/dictcache/breaker"
	"github.com/oakledger/dictcache/metrics"
	"github.com/oakledger/dictcache/middleware"
	"github.com/oakledger/dictcache/tracing"
)

// Cache is the top-level read-through dictionary cache: Schema fixes the
// shape, Storage holds what's cached, SourceDriver reaches the external
// record source, UpdateQueue coordinates concurrent refreshes, and
// BackoffController suppresses source calls after repeated failures.
type Cache struct {
	schema  *Schema
	storage Storage
	driver  *SourceDriver
	queue   *UpdateQueue
	backoff *BackoffController
	cfg     Config

	mw       middleware.Middleware
	tracing  *tracing.Config
	srcBreak *breaker.Breaker
	metrics  *metrics.Metrics

	// queryCount/hitCount back Stats().Queries/.Hits, restoring the
	// original's query_count/hit_count ProfileEvents-style counters
	// (spec.md is silent on them; see SPEC_FULL.md §4).
	queryCount atomic.Int64
	hitCount   atomic.Int64
}

// New builds a Cache for schema backed by source, applying opts over
// DefaultConfig. Construction fails if source does not support selective
// load or if the resulting Config does not validate.
func New(schema *Schema, source Source, opts ...Option) (*Cache, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storage, err := NewStorage(schema, cfg.SizeInCells, cfg.lifetime(), cfg.strictMaxLifetime())
	if err != nil {
		return nil, err
	}
	driver, err := NewSourceDriver(source)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		schema:  schema,
		storage: storage,
		driver:  driver,
		backoff: NewBackoffController(cfg.Backoff),
		cfg:     cfg,
		mw:      middleware.Chain(cfg.Middlewares...),
		tracing: cfg.Tracing,
		metrics: cfg.Metrics,
	}
	if cfg.SourceBreaker != nil {
		c.srcBreak = breaker.New(*cfg.SourceBreaker)
	}

	queue, err := NewUpdateQueue(QueueConfig{
		MaxSize:     cfg.MaxUpdateQueueSize,
		Workers:     cfg.MaxThreadsForUpdates,
		PushTimeout: cfg.UpdateQueuePushTimeout,
		WaitTimeout: cfg.QueryWaitTimeout,
	}, c.update)
	if err != nil {
		return nil, err
	}
	c.queue = queue
	return c, nil
}

// update is the UpdateQueue's worker callback (spec.md §4.D/§4.G): check
// backoff, fetch from the source, insert into storage, and resolve the
// unit. It returns an error only on failure; workerLoop calls
// unit.finishErr with whatever it returns, so every failure path here
// returns rather than calling finishErr itself.
func (c *Cache) update(ctx context.Context, unit *UpdateUnit) error {
	body := func(ctx context.Context) error {
		return tracing.WrapUpdate(ctx, c.tracing, unit.ID, len(unit.Keys), func(ctx context.Context) error {
			return c.doUpdate(ctx, unit)
		})
	}
	return middleware.Wrap(body, c.mw)(ctx)
}

func (c *Cache) doUpdate(ctx context.Context, unit *UpdateUnit) error {
	// The complex-key byte materialization in SourceDriver.drain (via
	// unit.Arena) is only needed for the duration of this call; nothing
	// downstream retains those buffers, so the arena is released as soon as
	// the worker is done with the unit either way.
	defer unit.Arena.Release()

	now := time.Now()
	c.metrics.ObserveUpdateRequested(len(unit.Keys))
	if suppressed, until := c.backoff.Suppressed(now); suppressed {
		c.metrics.ObserveBackoffSuppressed()
		return &updateFailedError{unitID: unit.ID, cause: &backoffError{until: until}}
	}
	if c.srcBreak != nil && !c.srcBreak.Allow() {
		return ErrBreakerOpen
	}

	var fullColumns []Column
	var index map[internalKey]int
	var err error
	if c.schema.KeyShape == KeyShapeSimple {
		fullColumns, index, err = c.driver.FetchRows(ctx, c.schema, unit)
	} else {
		fullColumns, index, err = c.driver.FetchRowsComplex(ctx, c.schema, unit)
	}
	if err != nil {
		c.backoff.OnFailure(now, err)
		if c.srcBreak != nil {
			c.srcBreak.OnFailure()
		}
		c.metrics.ObserveUpdateFailure()
		return &updateFailedError{unitID: unit.ID, cause: err}
	}
	c.backoff.OnSuccess()
	if c.srcBreak != nil {
		c.srcBreak.OnSuccess()
	}
	c.metrics.ObserveUpdateResult(len(unit.Keys), len(index))

	insertStart := time.Now()
	insertKeys, insertColumns := c.materializeForInsert(unit.Keys, fullColumns, index)
	if len(insertKeys) > 0 {
		if err := c.storage.Insert(insertKeys, insertColumns); err != nil {
			c.metrics.ObserveUpdateFailure()
			return &updateFailedError{unitID: unit.ID, cause: err}
		}
	}
	c.metrics.ObserveInsert(time.Since(insertStart))

	unit.finishOK(fullColumns, index)
	return nil
}

// materializeForInsert reorders the source's sparse, row-order result onto
// keys' positional order, keeping only the keys the source actually
// returned. A key the source did not return is left out of storage
// entirely rather than cached with a null row: Lookup only classifies a
// key fresh/expired from a Slot that exists, so an absent key stays
// classified absent and is retried on the next query instead of silently
// masquerading as a found null forever. GetColumns still resolves such a
// key to the caller-supplied default (or the schema null value) through
// mergeKeyOrder/writeDefaults — it is just never persisted as if it were a
// cache hit.
func (c *Cache) materializeForInsert(keys []any, fullColumns []Column, index map[internalKey]int) ([]any, []Column) {
	width := len(c.schema.Attributes)
	insertKeys := make([]any, 0, len(index))
	out := make([]Column, width)
	for a := range out {
		out[a] = make(Column, 0, len(index))
	}
	for _, key := range keys {
		ik := toInternalKey(key)
		srcRow, ok := index[ik]
		if !ok {
			continue
		}
		insertKeys = append(insertKeys, key)
		for a := 0; a < width; a++ {
			if srcRow < len(fullColumns[a]) {
				out[a] = append(out[a], fullColumns[a][srcRow])
			} else {
				out[a] = append(out[a], c.schema.Attributes[a].NullValue)
			}
		}
	}
	return insertKeys, out
}

// Size returns the number of cached keys.
func (c *Cache) Size() int { return c.storage.Size() }

// Capacity returns the configured slot capacity.
func (c *Cache) Capacity() int { return c.storage.Capacity() }

// Bytes approximates live storage cost; see ristrettoStorage.Bytes.
func (c *Cache) Bytes() int64 { return c.storage.Bytes() }

// LoadFactor returns Size/Capacity, 0 if Capacity is 0.
func (c *Cache) LoadFactor() float64 {
	cap := c.Capacity()
	if cap == 0 {
		return 0
	}
	return float64(c.Size()) / float64(cap)
}

// LastException returns the most recent source error recorded by the
// Backoff Controller, matching the original's last_exception introspection.
func (c *Cache) LastException() error { return c.backoff.LastError() }

// Stats is a point-in-time introspection snapshot.
type Stats struct {
	Size, Capacity int
	Bytes          int64
	ErrorCount     int64
	LastError      error

	// Queries and Hits restore the original's query_count/hit_count
	// ProfileEvents counters (SPEC_FULL.md §4): total GetColumns/HasKeys
	// calls, and how many of those calls were served entirely from
	// storage with no update-unit submission.
	Queries, Hits int64
}

// Stats returns a snapshot of the cache's current introspection counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:       c.Size(),
		Capacity:   c.Capacity(),
		Bytes:      c.Bytes(),
		ErrorCount: c.backoff.ErrorCount(),
		LastError:  c.backoff.LastError(),
		Queries:    c.queryCount.Load(),
		Hits:       c.hitCount.Load(),
	}
}

// MetricsHandler returns an http.Handler serving this Cache's Prometheus
// metrics, or nil if no Metrics was configured via WithMetrics.
func (c *Cache) MetricsHandler() http.Handler {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.Handler()
}

// Close stops accepting new queries' update submissions and waits for
// in-flight updates to finish, matching the teacher's server graceful-stop
// shape applied here to the worker pool instead of a network listener.
func (c *Cache) Close() error {
	return c.queue.StopAndWait()
}

func (c *Cache) String() string {
	return fmt.Sprintf("dictcache.Cache{size=%d/%d, bytes=%s}",
		c.Size(), c.Capacity(), humanize.Bytes(uint64(max(c.Bytes(), 0))))
}
