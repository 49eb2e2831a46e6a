package dictcache

import (
	"context"
	"fmt"
	"time"

	"github.com/oakledger/dictcache/middleware"
	"github.com/oakledger/dictcache/tracing"
)

// GetColumns is the bulk attribute-read entry point (spec.md §4.F): look up
// keys in Slot Storage, submit whatever is absent or expired to the Update
// Queue, and merge found/fetched/default values back in the caller's key
// order. names selects which attributes to return; an empty list is
// rejected as a caller error by NewFetchRequest only if a name is unknown,
// never if the list is empty (see HasKeys, which relies on that). defaults
// supplies one Column per requested attribute, row-aligned with keys, used
// in place of the attribute's schema null value for any key that ends up
// neither found nor fetched; pass nil to fall back to schema null values
// for every attribute.
func (c *Cache) GetColumns(ctx context.Context, keys []any, names []string, defaults []Column) ([]Column, error) {
	if c.cfg.QueryRateLimit != nil && !c.cfg.QueryRateLimit.Allow() {
		return nil, ErrRateLimited
	}
	req, err := NewFetchRequest(c.schema, names)
	if err != nil {
		return nil, err
	}
	if defaults != nil && len(defaults) != len(req.order) {
		return nil, &defaultColumnsMismatchError{want: len(req.order), got: len(defaults)}
	}

	var out []Column
	body := func(ctx context.Context) error {
		return tracing.WrapQuery(ctx, c.tracing, "GetColumns", len(keys), func(ctx context.Context) error {
			var qErr error
			out, qErr = c.query(ctx, keys, req, defaults)
			return qErr
		})
	}
	if err := middleware.Wrap(body, c.mw)(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type defaultColumnsMismatchError struct{ want, got int }

func (e *defaultColumnsMismatchError) Error() string {
	return fmt.Sprintf("dictcache: default_value_columns has %d columns, want %d requested attributes", e.got, e.want)
}

// HasKeys reports, per key and in the caller's order, whether the key is
// currently classified fresh or expired (true) or absent (false), refreshing
// absent-or-expired keys the same way GetColumns does.
func (c *Cache) HasKeys(ctx context.Context, keys []any) ([]bool, error) {
	if c.cfg.QueryRateLimit != nil && !c.cfg.QueryRateLimit.Allow() {
		return nil, ErrRateLimited
	}
	var out []bool
	body := func(ctx context.Context) error {
		return tracing.WrapQuery(ctx, c.tracing, "HasKeys", len(keys), func(ctx context.Context) error {
			var hErr error
			out, hErr = c.hasKeys(ctx, keys)
			return hErr
		})
	}
	if err := middleware.Wrap(body, c.mw)(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Cache) hasKeys(ctx context.Context, keys []any) ([]bool, error) {
	c.queryCount.Add(1)
	c.metrics.ObserveQuery()

	req, err := NewFetchRequest(c.schema, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.storage.Lookup(keys, req)
	if err != nil {
		return nil, err
	}
	if len(res.NotFoundOrExpiredKeys) == 0 {
		c.hitCount.Add(1)
		return presenceFromFound(keys, res), nil
	}

	unit, waitErr := c.submitAndMaybeWait(ctx, res, req)
	if waitErr != nil {
		return nil, waitErr
	}

	out := make([]bool, len(keys))
	for i, key := range keys {
		ik := toInternalKey(key)
		if _, ok := res.FoundIndex[ik]; ok {
			out[i] = true
			continue
		}
		if _, ok := res.ExpiredIndex[ik]; ok {
			out[i] = true
			continue
		}
		if unit != nil {
			if _, idx, err := unit.Result(); err == nil {
				if _, ok := idx[ik]; ok {
					out[i] = true
				}
			}
		}
	}
	return out, nil
}

func presenceFromFound(keys []any, res *FetchResult) []bool {
	out := make([]bool, len(keys))
	for i, key := range keys {
		ik := toInternalKey(key)
		_, found := res.FoundIndex[ik]
		out[i] = found
	}
	return out
}

// query runs one full pipeline pass: lookup, submit, wait-or-don't, merge.
func (c *Cache) query(ctx context.Context, keys []any, req *FetchRequest, defaults []Column) ([]Column, error) {
	c.queryCount.Add(1)
	c.metrics.ObserveQuery()

	lookupStart := time.Now()
	res, err := c.storage.Lookup(keys, req)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveLookup(time.Since(lookupStart), res.FoundCount, res.ExpiredCount, len(keys)-res.FoundCount-res.ExpiredCount)
	if len(res.NotFoundOrExpiredKeys) == 0 {
		c.hitCount.Add(1)
		return c.mergeKeyOrder(keys, req, res, nil, nil, defaults), nil
	}

	unit, waitErr := c.submitAndMaybeWait(ctx, res, req)

	// A non-nil waitErr only comes back from the synchronous path (the
	// async-refresh branch in submitAndMaybeWait returns a nil error along
	// with a nil unit). Expired-in-storage values are only servable stale
	// when no update was attempted (spec.md §4.F step 5); here one was
	// attempted and failed, including the mixed absent-and-expired case, so
	// the failure is always surfaced rather than silently serving stale
	// expired rows for the expired subset.
	if waitErr != nil {
		return nil, waitErr
	}

	var fetchedCols []Column
	var fetchedIdx map[internalKey]int
	if unit != nil {
		fetchedCols, fetchedIdx, _ = unit.Result()
	}
	return c.mergeKeyOrder(keys, req, res, fetchedCols, fetchedIdx, defaults), nil
}

// submitAndMaybeWait pushes an UpdateUnit for the not-found-or-expired keys
// and, unless async refresh is in play, blocks on it. It returns the unit
// (possibly nil if the push itself failed) and any error from the push or
// the wait.
func (c *Cache) submitAndMaybeWait(ctx context.Context, res *FetchResult, req *FetchRequest) (*UpdateUnit, error) {
	unit := NewUpdateUnit(res.NotFoundOrExpiredKeys, res.NotFoundOrExpiredIndexes, req)
	if c.schema.KeyShape == KeyShapeComplex {
		unit.ComplexKeyColumns, unit.ComplexKeyRows = c.schema.selectComplexRows(res.NotFoundOrExpiredKeys)
	}

	if err := c.queue.TryPush(unit); err != nil {
		if err == ErrQueueFull {
			c.metrics.ObserveQueueFull()
		}
		return nil, err
	}

	// Async refresh: caller already has an expired value to serve, so the
	// update unit is left to finish in the background.
	if c.cfg.AllowReadExpiredKeys && res.ExpiredCount > 0 && res.ExpiredCount == len(res.NotFoundOrExpiredKeys) {
		return nil, nil
	}

	if err := c.queue.WaitForFinish(unit); err != nil {
		return unit, err
	}
	return unit, nil
}

// mergeKeyOrder assembles the final result in keys' order. Precedence per
// key (spec.md §4.F step 5): found-in-storage > fetched-during-update >
// caller default > schema null value. expired-in-storage values are used
// only when no update occurred (the async-refresh branch).
func (c *Cache) mergeKeyOrder(keys []any, req *FetchRequest, res *FetchResult, fetchedCols []Column, fetchedIdx map[internalKey]int, defaults []Column) []Column {
	out := make([]Column, len(req.order))
	for i := range out {
		out[i] = make(Column, len(keys))
	}

	for rowIdx, key := range keys {
		ik := toInternalKey(key)
		if row, ok := res.FoundIndex[ik]; ok {
			writeRow(out, req, res.Columns, row, rowIdx)
			continue
		}
		if fetchedIdx != nil {
			if row, ok := fetchedIdx[ik]; ok {
				writeRow(out, req, fetchedCols, row, rowIdx)
				continue
			}
		}
		if row, ok := res.ExpiredIndex[ik]; ok && c.cfg.AllowReadExpiredKeys && fetchedIdx == nil {
			writeRow(out, req, res.Columns, row, rowIdx)
			continue
		}
		writeDefaults(out, req, c.schema, defaults, rowIdx)
	}
	return out
}

func writeRow(out []Column, req *FetchRequest, src []Column, srcRow, dstRow int) {
	for outIdx, schemaIdx := range req.order {
		if srcRow < len(src[schemaIdx]) {
			out[outIdx][dstRow] = src[schemaIdx][srcRow]
		}
	}
}

func writeDefaults(out []Column, req *FetchRequest, schema *Schema, defaults []Column, dstRow int) {
	for outIdx, schemaIdx := range req.order {
		if defaults != nil && dstRow < len(defaults[outIdx]) {
			out[outIdx][dstRow] = defaults[outIdx][dstRow]
			continue
		}
		out[outIdx][dstRow] = schema.Attributes[schemaIdx].NullValue
	}
}
