package dictcache

import (
	"context"
	"iter"
)

// DefaultIterationBatch is the batch size GetBlockInputStream uses when the
// caller does not override it.
const DefaultIterationBatch = 8192

// GetBlockInputStream iterates every currently cached key through the
// normal read path in fixed-size batches, yielding one Column set per
// batch plus the keys it covers (spec.md §4.H). Iteration observes a
// snapshot of CachedKeys taken at call time; keys inserted or evicted
// afterward are not reflected. Each batch still goes through Lookup/merge,
// so values returned are whatever is currently fresh, not a frozen copy.
func (c *Cache) GetBlockInputStream(ctx context.Context, names []string, batchSize int) (iter.Seq2[[]any, []Column], error) {
	if batchSize <= 0 {
		batchSize = DefaultIterationBatch
	}
	req, err := NewFetchRequest(c.schema, names)
	if err != nil {
		return nil, err
	}

	return func(yield func([]any, []Column) bool) {
		batch := make([]any, 0, batchSize)
		for key := range c.storage.CachedKeys() {
			batch = append(batch, key)
			if len(batch) < batchSize {
				continue
			}
			if !c.yieldBatch(ctx, req, batch, yield) {
				return
			}
			batch = batch[:0]
		}
		if len(batch) > 0 {
			c.yieldBatch(ctx, req, batch, yield)
		}
	}, nil
}

func (c *Cache) yieldBatch(ctx context.Context, req *FetchRequest, batch []any, yield func([]any, []Column) bool) bool {
	cols, err := c.query(ctx, batch, req, nil)
	if err != nil {
		// A batch-level fetch failure surfaces as an empty-values batch
		// rather than aborting the whole iteration; callers that need to
		// detect this should prefer GetColumns per key.
		cols = make([]Column, len(req.order))
		for i := range cols {
			cols[i] = make(Column, len(batch))
		}
	}
	keysCopy := make([]any, len(batch))
	copy(keysCopy, batch)
	return yield(keysCopy, cols)
}
