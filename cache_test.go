package dictcache

import (
	"errors"
	"testing"
	"time"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(KeyShapeSimple, []Attribute{
		{Name: "a", Type: ScalarInt64, NullValue: int64(-1)},
	}, nil)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func mustNewCache(t *testing.T, source Source, opts ...Option) *Cache {
	t.Helper()
	return mustNewCacheWithSchema(t, testSchema(t), source, opts...)
}

func mustNewCacheWithSchema(t *testing.T, schema *Schema, source Source, opts ...Option) *Cache {
	t.Helper()
	base := []Option{
		WithSizeInCells(16),
		WithLifetime(60*time.Second, 120*time.Second),
	}
	c, err := New(schema, source, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Scenario 1 (spec.md §8): all-hit — a query fully served from storage
// never touches the source.
func TestGetColumns_AllHit(t *testing.T) {
	src := newFakeSource(nil)
	c := mustNewCache(t, src)
	ctx := t.Context()

	if err := c.storage.Insert(
		[]any{SimpleKey(1), SimpleKey(2), SimpleKey(3)},
		[]Column{{int64(10), int64(20), int64(30)}},
	); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	defaults := []Column{{int64(0), int64(0), int64(0)}}
	cols, err := c.GetColumns(ctx, []any{SimpleKey(3), SimpleKey(1), SimpleKey(2)}, []string{"a"}, defaults)
	if err != nil {
		t.Fatalf("GetColumns: %v", err)
	}
	got := cols[0]
	want := Column{int64(30), int64(10), int64(20)}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %v, want %v", i, got[i], want[i])
		}
	}
	if src.callCount() != 0 {
		t.Fatalf("source called %d times, want 0", src.callCount())
	}
}

// Scenario 2: all-miss, sync — absent keys block on a synchronous refresh
// and callers get the source's rows plus the caller's default for keys the
// source did not return.
func TestGetColumns_AllMissSync(t *testing.T) {
	src := newFakeSource(map[uint64][]any{
		5: {int64(50)},
		6: {int64(60)},
	})
	c := mustNewCache(t, src)
	ctx := t.Context()

	defaults := []Column{{int64(-1), int64(-1), int64(-1)}}
	cols, err := c.GetColumns(ctx, []any{SimpleKey(5), SimpleKey(6), SimpleKey(7)}, []string{"a"}, defaults)
	if err != nil {
		t.Fatalf("GetColumns: %v", err)
	}
	want := Column{int64(50), int64(60), int64(-1)}
	for i := range want {
		if cols[0][i] != want[i] {
			t.Fatalf("row %d = %v, want %v", i, cols[0][i], want[i])
		}
	}

	hits, err := c.HasKeys(ctx, []any{SimpleKey(5), SimpleKey(6), SimpleKey(7)})
	if err != nil {
		t.Fatalf("HasKeys: %v", err)
	}
	if !hits[0] || !hits[1] {
		t.Fatalf("expected 5,6 present after fetch: %v", hits)
	}
	if hits[2] {
		t.Fatalf("expected 7 absent (source never returned it): %v", hits)
	}

	// A confirmed-absent key must not be cached: it should be retried on
	// every subsequent query, and the caller default (not a stale schema
	// null) must keep coming back.
	callsBefore := src.callCount()
	cols, err = c.GetColumns(ctx, []any{SimpleKey(7)}, []string{"a"}, defaults)
	if err != nil {
		t.Fatalf("GetColumns (repeat miss): %v", err)
	}
	if cols[0][0] != int64(-1) {
		t.Fatalf("row 0 = %v, want caller default -1", cols[0][0])
	}
	if src.callCount() == callsBefore {
		t.Fatalf("expected source to be re-consulted for a confirmed-absent key")
	}
}

// TestGetColumns_MissMultiAttributeSchemaIndexing guards against the fetched
// path treating unit.Result()'s columns as already-projected: a cache miss
// on a multi-attribute schema, requesting a non-first attribute and in an
// order different from schema declaration order, must not panic or return
// column-swapped values.
func TestGetColumns_MissMultiAttributeSchemaIndexing(t *testing.T) {
	schema, err := NewSchema(KeyShapeSimple, []Attribute{
		{Name: "a", Type: ScalarInt64, NullValue: int64(-1)},
		{Name: "b", Type: ScalarInt64, NullValue: int64(-1)},
		{Name: "c", Type: ScalarInt64, NullValue: int64(-1)},
	}, nil)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	src := newFakeSource(map[uint64][]any{
		1: {int64(100), int64(200), int64(300)}, // a=100, b=200, c=300
	})
	c := mustNewCacheWithSchema(t, schema, src)
	ctx := t.Context()

	cols, err := c.GetColumns(ctx, []any{SimpleKey(1)}, []string{"c", "a"}, nil)
	if err != nil {
		t.Fatalf("GetColumns: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("expected 2 output columns, got %d", len(cols))
	}
	if cols[0][0] != int64(300) {
		t.Fatalf("requested attribute 0 (%q) = %v, want 300", "c", cols[0][0])
	}
	if cols[1][0] != int64(100) {
		t.Fatalf("requested attribute 1 (%q) = %v, want 100", "a", cols[1][0])
	}
}

// Scenario 3: expired keys with AllowReadExpiredKeys serve the stale value
// immediately and refresh in the background.
func TestGetColumns_ExpiredAsyncRefresh(t *testing.T) {
	src := newFakeSource(map[uint64][]any{9: {int64(91)}})
	c := mustNewCache(t, src, WithAllowReadExpiredKeys(true))
	ctx := t.Context()

	// Seed an already-expired-but-within-strict-max slot directly.
	c.storage.(*ristrettoStorage).mu.Lock()
	ik := simpleInternalKey(SimpleKey(9))
	c.storage.(*ristrettoStorage).rc.Set(ik, &Slot{
		key:      ik,
		original: SimpleKey(9),
		values:   []any{int64(90)},
		deadline: time.Now().Add(-1 * time.Second),
		jitter:   0,
	}, 1)
	c.storage.(*ristrettoStorage).rc.Wait()
	c.storage.(*ristrettoStorage).keys[ik] = SimpleKey(9)
	c.storage.(*ristrettoStorage).mu.Unlock()

	cols, err := c.GetColumns(ctx, []any{SimpleKey(9)}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("GetColumns: %v", err)
	}
	if cols[0][0] != int64(90) {
		t.Fatalf("expected stale value 90 immediately, got %v", cols[0][0])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cols, err := c.GetColumns(ctx, []any{SimpleKey(9)}, []string{"a"}, nil)
		if err != nil {
			t.Fatalf("GetColumns (poll): %v", err)
		}
		if cols[0][0] == int64(91) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background refresh never replaced the expired slot")
}

// Scenario 4: same setup but AllowReadExpiredKeys is false, so the query
// blocks for the fresh value instead of returning stale data.
func TestGetColumns_ExpiredSync(t *testing.T) {
	src := newFakeSource(map[uint64][]any{9: {int64(91)}})
	c := mustNewCache(t, src, WithAllowReadExpiredKeys(false))
	ctx := t.Context()

	rs := c.storage.(*ristrettoStorage)
	rs.mu.Lock()
	ik := simpleInternalKey(SimpleKey(9))
	rs.rc.Set(ik, &Slot{
		key: ik, original: SimpleKey(9),
		values: []any{int64(90)}, deadline: time.Now().Add(-1 * time.Second),
	}, 1)
	rs.rc.Wait()
	rs.keys[ik] = SimpleKey(9)
	rs.mu.Unlock()

	cols, err := c.GetColumns(ctx, []any{SimpleKey(9)}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("GetColumns: %v", err)
	}
	if cols[0][0] != int64(91) {
		t.Fatalf("expected synchronously refreshed value 91, got %v", cols[0][0])
	}
}

// Scenario 5: backoff — a source failure fails the query and suppresses
// the next immediate retry with the same class of error.
func TestGetColumns_Backoff(t *testing.T) {
	src := newFakeSource(nil)
	src.setErr(errors.New("boom"))
	c := mustNewCache(t, src)
	ctx := t.Context()

	_, err := c.GetColumns(ctx, []any{SimpleKey(1)}, []string{"a"}, nil)
	if !errors.Is(err, ErrUpdateFailed) {
		t.Fatalf("got %v, want ErrUpdateFailed", err)
	}
	firstCalls := src.callCount()

	_, err = c.GetColumns(ctx, []any{SimpleKey(1)}, []string{"a"}, nil)
	if !errors.Is(err, ErrBackoffSuppressed) {
		t.Fatalf("got %v, want ErrBackoffSuppressed", err)
	}
	if src.callCount() != firstCalls {
		t.Fatalf("source called again during backoff window: %d vs %d", src.callCount(), firstCalls)
	}
}

// Scenario 6: queue full — with a one-slot queue and one worker parked on a
// blocking source call, a second concurrent miss must fail with
// ErrQueueFull within its push timeout.
func TestGetColumns_QueueFull(t *testing.T) {
	src := newFakeSource(map[uint64][]any{1: {int64(1)}, 2: {int64(2)}})
	src.block = make(chan struct{})
	src.blocked = make(chan struct{})
	defer close(src.block)

	c := mustNewCache(t, src, WithUpdateQueue(1, 1, 10*time.Millisecond))
	ctx := t.Context()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetColumns(ctx, []any{SimpleKey(1)}, []string{"a"}, nil)
	}()

	select {
	case <-src.blocked:
	case <-time.After(time.Second):
		t.Fatal("first query never reached the source")
	}

	_, err := c.GetColumns(ctx, []any{SimpleKey(2)}, []string{"a"}, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	<-done
}

func TestGetColumns_DefaultColumnsMismatch(t *testing.T) {
	c := mustNewCache(t, newFakeSource(nil))
	_, err := c.GetColumns(t.Context(), []any{SimpleKey(1)}, []string{"a"}, []Column{{0}, {0}})
	var mismatch *defaultColumnsMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want *defaultColumnsMismatchError", err)
	}
}

func TestCache_StatsAndLoadFactor(t *testing.T) {
	src := newFakeSource(map[uint64][]any{1: {int64(1)}})
	c := mustNewCache(t, src)
	ctx := t.Context()

	if _, err := c.GetColumns(ctx, []any{SimpleKey(1)}, []string{"a"}, nil); err != nil {
		t.Fatalf("GetColumns: %v", err)
	}
	stats := c.Stats()
	if stats.Size != 1 {
		t.Fatalf("Size = %d, want 1", stats.Size)
	}
	if stats.Queries == 0 {
		t.Fatal("expected Queries counter to advance")
	}
	if lf := c.LoadFactor(); lf <= 0 || lf > 1 {
		t.Fatalf("LoadFactor = %v, want in (0, 1]", lf)
	}
}

func TestCache_Close_RejectsLaterUpdates(t *testing.T) {
	src := newFakeSource(map[uint64][]any{1: {int64(1)}})
	c := mustNewCache(t, src)
	if err := c.Close(); err != nil {
		t.Fatalf("Close on idle cache: %v", err)
	}
	_, err := c.GetColumns(t.Context(), []any{SimpleKey(1)}, []string{"a"}, nil)
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("got %v, want ErrShutdown after Close", err)
	}
}
