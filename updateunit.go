package dictcache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// UnitState is the Update Unit's state machine position (spec.md §4.C):
// pending -> running -> done(ok)/done(err), each transition exactly once.
type UnitState int32

const (
	UnitPending UnitState = iota
	UnitRunning
	UnitDoneOK
	UnitDoneErr
)

// UpdateUnit is a single-shot coordination object carrying a set of keys to
// refresh and their eventual result or error. It is born per query,
// referenced by the submitting query and by the worker that fulfills it,
// and destroyed when both references drop (ordinary Go GC once the last
// pointer is released).
type UpdateUnit struct {
	ID string

	Keys    []any // SimpleKey or ComplexKey, the not-found-or-expired set
	Indexes []int // positions of Keys in the original query's input list
	Request *FetchRequest
	Arena   *Arena // owns complex-key byte storage for this unit's lifetime

	// ComplexKeyColumns/ComplexKeyRows are set in addition to Keys/Indexes
	// when the schema is complex-keyed, matching the Source contract's
	// loadKeys(columns, row_selector) shape.
	ComplexKeyColumns []Column
	ComplexKeyRows    []int

	state atomic.Int32

	mu            sync.Mutex
	resultColumns []Column
	updateIndex   map[internalKey]int
	err           error
	done          chan struct{}
	doneOnce      sync.Once
}

// NewUpdateUnit creates a pending UpdateUnit for the given not-found-or-
// expired keys.
func NewUpdateUnit(keys []any, indexes []int, req *FetchRequest) *UpdateUnit {
	return &UpdateUnit{
		ID:      uuid.NewString(),
		Keys:    keys,
		Indexes: indexes,
		Request: req,
		Arena:   NewArena(),
		done:    make(chan struct{}),
	}
}

// State returns the unit's current state.
func (u *UpdateUnit) State() UnitState { return UnitState(u.state.Load()) }

// claim transitions pending -> running. It returns false if the unit was
// not pending (e.g. already shut down).
func (u *UpdateUnit) claim() bool {
	return u.state.CompareAndSwap(int32(UnitPending), int32(UnitRunning))
}

// finishOK transitions running -> done(ok), recording the fetched columns
// and the key->row index map, and wakes all waiters. columns must be
// full schema width and schema-indexed, matching Storage.Lookup's
// FetchResult.Columns, so callers reading a result via index can use the
// same schema-index-based writeRow as the found-in-storage path.
func (u *UpdateUnit) finishOK(columns []Column, index map[internalKey]int) {
	u.mu.Lock()
	u.resultColumns = columns
	u.updateIndex = index
	u.mu.Unlock()
	u.state.Store(int32(UnitDoneOK))
	u.doneOnce.Do(func() { close(u.done) })
}

// finishErr transitions (pending|running) -> done(err), recording err and
// waking all waiters.
func (u *UpdateUnit) finishErr(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
	u.state.Store(int32(UnitDoneErr))
	u.doneOnce.Do(func() { close(u.done) })
}

// Done returns a channel closed once the unit reaches a terminal state.
// Multiple waiters may select on the same channel and all observe the same
// outcome.
func (u *UpdateUnit) Done() <-chan struct{} { return u.done }

// Result returns the unit's outcome. It must only be called after Done is
// closed.
func (u *UpdateUnit) Result() (columns []Column, index map[internalKey]int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.resultColumns, u.updateIndex, u.err
}
