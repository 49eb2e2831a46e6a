package dictcache

import (
	"context"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// QueueConfig configures the Update Queue (spec.md §4.D / §6).
type QueueConfig struct {
	MaxSize          int
	Workers          int
	PushTimeout      time.Duration
	WaitTimeout      time.Duration
}

const minPushTimeout = 10 * time.Millisecond

// Validate enforces the push-timeout floor and positive-count contracts
// from spec.md §6.
func (c QueueConfig) Validate() error {
	if c.MaxSize <= 0 {
		return &configError{msg: "max_update_queue_size must be > 0"}
	}
	if c.Workers <= 0 {
		return &configError{msg: "max_threads_for_updates must be > 0"}
	}
	if c.PushTimeout < minPushTimeout {
		return &configError{msg: "update_queue_push_timeout_milliseconds floor is 10ms"}
	}
	return nil
}

// updateFn is invoked by every worker for every claimed unit. It performs
// the actual source fetch and storage insert; returning an error transitions
// the unit to done(err) and feeds the Backoff Controller.
type updateFn func(ctx context.Context, unit *UpdateUnit) error

// UpdateQueue is the bounded work queue + worker pool + rendezvous
// mechanism (spec.md §4.D). Workers hold no locks across the external
// fetch; the queue's own mutex/condition state (here, Go channels) is never
// held across Slot Storage access or source I/O.
type UpdateQueue struct {
	cfg QueueConfig
	fn  updateFn

	ch   chan *UpdateUnit
	sem  chan struct{} // admission semaphore, capacity cfg.MaxSize; held from TryPush until the unit reaches a terminal state
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	stopped bool
}

// NewUpdateQueue validates cfg and starts cfg.Workers long-running worker
// goroutines.
func NewUpdateQueue(cfg QueueConfig, fn updateFn) (*UpdateQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &UpdateQueue{
		cfg: cfg,
		fn:  fn,
		ch:  make(chan *UpdateUnit, cfg.MaxSize),
		sem: make(chan struct{}, cfg.MaxSize),
	}
	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.workerLoop()
	}
	return q, nil
}

// TryPush enqueues unit, blocking up to cfg.PushTimeout for room. It fails
// with ErrQueueFull on timeout, or ErrShutdown if the queue has already
// been told to stop. A unit occupies its admission slot from here until it
// reaches a terminal state, so cfg.MaxSize bounds queued-plus-executing
// units, not just what happens to be sitting in the channel buffer.
func (q *UpdateQueue) TryPush(unit *UpdateUnit) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrShutdown
	}
	q.mu.Unlock()

	timer := time.NewTimer(q.cfg.PushTimeout)
	defer timer.Stop()

	select {
	case q.sem <- struct{}{}:
	case <-timer.C:
		return ErrQueueFull
	}

	select {
	case q.ch <- unit:
		return nil
	case <-timer.C:
		<-q.sem
		return ErrQueueFull
	}
}

// WaitForFinish blocks until unit reaches a terminal state or
// cfg.WaitTimeout elapses. Multiple callers may wait on the same unit and
// will all observe the same outcome. On a terminal error it re-raises that
// error to this waiter.
func (q *UpdateQueue) WaitForFinish(unit *UpdateUnit) error {
	timer := time.NewTimer(q.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case <-unit.Done():
		if unit.State() == UnitDoneErr {
			_, _, err := unit.Result()
			return err
		}
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}

func (q *UpdateQueue) workerLoop() {
	defer q.wg.Done()
	for unit := range q.ch {
		if !unit.claim() {
			<-q.sem // already transitioned (e.g. concurrent shutdown)
			continue
		}
		if err := q.fn(context.Background(), unit); err != nil {
			unit.finishErr(err)
		}
		// fn is responsible for calling unit.finishOK itself once it has
		// populated results, so that storage insertion and the
		// in-unit result are set atomically from the caller's view. Either
		// way the unit is terminal by the time fn returns, so its
		// admission slot is released here.
		<-q.sem
	}
}

// StopAndWait stops accepting pushes, signals workers to drain, and waits
// for in-flight units to reach a terminal state. Units still queued are
// not all failed: workers keep dequeuing from the closed channel and run
// whatever they take normally, while this loop transitions the units it
// takes to done(err: ErrShutdown). Only the errors of those units are
// aggregated and returned.
func (q *UpdateQueue) StopAndWait() error {
	var result error
	q.once.Do(func() {
		q.mu.Lock()
		q.stopped = true
		close(q.ch)
		q.mu.Unlock()
	})

	// Drain anything still sitting in the channel buffer that no worker
	// claimed before close; those units must still reach done(err) so
	// any waiter unblocks.
	var merr *multierror.Error
	for unit := range q.ch {
		if unit.claim() {
			unit.finishErr(ErrShutdown)
			merr = multierror.Append(merr, ErrShutdown)
		}
		<-q.sem
	}
	q.wg.Wait()
	if merr != nil {
		result = merr.ErrorOrNil()
	}
	return result
}
