package shardpool

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// runnable is the type-erased interface the pool's queue stores: every
// Task[T], regardless of its result type T, implements invoke().
// Grounded on the Go-native translation spec.md §9 prescribes for the
// original's std::packaged_task/std::future pairing.
type runnable interface {
	invoke(poolName string)
	cancel(poolName string)
}

// result carries a Task's outcome down its one-shot channel.
type result[T any] struct {
	value T
	err   error
}

// Task wraps a user-supplied function with a single-shot result channel,
// per spec.md §4.1/§4.4.
type Task[T any] struct {
	id uuid.UUID
	fn func() (T, error)
	ch chan result[T]
}

func newTask[T any](fn func() (T, error)) *Task[T] {
	return &Task[T]{
		id: uuid.New(),
		fn: fn,
		ch: make(chan result[T], 1),
	}
}

// invoke runs fn exactly once, recovering any panic into a *TaskError
// wrapping a *PanicError, and publishes the outcome.
func (t *Task[T]) invoke(poolName string) {
	start := time.Now()
	outcome := "success"
	var r result[T]

	func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				outcome = "error"
				r = result[T]{value: zero, err: newUserError(&PanicError{Value: p})}
			}
		}()
		v, err := t.fn()
		if err != nil {
			outcome = "error"
			r = result[T]{value: v, err: newUserError(err)}
			return
		}
		r = result[T]{value: v, err: nil}
	}()

	poolTaskDuration.WithLabelValues(poolName).Observe(time.Since(start).Seconds())
	poolTasksTotal.WithLabelValues(poolName, outcome).Inc()
	t.ch <- r
}

// cancel resolves the task's future to Cancelled without invoking fn, for
// tasks dropped undrained at pool Close.
func (t *Task[T]) cancel(poolName string) {
	var zero T
	poolTasksTotal.WithLabelValues(poolName, "cancelled").Inc()
	t.ch <- result[T]{value: zero, err: newCancelledError()}
}

// Future is the caller's handle to a submitted Task's eventual result.
// It is single-consumer: the first Get/TryGet call is guaranteed
// correct; subsequent calls after the channel has already been drained
// block forever (Get) or report not-ready (TryGet), since the channel
// does not replay a value.
type Future[T any] struct {
	id uuid.UUID
	ch chan result[T]
}

// ID returns the identifier assigned to the task at submission time, for
// correlating a future with pool logs/metrics.
func (f *Future[T]) ID() uuid.UUID {
	return f.id
}

// Get blocks until the task has been invoked exactly once (or dropped
// uninvoked), then returns its value or surfaces the error.
func (f *Future[T]) Get() (T, error) {
	r := <-f.ch
	return r.value, r.err
}

// TryGet is the non-blocking variant of Get: ok is false if the result
// has not arrived yet.
func (f *Future[T]) TryGet() (value T, err error, ok bool) {
	select {
	case r := <-f.ch:
		return r.value, r.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// GetWithTimeout blocks for at most d before giving up.
func (f *Future[T]) GetWithTimeout(d time.Duration) (value T, err error, ok bool) {
	select {
	case r := <-f.ch:
		return r.value, r.err, true
	case <-time.After(d):
		var zero T
		return zero, nil, false
	}
}

func (f *Future[T]) String() string {
	return fmt.Sprintf("Future(%s)", f.id)
}
