package shardpool

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrInvalidConfig is returned by constructors rejecting a nonsensical
// configuration (e.g. NewPool with maxWorkers <= 0, or a Shards value
// that is not a power of two).
var ErrInvalidConfig = fmt.Errorf("shardpool: invalid config")

// ErrPoolUnavailable is returned by Submit when the pool is paused or
// closed.
var ErrPoolUnavailable = fmt.Errorf("shardpool: pool unavailable")

// ErrCancelled is surfaced by a Future whose Task was dropped without
// being invoked (e.g. pending at Close).
var ErrCancelled = fmt.Errorf("shardpool: task cancelled")

// TaskCategory classifies why a Future resolved to an error, mirroring
// the sentinel-plus-typed-wrapper pattern in
// mycelian-ai-mycelian-memory/client/internal/errors/errors.go.
type TaskCategory int

const (
	// CategoryUser indicates the user-supplied function returned an
	// error or panicked.
	CategoryUser TaskCategory = iota
	// CategoryCancelled indicates the task was dropped without running.
	CategoryCancelled
	// CategoryUnavailable indicates Submit was rejected because the pool
	// was paused or closed; the task never entered the queue.
	CategoryUnavailable
)

func (c TaskCategory) String() string {
	switch c {
	case CategoryUser:
		return "User"
	case CategoryCancelled:
		return "Cancelled"
	case CategoryUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// TaskError wraps an error raised while executing or cancelling a Task
// with the category a caller can use to decide whether to retry
// out-of-band.
type TaskError struct {
	Category   TaskCategory
	Underlying error
}

// Error implements error.
func (e *TaskError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Category, e.Underlying)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *TaskError) Unwrap() error {
	return e.Underlying
}

// PanicError wraps a recovered panic value raised inside a submitted
// function, captured at the worker boundary per spec.md §7.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("shardpool: task panicked: %v", e.Value)
}

func newInvalidConfig(reason string) error {
	return pkgerrors.WithStack(fmt.Errorf("%w: %s", ErrInvalidConfig, reason))
}

func newCancelledError() *TaskError {
	return &TaskError{Category: CategoryCancelled, Underlying: ErrCancelled}
}

func newUserError(err error) *TaskError {
	return &TaskError{Category: CategoryUser, Underlying: err}
}

func newUnavailableError() *TaskError {
	return &TaskError{Category: CategoryUnavailable, Underlying: ErrPoolUnavailable}
}
