package shardpool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskInvokeDeliversValue(t *testing.T) {
	task := newTask(func() (int, error) { return 42, nil })
	fut := &Future[int]{id: task.id, ch: task.ch}

	task.invoke("t")

	v, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestTaskInvokeWrapsUserError(t *testing.T) {
	boom := errors.New("boom")
	task := newTask(func() (int, error) { return 0, boom })
	fut := &Future[int]{id: task.id, ch: task.ch}

	task.invoke("t")

	_, err := fut.Get()
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, CategoryUser, taskErr.Category)
	assert.ErrorIs(t, err, boom)
}

func TestTaskInvokeRecoversPanic(t *testing.T) {
	task := newTask(func() (int, error) { panic("kaboom") })
	fut := &Future[int]{id: task.id, ch: task.ch}

	assert.NotPanics(t, func() { task.invoke("t") })

	_, err := fut.Get()
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestTaskCancelResolvesCancelled(t *testing.T) {
	task := newTask(func() (int, error) { return 1, nil })
	fut := &Future[int]{id: task.id, ch: task.ch}

	task.cancel("t")

	_, err := fut.Get()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestFutureTryGetBeforeInvokeIsNotOk(t *testing.T) {
	task := newTask(func() (int, error) { return 1, nil })
	fut := &Future[int]{id: task.id, ch: task.ch}

	_, _, ok := fut.TryGet()
	assert.False(t, ok)
}

func TestFutureGetWithTimeoutExpires(t *testing.T) {
	task := newTask(func() (int, error) { return 1, nil })
	fut := &Future[int]{id: task.id, ch: task.ch}

	_, _, ok := fut.GetWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestFutureStringIncludesID(t *testing.T) {
	task := newTask(func() (int, error) { return 1, nil })
	fut := &Future[int]{id: task.id, ch: task.ch}

	assert.Contains(t, fut.String(), task.id.String())
}
