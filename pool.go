package shardpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nordlight-systems/shardpool/internal/waitutil"
)

// WorkerState is a worker goroutine's position in the state machine
// described by spec.md §4.3.
type WorkerState int32

const (
	// StateRunning indicates the worker is executing a task.
	StateRunning WorkerState = iota
	// StateWaitingForTask indicates the worker is blocked dequeuing.
	StateWaitingForTask
	// StateWaitingForUnpause indicates the worker is blocked on the pause gate.
	StateWaitingForUnpause
	// StateExiting indicates the worker has observed shutdown and is unwinding.
	StateExiting
)

const schedulerTick = 2 * time.Millisecond

// worker is one managed goroutine's bookkeeping. Grounded on
// maurice2k/ultrapool's workerInstance, stripped of its channel/cache
// machinery (replaced by the shared ShardedUnboundedQueue) and extended
// with the state field spec.md §4.3 requires.
type worker struct {
	id       int
	state    atomic.Int32
	lastUsed atomic.Int64 // unix nano
	retire   atomic.Bool
}

func (w *worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// WorkerPool drains submitted Tasks via a ShardedUnboundedQueue on a
// managed, elastically-sized set of worker goroutines, per spec.md §4.3.
type WorkerPool struct {
	cfg   Config
	queue *ShardedUnboundedQueue[runnable]
	log   zerolog.Logger

	submitMu sync.RWMutex
	closed   atomic.Bool
	paused   atomic.Bool

	mu        sync.Mutex
	pauseCond *sync.Cond
	workers   []*worker
	nextID    int

	wg            sync.WaitGroup
	schedulerDone chan struct{}
	closeOnce     sync.Once
}

// NewPool constructs a WorkerPool with MaxWorkers set to maxWorkers and
// every other tunable at its spec.md §6 default. maxWorkers <= 0 is
// rejected with ErrInvalidConfig; to get the hardware-derived MaxWorkers
// default, use WithConfig with MaxWorkers left at zero.
func NewPool(maxWorkers int, opts ...Option) (*WorkerPool, error) {
	if maxWorkers <= 0 {
		return nil, newInvalidConfig("MaxWorkers must be positive")
	}
	allOpts := append([]Option{WithMaxWorkers(maxWorkers)}, opts...)
	return WithConfig(DefaultConfig(), allOpts...)
}

// WithConfig constructs a WorkerPool starting from cfg, overridden by
// opts, then validated and normalized.
func WithConfig(cfg Config, opts ...Option) (*WorkerPool, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = nextAnonName("pool")
	}

	p := &WorkerPool{
		cfg:           cfg,
		queue:         newQueueFromConfig[runnable](cfg),
		log:           newLogger("pool." + cfg.Name),
		schedulerDone: make(chan struct{}),
	}
	p.pauseCond = sync.NewCond(&p.mu)

	for i := 0; i < cfg.CoreWorkers; i++ {
		p.spawnWorker()
	}
	go p.schedulerLoop()

	return p, nil
}

// Submit enqueues fn wrapped as a Task and returns a handle to its
// eventual result. Go methods cannot carry their own type parameters, so
// this is a package-level function rather than a WorkerPool method, per
// spec.md §9's note that the original's templated submitTask maps
// directly onto Go generics.
func Submit[T any](p *WorkerPool, fn func() (T, error)) (*Future[T], error) {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() || p.paused.Load() {
		return nil, newUnavailableError()
	}

	task := newTask(fn)
	p.queue.Enqueue(runnable(task))
	return &Future[T]{id: task.id, ch: task.ch}, nil
}

// Drain submits a no-op sentinel task and blocks until it has run or ctx
// is done. The queue is sharded and delivers across shards in no fixed
// order, so tasks submitted before this call are not guaranteed to have
// been dequeued or started when Drain returns. Grounded on
// mycelian-ai-mycelian-memory/client/internal/shardqueue/shardexecutor.go's
// Barrier method.
func (p *WorkerPool) Drain(ctx context.Context) error {
	fut, err := Submit(p, func() (struct{}, error) { return struct{}{}, nil })
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := fut.Get()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsClosed reports whether Close has been called; it is true from the
// start of Close, before workers have been joined.
func (p *WorkerPool) IsClosed() bool {
	return p.closed.Load()
}

// IsPaused reports whether the pool is currently paused.
func (p *WorkerPool) IsPaused() bool {
	return p.paused.Load()
}

// Workers returns the number of currently spawned worker goroutines.
func (p *WorkerPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Pause sets paused=true. In-flight tasks run to completion; queued
// tasks are not dispatched until Unpause.
func (p *WorkerPool) Pause() {
	p.mu.Lock()
	p.paused.Store(true)
	p.mu.Unlock()
}

// Unpause clears paused and wakes every worker/scheduler blocked on the
// pause gate.
func (p *WorkerPool) Unpause() {
	p.mu.Lock()
	p.paused.Store(false)
	p.pauseCond.Broadcast()
	p.mu.Unlock()
}

// Close is idempotent. It stops accepting new tasks, wakes every
// worker/scheduler blocked on the queue or the pause gate, joins every
// worker, then cancels any task left queued undrained.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		p.submitMu.Lock()
		p.closed.Store(true)
		p.submitMu.Unlock()

		p.mu.Lock()
		p.pauseCond.Broadcast()
		p.mu.Unlock()
		p.queue.notEmpty.Post()

		p.wg.Wait()
		<-p.schedulerDone

		for {
			v, ok := p.queue.TryDequeue()
			if !ok {
				break
			}
			v.cancel(p.cfg.Name)
		}
		p.queue.release()
	})
}

func (p *WorkerPool) spawnWorker() {
	p.mu.Lock()
	p.nextID++
	w := &worker{id: p.nextID}
	w.lastUsed.Store(time.Now().UnixNano())
	p.workers = append(p.workers, w)
	n := len(p.workers)
	p.mu.Unlock()

	poolWorkers.WithLabelValues(p.cfg.Name).Set(float64(n))

	p.wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer p.wg.Done()
		close(started)
		p.workerLoop(w)
	}()

	// Confirm the goroutine has begun executing before the scheduler
	// counts it against launch_new_by_task_rate. Go goroutine creation
	// itself cannot fail short of a fatal runtime OOM (unlike the
	// original's std::thread, which can throw), so there is nothing to
	// retry here in the usual sense; this bounded backoff only protects
	// against counting a not-yet-scheduled goroutine as spawned under
	// heavy GOMAXPROCS contention.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = 10 * time.Millisecond
	_ = backoff.Retry(func() error {
		select {
		case <-started:
			return nil
		default:
			return errWorkerNotYetLive
		}
	}, b)

	p.log.Debug().Int("worker_id", w.id).Int("workers", n).Msg("worker spawned")
}

var errWorkerNotYetLive = &PanicError{Value: "worker goroutine not yet confirmed live"}

func (p *WorkerPool) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *WorkerPool) workerLoop(w *worker) {
	w.setState(StateWaitingForTask)
	for {
		if p.closed.Load() || w.retire.Load() {
			w.setState(StateExiting)
			p.removeWorker(w)
			return
		}

		if p.paused.Load() {
			w.setState(StateWaitingForUnpause)
			p.waitForUnpauseOrClose()
			continue
		}

		w.setState(StateWaitingForTask)
		task, ok := p.dequeueTask(w)
		if !ok {
			continue
		}

		w.setState(StateRunning)
		task.invoke(p.cfg.Name)
		w.lastUsed.Store(time.Now().UnixNano())
	}
}

func (p *WorkerPool) waitForUnpauseOrClose() {
	p.mu.Lock()
	for p.paused.Load() && !p.closed.Load() {
		p.pauseCond.Wait()
	}
	p.mu.Unlock()
}

// dequeueTask blocks until a task is available, the pool closes, or the
// worker is retired by the idle reaper — whichever happens first.
func (p *WorkerPool) dequeueTask(w *worker) (runnable, bool) {
	waitOpts := waitutil.NewWaitOptions().WithSpinMax(p.cfg.SpinMax)
	for {
		if p.closed.Load() || w.retire.Load() {
			return nil, false
		}
		if v, ok := p.queue.TryDequeue(); ok {
			return v, true
		}
		if p.closed.Load() || w.retire.Load() {
			return nil, false
		}

		p.queue.notEmpty.Reset()
		if v, ok := p.queue.TryDequeue(); ok {
			return v, true
		}
		if p.closed.Load() || w.retire.Load() {
			return nil, false
		}

		// Bounded wait (rather than queue.Dequeue's unbounded Wait) so a
		// retire signal set while the queue stays empty is still
		// observed promptly; Close always posts not_empty directly, so
		// the closed path never depends on this timeout.
		p.queue.notEmpty.TryWaitUntil(time.Now().Add(idleRetireCheckInterval), waitOpts)
	}
}

const idleRetireCheckInterval = 50 * time.Millisecond

func (p *WorkerPool) removeWorker(w *worker) {
	p.mu.Lock()
	for i, other := range p.workers {
		if other == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	n := len(p.workers)
	p.mu.Unlock()
	poolWorkers.WithLabelValues(p.cfg.Name).Set(float64(n))
}

// schedulerLoop is the single long-lived scheduler thread of spec.md
// §4.3: it watches backlog and spawns workers when
// workers.len * launch_new_by_task_rate < queue.len(), and reaps idle
// workers back toward CoreWorkers between bursts (an additive capability
// carried from the teacher's cleanup(), see SPEC_FULL.md).
func (p *WorkerPool) schedulerLoop() {
	defer close(p.schedulerDone)
	for {
		if p.closed.Load() {
			return
		}
		if p.paused.Load() {
			p.waitForUnpauseOrClose()
			continue
		}

		qlen := p.queue.Len()
		n := p.workerCount()
		if n*p.cfg.LaunchNewByTaskRate < qlen && n < p.cfg.MaxWorkers {
			p.spawnWorker()
		} else {
			p.reapIdleWorkers()
		}

		time.Sleep(schedulerTick)
	}
}

// reapIdleWorkers retires workers that have been idle for longer than
// IdleWorkerLifetime, never shrinking below CoreWorkers and never
// retiring a worker mid-task.
func (p *WorkerPool) reapIdleWorkers() {
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	count := len(workers)
	p.mu.Unlock()

	if count <= p.cfg.CoreWorkers {
		return
	}

	deadline := time.Now().Add(-p.cfg.IdleWorkerLifetime)
	toRetire := count - p.cfg.CoreWorkers
	for _, w := range workers {
		if toRetire <= 0 {
			return
		}
		if WorkerState(w.state.Load()) != StateWaitingForTask {
			continue
		}
		lastUsed := time.Unix(0, w.lastUsed.Load())
		if lastUsed.After(deadline) {
			continue
		}
		w.retire.Store(true)
		p.queue.notEmpty.Post()
		toRetire--
	}
}
