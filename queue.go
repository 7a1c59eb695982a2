package shardpool

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nordlight-systems/shardpool/internal/waitutil"
)

// shard is one of the queue's independent linked-list sub-queues. head
// points to a sentinel node; the first live value, if any, is at
// head.next. tail points at the node about to be filled next.
//
// Grounded on spec.md §3 and cross-checked against
// original_source/ThreadPool/detail/ConcurrentQueue_impl.hpp's
// multi-shard round-robin variant.
type shard[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
}

// ShardedUnboundedQueue is a multi-producer/multi-consumer unbounded
// queue built from Config.Shards (DefaultShards unless configured)
// independent linked-list shards, round
// robin selected, with no hard capacity limit and a single
// SaturatingSemaphore coordinating consumers during transient emptiness.
//
// Implements spec.md §4.2 in full, including the node reservation
// protocol (§4.2 "Node reservation protocol") and the growth policy.
type ShardedUnboundedQueue[T any] struct {
	cfg    Config
	shards []*shard[T]

	size   atomic.Int64
	enqIdx atomic.Uint64
	deqIdx atomic.Uint64

	notEmpty *waitutil.SaturatingSemaphore
	waitOpts waitutil.WaitOptions

	log zerolog.Logger
}

// NewQueue constructs a ShardedUnboundedQueue with DefaultConfig()
// tunables modified by opts, pre-allocating PreAllocNodeNum nodes split
// evenly across Shards shards.
func NewQueue[T any](opts ...Option) *ShardedUnboundedQueue[T] {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg, err := cfg.normalize()
	if err != nil {
		// Shards must be a power of two; everything else in
		// Config.normalize self-heals via defaulting, so this can only
		// fire for a caller-supplied non-power-of-two Shards value.
		panic(err)
	}
	return newQueueFromConfig[T](cfg)
}

func newQueueFromConfig[T any](cfg Config) *ShardedUnboundedQueue[T] {
	q := &ShardedUnboundedQueue[T]{
		cfg:      cfg,
		shards:   make([]*shard[T], cfg.Shards),
		notEmpty: waitutil.NewSaturatingSemaphore(true),
		waitOpts: waitutil.NewWaitOptions().WithSpinMax(cfg.SpinMax),
		log:      newLogger("queue"),
	}

	perShard := cfg.PreAllocNodeNum / cfg.Shards
	if perShard < 2 {
		perShard = 2 // sentinel + at least one free slot, per spec.md §3.
	}
	for i := range q.shards {
		head, _ := newNodeChain[T](perShard)
		sh := &shard[T]{}
		sh.head.Store(head)
		// head is a non-data sentinel; tail starts at head.next, the
		// first unfilled placeholder about to receive an Enqueue. Every
		// further node in the chain is pre-allocated capacity that only
		// becomes live once tail advances onto it.
		sh.tail.Store(head.next.Load())
		q.shards[i] = sh
	}
	return q
}

// Enqueue inserts v. Never blocks on capacity; internally retries on
// lost reservation CASes. Wakes every not_empty waiter iff this
// insertion is the one that took the queue from empty to non-empty,
// tested atomically on the post-increment size rather than a snapshot
// taken before the insert, which a concurrent insert/remove could make
// stale.
func (q *ShardedUnboundedQueue[T]) Enqueue(v T) {
	idx := int(q.enqIdx.Add(1)-1) % len(q.shards)
	q.enqueueIntoShard(q.shards[idx], idx, v)
}

func (q *ShardedUnboundedQueue[T]) enqueueIntoShard(sh *shard[T], idx int, v T) {
	for {
		tail := sh.tail.Load()
		if tail == nil || !tail.tryHold() {
			runtime.Gosched()
			continue
		}
		if sh.tail.Load() != tail {
			// tail advanced between the load and the hold; this node has
			// already been filled by another producer.
			tail.release()
			continue
		}

		next := tail.next.Load()
		if next == nil {
			growHead, _ := newNodeChain[T](q.cfg.NextAllocNodeNum)
			tail.next.Store(growHead)
			next = growHead
			queueGrowthTotal.WithLabelValues(shardLabel(idx)).Inc()
			q.log.Debug().Int("shard", idx).Int("n", q.cfg.NextAllocNodeNum).Msg("queue shard grown")
		}

		tail.value = v

		if !sh.tail.CompareAndSwap(tail, next) {
			// Only the hold-bit owner ever advances tail, so this CAS
			// cannot lose a race under the stated protocol; retrying
			// defensively rather than asserting keeps the queue live if
			// that invariant is ever violated by a future change.
			tail.release()
			continue
		}
		tail.release()

		newSize := q.size.Add(1)
		queueEnqueuedTotal.WithLabelValues(shardLabel(idx)).Inc()
		queueLength.WithLabelValues("total").Set(float64(newSize))
		if newSize == 1 {
			q.notEmpty.Post()
		}
		return
	}
}

// Dequeue returns the next value, blocking on the not_empty signal when
// the whole queue is observed empty. Never times out.
func (q *ShardedUnboundedQueue[T]) Dequeue() T {
	for {
		if v, ok := q.tryDequeueBudgeted(); ok {
			return v
		}

		q.notEmpty.Reset()
		// Re-scan after reset closes the race where a producer completed
		// its insertion (and possibly its Post) between our last failed
		// attempt and the Reset above: the value is already visible to
		// this scan even if the Post itself raced with Reset.
		if v, ok := q.tryDequeueBudgeted(); ok {
			return v
		}

		q.notEmpty.TryWaitUntil(time.Time{}, q.waitOpts)
	}
}

// TryDequeue is the non-blocking variant: it returns ok=false if no
// value could be acquired within the bounded retry budget.
func (q *ShardedUnboundedQueue[T]) TryDequeue() (v T, ok bool) {
	return q.tryDequeueBudgeted()
}

func (q *ShardedUnboundedQueue[T]) tryDequeueBudgeted() (v T, ok bool) {
	for i := 0; i < q.cfg.MaxContendTryTime; i++ {
		idx := int(q.deqIdx.Add(1)-1) % len(q.shards)
		if v, ok := q.dequeueFromShard(q.shards[idx], idx); ok {
			return v, true
		}
		runtime.Gosched()
	}
	var zero T
	return zero, false
}

func (q *ShardedUnboundedQueue[T]) dequeueFromShard(sh *shard[T], idx int) (v T, ok bool) {
	var zero T
	for attempt := 0; attempt < q.cfg.MaxContendTryTime; attempt++ {
		head := sh.head.Load()
		if head == nil {
			return zero, false
		}
		next := head.next.Load()
		// next == nil: nothing has ever been linked past head yet.
		// next == tail: head has caught up to the unfilled placeholder
		// Enqueue will write into next, i.e. the shard is logically
		// empty even though next is a real, already-allocated node.
		if next == nil || next == sh.tail.Load() {
			return zero, false
		}
		if !next.tryHold() {
			runtime.Gosched()
			continue
		}

		val := next.value
		next.value = zero

		if !sh.head.CompareAndSwap(head, next) {
			next.release()
			continue
		}
		next.release()

		q.size.Add(-1)
		queueDequeuedTotal.WithLabelValues(shardLabel(idx)).Inc()
		queueLength.WithLabelValues("total").Set(float64(q.size.Load()))
		return val, true
	}
	return zero, false
}

// Len returns the current atomic size snapshot; advisory.
func (q *ShardedUnboundedQueue[T]) Len() int {
	return int(q.size.Load())
}

// IsEmpty reports whether Len() == 0; advisory.
func (q *ShardedUnboundedQueue[T]) IsEmpty() bool {
	return q.size.Load() == 0
}

// release walks and drops every shard's node chain, the Go-GC-backed
// equivalent of spec.md §4.2's "destructor must walk and free the full
// chain of every shard". A nil head (a logical bug) is tolerated rather
// than crashing, per spec.md.
func (q *ShardedUnboundedQueue[T]) release() {
	for _, sh := range q.shards {
		head := sh.head.Load()
		for head != nil {
			next := head.next.Load()
			head.next.Store(nil)
			head = next
		}
		sh.head.Store(nil)
		sh.tail.Store(nil)
	}
}
