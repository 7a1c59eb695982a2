package shardpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func TestQueueSingleThreadFIFOWithinShard(t *testing.T) {
	q := NewQueue[int](WithShards(1))

	for i := 0; i < 50; i++ {
		q.Enqueue(i)
	}
	for i := 0; i < 50; i++ {
		v, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.True(t, q.IsEmpty())
}

func TestQueueGrowsPastPreAllocation(t *testing.T) {
	q := NewQueue[int](WithShards(2))

	const n = DefaultPreAllocNodeNum * 3
	for i := 0; i < n; i++ {
		q.Enqueue(i)
	}
	assert.Equal(t, n, q.Len())

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		v, ok := q.TryDequeue()
		require.True(t, ok)
		seen[v] = true
	}
	assert.Len(t, seen, n)
	assert.True(t, q.IsEmpty())
}

func TestQueueBlockingDequeueUnblockedByDelayedEnqueue(t *testing.T) {
	q := NewQueue[string]()

	done := make(chan string, 1)
	go func() {
		done <- q.Dequeue()
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue("late")

	select {
	case v := <-done:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("Dequeue never unblocked after a delayed Enqueue")
	}
}

func TestQueueConcurrentProducersConsumersNoLossNoDuplication(t *testing.T) {
	q := NewQueue[int](WithShards(4))

	const producers = 8
	const perProducer = 500
	const total = producers * perProducer

	sem := semaphore.NewWeighted(32)
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < perProducer; i++ {
				_ = sem.Acquire(ctx, 1)
				q.Enqueue(base*perProducer + i)
				sem.Release(1)
			}
		}(p)
	}

	results := make(chan int, total)
	var consumerWG sync.WaitGroup
	consumerWG.Add(4)
	for c := 0; c < 4; c++ {
		go func() {
			defer consumerWG.Done()
			for i := 0; i < total/4; i++ {
				results <- q.Dequeue()
			}
		}()
	}

	wg.Wait()
	consumerWG.Wait()
	close(results)

	seen := make(map[int]int, total)
	for v := range results {
		seen[v]++
	}
	assert.Len(t, seen, total)
	for v, count := range seen {
		assert.Equalf(t, 1, count, "value %d seen %d times", v, count)
	}
}
