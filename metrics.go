package shardpool

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus series, grounded on
// mycelian-ai-mycelian-memory/client/metrics.go and
// clients/go/client/internal/shardqueue/metrics.go's
// promauto.NewCounterVec/labelled-by-shard style. These are a pure
// observability addition: nothing in queue.go or pool.go branches on
// their values.
var (
	queueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardpool",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Values accepted into the sharded queue.",
		},
		[]string{"shard"},
	)

	queueDequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardpool",
			Subsystem: "queue",
			Name:      "dequeued_total",
			Help:      "Values removed from the sharded queue.",
		},
		[]string{"shard"},
	)

	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardpool",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Advisory live element count across all shards, labelled shard=\"total\".",
		},
		[]string{"shard"},
	)

	queueGrowthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardpool",
			Subsystem: "queue",
			Name:      "growth_total",
			Help:      "Shard free-list growth events.",
		},
		[]string{"shard"},
	)

	poolWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardpool",
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Currently spawned workers.",
		},
		[]string{"pool"},
	)

	poolTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardpool",
			Subsystem: "pool",
			Name:      "tasks_total",
			Help:      "Tasks completed, labelled by outcome.",
		},
		[]string{"pool", "outcome"},
	)

	poolTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardpool",
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of Task.invoke().",
		},
		[]string{"pool"},
	)
)

func shardLabel(i int) string {
	return strconv.Itoa(i)
}
