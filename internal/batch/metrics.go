package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesDistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_messages_distributed_total",
		Help: "Messages filed into conversation batches",
	}, []string{"channel"})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batcher_messages_dropped_total",
		Help: "Malformed messages dropped at distribution time",
	})
	batchesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_batches_dispatched_total",
		Help: "Aggregated batches by dispatch outcome",
	}, []string{"channel", "outcome"})
	dispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batcher_dispatch_duration_seconds",
		Help:    "Latency of resolver dispatch including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	deadLetterWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_dead_letters_total",
		Help: "Batches routed to the dead-letter list",
	}, []string{"reason"})
)
