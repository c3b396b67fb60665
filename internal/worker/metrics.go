package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/simopt/internal/model"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simopt_worker_messages_total",
			Help: "Work messages processed, by final disposition.",
		},
		[]string{"result"}, // completed, continued, duplicate, skipped, error
	)

	queueOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simopt_worker_queue_outcomes_total",
			Help: "Queue terminal transitions recorded by this worker.",
		},
		[]string{"status", "reason"},
	)

	continuationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simopt_worker_continuations_total",
			Help: "Continuation messages enqueued.",
		},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simopt_worker_batch_duration_seconds",
			Help:    "Time spent optimizing one message's queue batch.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		},
		[]string{"result"},
	)

	checkpointOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simopt_worker_checkpoint_ops_total",
			Help: "Checkpoint store operations by outcome.",
		},
		[]string{"op", "result"}, // op: get, put, delete
	)
)

func observeBatch(result string, start time.Time) {
	messagesTotal.WithLabelValues(result).Inc()
	batchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func recordQueueOutcome(status model.QueueStatus, reason model.ReasonCode) {
	queueOutcomesTotal.WithLabelValues(string(status), string(reason)).Inc()
}

func recordCheckpointOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointOpsTotal.WithLabelValues(op, result).Inc()
}
