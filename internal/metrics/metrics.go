// Package metrics holds the Prometheus collectors shared by the engine components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcore_dispatches_total",
			Help: "Node dispatches by executor type and outcome",
		},
		[]string{"executor_type", "outcome"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowcore_dispatch_duration_seconds",
			Help:    "Time from dispatch to executor reply",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor_type"},
	)

	retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcore_retries_scheduled_total",
			Help: "Delayed retries scheduled by the scheduler",
		},
	)

	tasksCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcore_tasks_cancelled_total",
			Help: "Queued tasks and pending retries dropped by run cancellation",
		},
	)

	deadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcore_dead_letters_total",
			Help: "Tasks moved to the dead-letter queue",
		},
	)

	conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcore_concurrency_conflicts_total",
			Help: "Optimistic concurrency conflicts by operation",
		},
		[]string{"operation"},
	)

	runOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcore_runs_finished_total",
			Help: "Runs reaching a terminal status",
		},
		[]string{"status"},
	)

	compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcore_compensations_total",
			Help: "Per-node compensation outcomes",
		},
		[]string{"outcome"},
	)

	nodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowcore_node_duration_seconds",
			Help:    "Node attempt duration from start to result, by final status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// RecordDispatch counts one dispatch and its latency. outcome is the result
// status or error code.
func RecordDispatch(executorType, outcome string, elapsed time.Duration) {
	dispatches.WithLabelValues(executorType, outcome).Inc()
	dispatchLatency.WithLabelValues(executorType).Observe(elapsed.Seconds())
}

// RecordRetry counts a scheduled retry.
func RecordRetry() {
	retries.Inc()
}

// RecordTasksCancelled counts work dropped by run cancellation.
func RecordTasksCancelled(n int) {
	tasksCancelled.Add(float64(n))
}

// RecordDeadLetter counts a dead-lettered task.
func RecordDeadLetter() {
	deadLetters.Inc()
}

// RecordConflict counts an optimistic concurrency conflict.
func RecordConflict(operation string) {
	conflicts.WithLabelValues(operation).Inc()
}

// RecordRunFinished counts a run reaching a terminal status.
func RecordRunFinished(status string) {
	runOutcomes.WithLabelValues(status).Inc()
}

// RecordCompensation counts a per-node compensation outcome.
func RecordCompensation(outcome string) {
	compensations.WithLabelValues(outcome).Inc()
}

// ObserveNode records how long a node attempt took.
func ObserveNode(status string, elapsed time.Duration) {
	nodeDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}
