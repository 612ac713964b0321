// Package metrics provides Prometheus metrics for ktstudio:
// counters, gauges and histograms for tasks, the generation backend,
// composites, the planner, batch runs and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ktstudio"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCompleted tracks completed tasks by kind.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
}, []string{"kind"})

// TasksFailed tracks failed tasks by kind and error kind.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_failed_total",
	Help:      "Total failed tasks.",
}, []string{"kind", "reason"})

// TasksActive is 1 while a task is executing, 0 otherwise.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_active",
	Help:      "Number of currently executing tasks.",
})

// TaskQueueWait tracks time from task queued to execution start.
var TaskQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_queue_wait_seconds",
	Help:      "Time from task queued to execution start.",
	Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
})

// TaskDuration tracks execution time by kind.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_duration_seconds",
	Help:      "Task execution duration in seconds.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
}, []string{"kind"})

// ─── Generation Backend ─────────────────────────────────────────────────────

// BackendEvents counts status-stream events by type.
var BackendEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "backend_events_total",
	Help:      "Status stream events received from the generation backend.",
}, []string{"type"})

// BackendBreakerTrips counts how often submissions were paused for an
// unresponsive backend.
var BackendBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "backend_breaker_trips_total",
	Help:      "Times the submit breaker opened.",
})

// BackendStreamReconnects counts status-stream reconnect attempts.
var BackendStreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "backend_stream_reconnects_total",
	Help:      "Status stream reconnect attempts.",
})

// CompositeSteps counts composite steps by outcome (committed, skipped, failed).
var CompositeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "composite_steps_total",
	Help:      "Composite pipeline steps by outcome.",
}, []string{"outcome"})

// ─── Planner ────────────────────────────────────────────────────────────────

// PlannerRequests counts planner calls by operation and outcome.
var PlannerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "planner_requests_total",
	Help:      "Prompt/plan service requests.",
}, []string{"op", "outcome"})

// ─── Batch ──────────────────────────────────────────────────────────────────

// BatchRuns counts batch supervisor runs by flow and outcome.
var BatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "batch_runs_total",
	Help:      "Batch supervisor runs.",
}, []string{"flow", "outcome"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check status (1=healthy, 0=unhealthy).",
}, []string{"check"})
