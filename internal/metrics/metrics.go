// Package metrics provides Prometheus metrics for the cfbot processes.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "cfbot"

	subsystemQueue    = "queue"
	subsystemCI       = "ci"
	subsystemWebhook  = "webhook"
	subsystemScheduler = "scheduler"
	subsystemCircuit  = "circuit_breaker"
)

var (
	// DurationBuckets for job and request durations.
	DurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

	// === Work queue metrics ===

	QueueJobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemQueue, Name: "jobs_enqueued_total",
			Help: "Total number of work queue jobs enqueued, by type.",
		},
		[]string{"type"},
	)

	QueueJobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemQueue, Name: "jobs_processed_total",
			Help: "Total number of work queue jobs processed, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	QueueJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystemQueue, Name: "job_duration_seconds",
			Help: "Job processing latency in seconds, by type.", Buckets: DurationBuckets,
		},
		[]string{"type"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystemQueue, Name: "depth",
			Help: "Current number of rows in the work queue, by status.",
		},
		[]string{"status"},
	)

	// === CI state machine metrics ===

	CIWebhooksAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemCI, Name: "webhooks_accepted_total",
			Help: "Total number of accepted CI webhook events, by entity type.",
		},
		[]string{"entity"},
	)

	CIWebhooksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemCI, Name: "webhooks_dropped_total",
			Help: "Total number of dropped CI webhook events, by reason.",
		},
		[]string{"entity", "reason"},
	)

	CIStaleSweepsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemCI, Name: "stale_sweeps_enqueued_total",
			Help: "Total number of polling jobs enqueued by the stale sweepers.",
		},
		[]string{"sweeper"},
	)

	CIBranchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemCI, Name: "branch_transitions_total",
			Help: "Total number of branch status transitions, by resulting status.",
		},
		[]string{"status"},
	)

	// === Webhook endpoint metrics ===

	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemWebhook, Name: "requests_total",
			Help: "Total number of inbound webhook HTTP requests, by path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	WebhookRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystemWebhook, Name: "request_duration_seconds",
			Help: "Inbound webhook request latency in seconds.", Buckets: DurationBuckets,
		},
		[]string{"path"},
	)

	// === Scheduler metrics ===

	SchedulerBranchesMaterialised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemScheduler, Name: "branches_materialised_total",
			Help: "Total number of branches materialised, by apply outcome.",
		},
		[]string{"outcome"},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystemScheduler, Name: "tick_duration_seconds",
			Help: "Duration of one minute-tick run.", Buckets: DurationBuckets,
		},
	)

	// === Circuit breaker metrics ===

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystemCircuit, Name: "state",
			Help: "Circuit breaker state by host (0=closed, 1=half-open, 2=open).",
		},
		[]string{"host"},
	)

	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemCircuit, Name: "rejections_total",
			Help: "Total number of requests rejected by an open circuit breaker, by host.",
		},
		[]string{"host"},
	)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		QueueJobsEnqueued,
		QueueJobsProcessed,
		QueueJobDuration,
		QueueDepth,
		CIWebhooksAccepted,
		CIWebhooksDropped,
		CIStaleSweepsEnqueued,
		CIBranchTransitions,
		WebhookRequestsTotal,
		WebhookRequestDuration,
		SchedulerBranchesMaterialised,
		SchedulerTickDuration,
		CircuitBreakerState,
		CircuitBreakerRejections,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler serving the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// BreakerState is the subset of gobreaker.State this package cares about,
// redeclared here so internal/metrics has no dependency on gobreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// SetBreakerState records the current state of the named circuit breaker.
func SetBreakerState(host string, state fmt.Stringer) {
	value := 0.0
	switch state.String() {
	case "half-open":
		value = 1.0
	case "open":
		value = 2.0
	}
	CircuitBreakerState.WithLabelValues(host).Set(value)
}
