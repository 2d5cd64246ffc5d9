// Package observability holds the Prometheus metrics exported by the
// engine. Metrics are registered at package init via promauto.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsStarted counts script executions by trigger source.
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptherd_executions_started_total",
		Help: "Total script executions started",
	}, []string{"triggered_by"})

	// ExecutionsFinished counts finished executions by terminal status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptherd_executions_finished_total",
		Help: "Total script executions finished",
	}, []string{"status"})

	// ExecutionDuration tracks wall-clock execution time per run.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scriptherd_execution_duration_seconds",
		Help:    "Script execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// AdmissionDenied counts jobs turned away at the concurrency gate.
	AdmissionDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scriptherd_admission_denied_total",
		Help: "Jobs denied admission because the concurrency limit was reached",
	})

	// AdmissionInFlight tracks the current global in-flight execution count.
	AdmissionInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptherd_admission_in_flight",
		Help: "Current number of admitted in-flight executions",
	})

	// QueueDepth tracks jobs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptherd_queue_depth",
		Help: "Current number of jobs waiting in the queue",
	})

	// SSHConnects counts connection attempts by outcome.
	SSHConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptherd_ssh_connects_total",
		Help: "SSH connection attempts",
	}, []string{"outcome"})

	// SSHPoolSize tracks pooled connections per host.
	SSHPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scriptherd_ssh_pool_size",
		Help: "Pooled SSH connections per host",
	}, []string{"host"})

	// ScheduleFires counts scheduler trigger decisions.
	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptherd_schedule_fires_total",
		Help: "Schedule fire decisions",
	}, []string{"outcome"}) // fired, duplicate_suppressed, error

	// WorkflowRuns counts workflow runs by terminal status.
	WorkflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptherd_workflow_runs_total",
		Help: "Workflow runs by terminal status",
	}, []string{"status"})

	// WorkflowNodeRetries counts node execution retries.
	WorkflowNodeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scriptherd_workflow_node_retries_total",
		Help: "Workflow node execution retries",
	})

	// CoordLatency tracks round-trip latency of coordination calls.
	CoordLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scriptherd_coord_latency_seconds",
		Help:    "Latency of coordination backend operations",
		Buckets: prometheus.DefBuckets,
	})
)
