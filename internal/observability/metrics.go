// Package observability declares the process-wide Prometheus collectors.
// Everything registers through promauto on the default registry; the HTTP
// server exposes it at /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksClaimed counts successful claims by outcome of the claim call.
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppel_tasks_claimed_total",
		Help: "Total number of tasks successfully claimed by workers",
	})

	// ClaimConflicts counts claim transactions lost to another worker.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppel_claim_conflicts_total",
		Help: "Total number of task claim attempts lost to contention",
	})

	// TasksReleased counts claim releases by reason.
	TasksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppel_tasks_released_total",
		Help: "Total number of task claim releases",
	}, []string{"reason"})

	// WorkerIterations counts completed iterations across all workers.
	WorkerIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppel_worker_iterations_total",
		Help: "Total number of worker iterations executed",
	})

	// RunningWorkers tracks drivers currently alive in this process.
	RunningWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doppel_running_workers",
		Help: "Number of worker drivers currently running",
	})

	// AgentInvocations counts external agent calls by result status.
	AgentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppel_agent_invocations_total",
		Help: "Total number of external agent invocations",
	}, []string{"status"})

	// AgentCostUSD accumulates reported agent spend.
	AgentCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppel_agent_cost_usd_total",
		Help: "Accumulated agent cost in USD as reported by the agent",
	})

	// AgentDuration observes wall time per agent invocation.
	AgentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "doppel_agent_invocation_seconds",
		Help:    "External agent invocation duration",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// EscalationsOpen tracks pending escalations fleet-wide.
	EscalationsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doppel_escalations_open",
		Help: "Number of escalations currently pending a human answer",
	})

	// AlertsActive tracks active supervisor alerts by type.
	AlertsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doppel_alerts_active",
		Help: "Number of active supervisor alerts",
	}, []string{"type"})

	// JobsProcessed counts background jobs by terminal status.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doppel_jobs_processed_total",
		Help: "Total number of background jobs finished",
	}, []string{"job_type", "status"})

	// CompactionRuns counts progress-log compactions.
	CompactionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppel_compaction_runs_total",
		Help: "Total number of progress log compactions",
	})

	// SupervisorSweeps counts supervisor ticks.
	SupervisorSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppel_supervisor_sweeps_total",
		Help: "Total number of supervisor sweep iterations",
	})

	// ReclaimedTasks counts claims released by the reclaim sweep.
	ReclaimedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doppel_reclaimed_tasks_total",
		Help: "Total number of task claims reclaimed from dead workers",
	})

	// HTTPDuration observes request latency by route pattern and code.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doppel_http_request_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)
