// Package metrics provides Prometheus metrics for the deferral service.
package metrics

import (
	"time"

	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_tasks_submitted_total",
			Help: "Total number of submitted tasks by verdict",
		},
		[]string{"name", "verdict"},
	)
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_decisions_total",
			Help: "Total number of decisions by deciding rule and verdict",
		},
		[]string{"rule", "verdict"},
	)
	Deferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_deferrals_total",
			Help: "Total number of deferrals by reason",
		},
		[]string{"reason"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"name"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_tasks_failed_total",
			Help: "Total number of tasks that failed by error kind",
		},
		[]string{"name", "kind"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deferd_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"name", "status"},
	)
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_persistence_errors_total",
			Help: "Total number of failed audit or state writes by component",
		},
		[]string{"component"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deferd_tasks",
			Help: "Current number of tasks by queue state",
		},
		[]string{"state"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deferd_queue_depth",
			Help: "Current number of task ids waiting in the work queue",
		},
	)
	HostCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deferd_host_cpu_percent",
			Help: "Latest sampled CPU utilization in percent",
		},
	)
	HostMemoryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deferd_host_memory_percent",
			Help: "Latest sampled memory utilization in percent",
		},
	)
	OffPeak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deferd_off_peak",
			Help: "1 when the latest sample fell in an off-peak hour",
		},
	)
	HandlersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deferd_handlers_active",
			Help: "Number of task handlers currently running",
		},
	)
	FeedbackRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_feedback_total",
			Help: "Total number of feedback entries by kind",
		},
		[]string{"kind"},
	)
	PeersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deferd_peers_online",
			Help: "Number of peers currently online",
		},
	)
	Delegations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_delegations_total",
			Help: "Total number of delegation state changes by target status",
		},
		[]string{"status"},
	)
	VotesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_votes_resolved_total",
			Help: "Total number of resolved importance votes by outcome",
		},
		[]string{"status"},
	)
	EnergyUsedWh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_energy_used_wh_total",
			Help: "Energy used by executed tasks in watt-hours",
		},
		[]string{"peer"},
	)
	CarbonEmittedKg = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_carbon_emitted_kg_total",
			Help: "Carbon emitted by executed tasks in kg CO2",
		},
		[]string{"peer"},
	)
	CarbonAvoidedKg = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_carbon_avoided_kg_total",
			Help: "Carbon avoided against the reference intensity in kg CO2",
		},
		[]string{"peer"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deferd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deferd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordSubmission(taskName string, verdict models.Verdict) {
	TasksSubmitted.WithLabelValues(taskName, string(verdict)).Inc()
}

func RecordDecision(rule string, verdict models.Verdict) {
	Decisions.WithLabelValues(rule, string(verdict)).Inc()
	if verdict == models.VerdictDeferred {
		Deferrals.WithLabelValues(rule).Inc()
	}
}

func RecordTaskCompleted(taskName string, duration time.Duration) {
	TasksCompleted.WithLabelValues(taskName).Inc()
	TaskDuration.WithLabelValues(taskName, "completed").Observe(duration.Seconds())
}

func RecordTaskFailed(taskName, kind string, duration time.Duration) {
	TasksFailed.WithLabelValues(taskName, kind).Inc()
	TaskDuration.WithLabelValues(taskName, "failed").Observe(duration.Seconds())
}

func RecordPersistenceError(component string) {
	PersistenceErrors.WithLabelValues(component).Inc()
}

func UpdateQueueCounts(c models.QueueCounts) {
	TasksByStatus.WithLabelValues("pending").Set(float64(c.Pending))
	TasksByStatus.WithLabelValues("active").Set(float64(c.Active))
	TasksByStatus.WithLabelValues("completed").Set(float64(c.Completed))
	TasksByStatus.WithLabelValues("failed").Set(float64(c.Failed))
	TasksByStatus.WithLabelValues("denied").Set(float64(c.Denied))
}

func UpdateQueueDepth(depth int64) {
	QueueDepth.Set(float64(depth))
}

func UpdateHostSample(cpuPercent, memoryPercent float64, offPeak bool) {
	HostCPUPercent.Set(cpuPercent)
	HostMemoryPercent.Set(memoryPercent)
	if offPeak {
		OffPeak.Set(1)
	} else {
		OffPeak.Set(0)
	}
}

func RecordFeedback(kind models.FeedbackKind) {
	FeedbackRecorded.WithLabelValues(string(kind)).Inc()
}

func UpdatePeersOnline(n int) {
	PeersOnline.Set(float64(n))
}

func RecordDelegation(status models.DelegationStatus) {
	Delegations.WithLabelValues(string(status)).Inc()
}

func RecordVoteResolved(status models.VoteStatus) {
	VotesResolved.WithLabelValues(string(status)).Inc()
}

func RecordCarbon(c models.CarbonRecord) {
	EnergyUsedWh.WithLabelValues(c.PeerID).Add(c.EnergyUsedWh)
	CarbonEmittedKg.WithLabelValues(c.PeerID).Add(c.CarbonEmittedKg)
	CarbonAvoidedKg.WithLabelValues(c.PeerID).Add(c.CarbonAvoidedKg)
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
