package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_submissions_total",
			Help: "Total number of submissions by priority and result",
		},
		[]string{"priority", "result"},
	)

	QueuedPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_queued_publish_failures_total",
			Help: "Queued events that failed to publish at submission time",
		},
	)

	// Task stream metrics
	StreamDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crucible_task_stream_depth",
			Help: "Number of tasks waiting per priority sub-stream",
		},
		[]string{"priority"},
	)

	// Dispatcher metrics
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_dispatch_attempts_total",
			Help: "Dispatch attempts by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_dispatch_retries_total",
			Help: "Total retries across both dispatch phases",
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_dead_letters_total",
			Help: "Tasks moved to the dead-letter store",
		},
	)

	DeadLettersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_dead_letters_dropped_total",
			Help: "Dead-letter records dropped because the FIFO was full",
		},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_dispatch_phase_duration_seconds",
			Help:    "Duration of dispatch phases in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// Allocator metrics
	SandboxesAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_sandboxes_available",
			Help: "Sandbox slots currently available in the pool",
		},
	)

	SandboxClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_sandbox_claims_total",
			Help: "Sandbox claim attempts by outcome (claimed, empty)",
		},
		[]string{"outcome"},
	)

	SandboxReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_sandbox_releases_total",
			Help: "Sandbox releases by outcome (released, double_release, unknown)",
		},
		[]string{"outcome"},
	)

	DoubleReleasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_double_releases_total",
			Help: "Detected double releases of a sandbox slot",
		},
	)

	StaleMarkersReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_stale_markers_reclaimed_total",
			Help: "Busy markers force-released by the pool reconciler",
		},
	)

	LeakedSlotsReseeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_leaked_slots_reseeded_total",
			Help: "Fleet slots re-seeded after their busy marker expired without a release",
		},
	)

	// Monitor metrics
	JobEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_job_events_total",
			Help: "Orchestrator job events observed by type",
		},
		[]string{"type"},
	)

	SequenceGapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_sequence_gaps_total",
			Help: "Per-evaluation sequence gaps released after the gap-wait timeout",
		},
	)

	WatchReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_watch_reconnects_total",
			Help: "Orchestrator watch stream reconnections",
		},
	)

	OrphanJobsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_orphan_jobs_deleted_total",
			Help: "Orchestrator jobs deleted because their evaluation was already terminal",
		},
	)

	// Writer metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_transitions_total",
			Help: "State machine transitions applied by target status",
		},
		[]string{"to"},
	)

	InvalidTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_invalid_transitions_total",
			Help: "Events rejected by the state machine, by from/to pair",
		},
		[]string{"from", "to"},
	)

	EventApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_event_apply_duration_seconds",
			Help:    "Time to apply one lifecycle event to the durable store",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(QueuedPublishFailures)
	prometheus.MustRegister(StreamDepth)
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(DispatchRetries)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(DeadLettersDropped)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(SandboxesAvailable)
	prometheus.MustRegister(SandboxClaimsTotal)
	prometheus.MustRegister(SandboxReleasesTotal)
	prometheus.MustRegister(DoubleReleasesTotal)
	prometheus.MustRegister(StaleMarkersReclaimed)
	prometheus.MustRegister(LeakedSlotsReseeded)
	prometheus.MustRegister(JobEventsTotal)
	prometheus.MustRegister(SequenceGapsTotal)
	prometheus.MustRegister(WatchReconnectsTotal)
	prometheus.MustRegister(OrphanJobsDeleted)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(InvalidTransitionsTotal)
	prometheus.MustRegister(EventApplyDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
