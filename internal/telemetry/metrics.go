package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// Client side.
	BatchesEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_batches_enqueued_total", Help: "Batches accepted by the orchestrator"}, []string{"type", "outcome"})
	TierAttempts    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_tier_attempts_total", Help: "Execution tier attempts by outcome"}, []string{"tier", "outcome"})
	PollOutcomes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_poll_outcomes_total", Help: "Poll loops by final outcome"}, []string{"outcome"})
	CacheLookups    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_artifact_cache_lookups_total", Help: "Artifact cache lookups"}, []string{"result"})
	Notifications   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_notifications_total", Help: "Lifecycle notifications emitted"}, []string{"level"})
	StoreJobs       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_store_jobs", Help: "Jobs retained in the client job store"})

	// Server side.
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_jobs_submitted_total", Help: "Jobs created by the API"})
	DedupeHits       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_jobs_dedupe_hits_total", Help: "Submissions answered with an existing job"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_worker_completed_total", Help: "Jobs completed by workers"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_worker_failed_total", Help: "Jobs failed by workers"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_inflight", Help: "Jobs currently leased"})
)

// Register installs every collector on the default registry. Safe to call repeatedly.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesEnqueued,
			TierAttempts,
			PollOutcomes,
			CacheLookups,
			Notifications,
			StoreJobs,
			EnqueueCounter,
			DedupeHits,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
