package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_enqueued_total", Help: "Total export jobs enqueued"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_claimed_total", Help: "Jobs claimed into PROCESSING"})
	ClaimConflicts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_claim_conflicts_total", Help: "Claims lost to a concurrent claimer"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_failed_total", Help: "Jobs terminally failed"})
	JobsCancelled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_cancelled_total", Help: "Jobs cancelled"})
	DependentsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_dependents_created_total", Help: "Dependent jobs created by dependency rules"})
	ChunkRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_chunk_retries_total", Help: "Chunk fetch/mask/write attempts retried"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	QueuedDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "export_queued_depth", Help: "Jobs currently QUEUED"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "export_jobs_inflight", Help: "Jobs currently held by a worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			ClaimConflicts,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			DependentsCreated,
			ChunkRetries,
			RateLimitRejects,
			QueuedDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
