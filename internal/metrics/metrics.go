package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the acquisition engine.
type Metrics struct {
	JobsCreated   prometheus.Counter
	DedupHits     prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	Replacements  prometheus.Counter

	BatchesOpened    prometheus.Counter
	BatchesCancelled prometheus.Counter

	QueueDepth    prometheus.Gauge
	FetchDuration prometheus.Histogram
	FetchRetries  prometheus.Counter

	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_jobs_created_total",
			Help: "Total number of download jobs created",
		}),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_jobs_dedup_hits_total",
			Help: "Total intake requests resolved to an existing active job",
		}),
		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_jobs_completed_total",
			Help: "Total number of download jobs that completed",
		}),
		JobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_jobs_failed_total",
			Help: "Total number of download jobs that failed",
		}),
		Replacements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_replacement_jobs_total",
			Help: "Total replacement jobs enqueued after exhausted originals",
		}),
		BatchesOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_batches_opened_total",
			Help: "Total discovery batches opened",
		}),
		BatchesCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_batches_cancelled_total",
			Help: "Total discovery batches cancelled",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harmonia_queue_depth",
			Help: "Current number of jobs waiting in the worker queue",
		}),
		FetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "harmonia_fetch_duration_seconds",
			Help:    "Candidate fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FetchRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_fetch_retries_total",
			Help: "Total transient fetch retries across all jobs",
		}),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harmonia_http_requests_total",
				Help: "Total HTTP requests by method, endpoint and status",
			},
			[]string{"method", "endpoint", "status"},
		),
	}
}
