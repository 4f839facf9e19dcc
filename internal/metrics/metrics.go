package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companion_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	MemoryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_memory_operations_total",
			Help: "Memory manager operations by outcome.",
		},
		[]string{"op", "status"},
	)

	MemoryOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companion_memory_operation_duration_seconds",
			Help:    "Latency of memory manager upstream calls, retries included.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	RetrievalDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_memory_retrieval_degraded_total",
			Help: "Retrievals that fell back to history-only context.",
		},
		[]string{"reason"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_embedding_cache_total",
			Help: "Embedding cache lookups by result.",
		},
		[]string{"result"},
	)

	IngestJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_ingest_jobs_total",
			Help: "Asynchronous ingestion jobs by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MemoryOperationsTotal,
		MemoryOperationDuration,
		RetrievalDegradedTotal,
		EmbeddingCacheTotal,
		IngestJobsTotal,
	)
}

// Status maps an error to the low-cardinality status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
