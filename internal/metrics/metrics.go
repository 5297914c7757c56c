package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pdfkm_jobs_submitted_total",
			Help: "Total number of extraction jobs submitted",
		},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfkm_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"status"}, // completed, failed
	)

	ChunksResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfkm_chunks_resolved_total",
			Help: "Total number of chunks resolved by the dispatcher",
		},
		[]string{"outcome"}, // success, failed
	)

	ChunkAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfkm_chunk_attempts_total",
			Help: "Total number of chunk request attempts against inference servers",
		},
		[]string{"server", "result"}, // result: "ok" or "error"
	)

	ProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfkm_health_probes_total",
			Help: "Total number of health probe evaluations",
		},
		[]string{"server", "result"},
	)

	// Gauges
	ServersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdfkm_servers_active",
			Help: "Current number of active inference servers",
		},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdfkm_jobs_running",
			Help: "Current number of jobs admitted and processing",
		},
	)

	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdfkm_jobs_queued",
			Help: "Current number of jobs waiting for admission",
		},
	)

	// Histogram for per-chunk request duration
	ChunkDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdfkm_chunk_duration_seconds",
			Help:    "Per-chunk inference request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
		[]string{"server"},
	)
)

// Register initializes all metrics (already done via promauto, but keep for explicit initialization)
func Register() {}
