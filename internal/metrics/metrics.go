// Package metrics defines the engine's Prometheus collectors. All
// collectors register on the default registry via promauto and are
// served from the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan run metrics.
var (
	ScanRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_scan_runs_total",
		Help: "Scan runs by kind and terminal status",
	}, []string{"kind", "status"})

	ScanRunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_scan_runs_active",
		Help: "Scan runs currently executing in this process",
	})

	ScanRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_scan_run_duration_seconds",
		Help:    "Wall time of terminal scan runs",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"kind", "status"})

	ScanWaveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_scan_current_wave",
		Help: "Wave index each active run is executing",
	}, []string{"run_id"})
)

// Job metrics.
var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_jobs_total",
		Help: "Stage jobs by stage and terminal status",
	}, []string{"stage", "status"})

	JobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_job_retries_total",
		Help: "Retry attempts by stage",
	}, []string{"stage"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_job_duration_seconds",
		Help:    "Wall time of stage job attempts",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"stage"})
)

// Worker pool metrics.
var (
	PoolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_pool_workers",
		Help: "Workers currently alive in the pool",
	})

	PoolRunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_pool_running_tasks",
		Help: "Tasks currently executing",
	})

	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_pool_queue_depth",
		Help: "Tasks waiting for a worker",
	})

	PoolPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_pool_panics_total",
		Help: "Panics recovered at the pool boundary",
	})
)

// Output stream metrics.
var (
	ChunksEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_output_chunks_total",
		Help: "Output chunks emitted by kind",
	}, []string{"kind"})

	ChunkPublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_chunk_publish_duration_seconds",
		Help:    "Time to fan a chunk out to all sinks",
		Buckets: prometheus.DefBuckets,
	})
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// WebSocket metrics.
var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_ws_connections",
		Help: "Open websocket connections",
	})

	WSMessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ws_messages_sent_total",
		Help: "Messages pushed to websocket subscribers",
	})
)

// Background job metrics.
var (
	BackgroundTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_background_tasks_total",
		Help: "Asynq task executions by type and outcome",
	}, []string{"type", "outcome"})
)
