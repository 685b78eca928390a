package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	EventsProcessedTotal *prometheus.CounterVec
	BatchSize            prometheus.Histogram
	BatchRejectedTotal   prometheus.Counter
	RateLimitedTotal     prometheus.Counter

	// Event buffer metrics
	BufferSize               *prometheus.GaugeVec
	BufferFlushesTotal       *prometheus.CounterVec
	BufferFlushedRecords     *prometheus.CounterVec
	BufferDroppedRecords     *prometheus.CounterVec
	BufferFlushDuration      *prometheus.HistogramVec

	// Session registry metrics
	RegistryOperationsTotal *prometheus.CounterVec

	// Player upsert queue metrics
	UpsertQueueDepth   prometheus.Gauge
	UpsertDroppedTotal prometheus.Counter
	UpsertFailedTotal  prometheus.Counter

	// Aggregation metrics
	AggregationRunsTotal *prometheus.CounterVec
	AggregationDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mctrack_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mctrack_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mctrack_events_processed_total",
				Help: "Ingestion events processed, by event kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mctrack_batch_size_events",
				Help:    "Number of events per accepted batch request",
				Buckets: []float64{1, 5, 10, 25, 50, 75, 100},
			},
		),
		BatchRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mctrack_batch_rejected_total",
				Help: "Batch requests rejected before processing (over capacity)",
			},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mctrack_rate_limited_total",
				Help: "Requests rejected by the per-key rate limiter",
			},
		),
		BufferSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mctrack_buffer_size_records",
				Help: "Records currently queued in the event buffer",
			},
			[]string{"queue"},
		),
		BufferFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mctrack_buffer_flushes_total",
				Help: "Event buffer flush attempts, by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		BufferFlushedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mctrack_buffer_flushed_records_total",
				Help: "Records durably written by buffer flushes",
			},
			[]string{"queue"},
		),
		BufferDroppedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mctrack_buffer_dropped_records_total",
				Help: "Records dropped after the retained-retry cap was exceeded",
			},
			[]string{"queue"},
		),
		BufferFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mctrack_buffer_flush_duration_seconds",
				Help:    "Event buffer flush duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		RegistryOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mctrack_session_registry_operations_total",
				Help: "Session registry operations, by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		UpsertQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mctrack_player_upsert_queue_depth",
				Help: "Player upserts waiting in the async queue",
			},
		),
		UpsertDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mctrack_player_upserts_dropped_total",
				Help: "Player upserts dropped because the queue was full",
			},
		),
		UpsertFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mctrack_player_upserts_failed_total",
				Help: "Player upserts that failed in the worker",
			},
		),
		AggregationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mctrack_aggregation_runs_total",
				Help: "Aggregation sub-job runs, by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		AggregationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mctrack_aggregation_duration_seconds",
				Help:    "Aggregation sub-job duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"job"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsProcessedTotal,
		m.BatchSize,
		m.BatchRejectedTotal,
		m.RateLimitedTotal,
		m.BufferSize,
		m.BufferFlushesTotal,
		m.BufferFlushedRecords,
		m.BufferDroppedRecords,
		m.BufferFlushDuration,
		m.RegistryOperationsTotal,
		m.UpsertQueueDepth,
		m.UpsertDroppedTotal,
		m.UpsertFailedTotal,
		m.AggregationRunsTotal,
		m.AggregationDuration,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
