package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Background query task metrics
	TasksSubmittedTotal *prometheus.CounterVec
	TasksFinishedTotal  *prometheus.CounterVec
	TaskRetriesTotal    *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	TasksInFlight       prometheus.Gauge

	// Cache metrics
	CacheHitsTotal    *prometheus.CounterVec
	CacheMissesTotal  *prometheus.CounterVec
	CacheWritesBytes  *prometheus.CounterVec
	CacheAwaitSeconds *prometheus.HistogramVec

	// Visualization metrics
	RenderDuration     *prometheus.HistogramVec
	RenderPendingTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgehealth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgehealth_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "route"},
		),

		TasksSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_tasks_submitted_total",
				Help: "Background query tasks submitted, by outcome of submission",
			},
			[]string{"query", "outcome"},
		),
		TasksFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_tasks_finished_total",
				Help: "Background query tasks that reached a terminal state",
			},
			[]string{"query", "state"},
		),
		TaskRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_task_retries_total",
				Help: "Retried background query task attempts",
			},
			[]string{"query"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgehealth_task_duration_seconds",
				Help:    "Wall time of a background query task including retries",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"query"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgehealth_tasks_in_flight",
				Help: "Background query tasks queued or running",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"layer", "query"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"layer", "query"},
		),
		CacheWritesBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_cache_written_bytes_total",
				Help: "Serialized bytes written to the shared cache",
			},
			[]string{"query"},
		),
		CacheAwaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgehealth_cache_await_seconds",
				Help:    "Time spent waiting for query results to appear in the cache",
				Buckets: []float64{.01, .1, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"query", "result"},
		),

		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgehealth_render_duration_seconds",
				Help:    "Time to aggregate cached data into a figure",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"visualization"},
		),
		RenderPendingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgehealth_render_pending_total",
				Help: "Render requests answered before data was ready",
			},
			[]string{"visualization"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgehealth_db_connections_open",
				Help: "Open connections to the Augur database",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgehealth_db_connections_in_use",
				Help: "Augur database connections currently in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgehealth_db_connections_idle",
				Help: "Idle Augur database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgehealth_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.TasksSubmittedTotal,
		m.TasksFinishedTotal,
		m.TaskRetriesTotal,
		m.TaskDuration,
		m.TasksInFlight,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheWritesBytes,
		m.CacheAwaitSeconds,
		m.RenderDuration,
		m.RenderPendingTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// RecordDBStats copies connection pool statistics into the DB gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel uses the mux route template so ids in paths don't explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
