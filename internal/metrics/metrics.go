package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vidstash"

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Job pipeline
	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	workersBusy    prometheus.Gauge
	jobsStuck      prometheus.Gauge
	trafficBytes   *prometheus.CounterVec
	probeCacheHits *prometheus.CounterVec
	archiveUploads *prometheus.CounterVec

	// Retention sweeps
	reaperRuns    prometheus.Counter
	reaperCleaned prometheus.Counter
	reaperErrors  prometheus.Counter
	reaperOrphans prometheus.Counter

	wsConnections prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestCount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		jobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Download jobs accepted for processing.",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Download jobs that reached a terminal status.",
		}, []string{"status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from worker pickup to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
		workersBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently running a job.",
		}),
		jobsStuck: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_stuck_downloading",
			Help:      "Jobs found in downloading status at startup.",
		}),
		trafficBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_bytes_total",
			Help:      "Bytes recorded in the traffic ledger.",
		}, []string{"direction"}),
		probeCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_cache_requests_total",
			Help:      "Metadata probe cache lookups.",
		}, []string{"result"}),
		archiveUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Archive mirror uploads.",
		}, []string{"result"}),
		reaperRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_runs_total",
			Help:      "Retention sweeps executed.",
		}),
		reaperCleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_cleaned_total",
			Help:      "Expired jobs removed by the retention sweep.",
		}),
		reaperErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_errors_total",
			Help:      "Per-job failures during retention sweeps.",
		}),
		reaperOrphans: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_orphans_total",
			Help:      "Failed-job workspaces reclaimed by the retention sweep.",
		}),
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Open websocket connections.",
		}),
	}
}

var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	endpoint := normalizeEndpoint(path)
	m.requestCount.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// normalizeEndpoint normalizes an endpoint path for metrics (removes IDs)
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (m *Metrics) JobSubmitted() { m.jobsSubmitted.Inc() }

// JobFinished records a terminal transition and how long the worker spent on it.
func (m *Metrics) JobFinished(status string, duration time.Duration) {
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) SetQueueDepth(depth int64) { m.queueDepth.Set(float64(depth)) }

func (m *Metrics) SetWorkersBusy(n int64) { m.workersBusy.Set(float64(n)) }

func (m *Metrics) SetStuckJobs(n int) { m.jobsStuck.Set(float64(n)) }

func (m *Metrics) AddTraffic(direction string, bytes int64) {
	m.trafficBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) ProbeCache(hit bool) {
	if hit {
		m.probeCacheHits.WithLabelValues("hit").Inc()
		return
	}
	m.probeCacheHits.WithLabelValues("miss").Inc()
}

func (m *Metrics) ArchiveUpload(err error) {
	if err != nil {
		m.archiveUploads.WithLabelValues("error").Inc()
		return
	}
	m.archiveUploads.WithLabelValues("ok").Inc()
}

// RecordSweep records the outcome of one retention sweep.
func (m *Metrics) RecordSweep(cleaned, errors, orphans int) {
	m.reaperRuns.Inc()
	m.reaperCleaned.Add(float64(cleaned))
	m.reaperErrors.Add(float64(errors))
	m.reaperOrphans.Add(float64(orphans))
}

func (m *Metrics) IncWSConnections() { m.wsConnections.Inc() }

func (m *Metrics) DecWSConnections() { m.wsConnections.Dec() }

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
