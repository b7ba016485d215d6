// Package metrics exposes Prometheus collectors for the corpus pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	jobsTotal            *prometheus.CounterVec
	pagesWrittenTotal    *prometheus.CounterVec
	reconcilePagesTotal  *prometheus.CounterVec
	indexUploadsTotal    *prometheus.CounterVec
	operationWaitSeconds prometheus.Histogram
	indexTasksTotal      *prometheus.CounterVec
	fetchRequestsTotal   *prometheus.CounterVec
	fetchDurationSeconds prometheus.Histogram
	robotsFallbackTotal  prometheus.Counter
	rateLimitDelay       *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// New registers the collectors on reg. A *prometheus.Registry is also used
// as the gatherer behind Handler; any other registerer falls back to the
// default gatherer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		gatherer: prometheus.DefaultGatherer,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecorpus_jobs_total",
			Help: "Jobs sealed, labeled by type and final status.",
		}, []string{"type", "status"}),
		pagesWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecorpus_pages_written_total",
			Help: "Captured pages handled by the write path, labeled by outcome.",
		}, []string{"outcome"}),
		reconcilePagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecorpus_reconcile_pages_total",
			Help: "Pages categorized during reconciliation.",
		}, []string{"category"}),
		indexUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecorpus_index_uploads_total",
			Help: "Index uploads, labeled by result.",
		}, []string{"result"}),
		operationWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitecorpus_index_operation_wait_seconds",
			Help:    "Time spent waiting for an upload operation to settle.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		indexTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecorpus_index_tasks_total",
			Help: "Indexing task hand-offs, labeled by result.",
		}, []string{"result"}),
		fetchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecorpus_fetch_requests_total",
			Help: "Page fetches, labeled by HTTP status code (0 for transport errors).",
		}, []string{"code"}),
		fetchDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitecorpus_fetch_duration_seconds",
			Help:    "Page fetch latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		}),
		robotsFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitecorpus_robots_fallback_total",
			Help: "robots.txt fetches that fell back to allow-all after TLS timeouts.",
		}),
		rateLimitDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitecorpus_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-host rate limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	reg.MustRegister(
		m.jobsTotal,
		m.pagesWrittenTotal,
		m.reconcilePagesTotal,
		m.indexUploadsTotal,
		m.operationWaitSeconds,
		m.indexTasksTotal,
		m.fetchRequestsTotal,
		m.fetchDurationSeconds,
		m.robotsFallbackTotal,
		m.rateLimitDelay,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// Handler exposes the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveJob counts a sealed job.
func (m *Metrics) ObserveJob(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObservePageWrite counts a write-path outcome.
func (m *Metrics) ObservePageWrite(outcome string) {
	if m == nil {
		return
	}
	m.pagesWrittenTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconcileCategory adds n pages to a reconciliation category.
func (m *Metrics) ObserveReconcileCategory(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcilePagesTotal.WithLabelValues(category).Add(float64(n))
}

// ObserveUpload counts an upload result and how long its operation took.
func (m *Metrics) ObserveUpload(result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.indexUploadsTotal.WithLabelValues(result).Inc()
	if wait > 0 {
		m.operationWaitSeconds.Observe(wait.Seconds())
	}
}

// ObserveIndexTask counts an indexing hand-off result.
func (m *Metrics) ObserveIndexTask(result string) {
	if m == nil {
		return
	}
	m.indexTasksTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records one page fetch.
func (m *Metrics) ObserveFetch(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.fetchDurationSeconds.Observe(d.Seconds())
}

// ObserveRobotsFallback counts an allow-all robots.txt fallback.
func (m *Metrics) ObserveRobotsFallback() {
	if m == nil {
		return
	}
	m.robotsFallbackTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (m *Metrics) ObserveRateLimitDelay(host string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitDelay.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest records one API request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
