package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects server metrics. Counters are kept both as atomics for the
// JSON snapshot at /metricz and in a per-server Prometheus registry served at
// /metrics.
type Metrics struct {
	startTime      time.Time
	requests       atomic.Int64
	serverErrors   atomic.Int64
	clientErrors   atomic.Int64
	updatesApplied atomic.Int64
	updatesSkipped atomic.Int64
	batchesFailed  atomic.Int64

	registry     *prometheus.Registry
	httpRequests *prometheus.CounterVec
	batchUpdates *prometheus.CounterVec
	batchLatency *prometheus.HistogramVec
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Requests       int64   `json:"requests"`
	ServerErrors   int64   `json:"server_errors"`
	ClientErrors   int64   `json:"client_errors"`
	UpdatesApplied int64   `json:"updates_applied"`
	UpdatesSkipped int64   `json:"updates_skipped"`
	BatchesFailed  int64   `json:"batches_failed"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_http_requests_total",
			Help: "HTTP requests by status class",
		}, []string{"class"}),
		batchUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_batch_updates_total",
			Help: "Field updates received in batch upserts by table and result",
		}, []string{"table", "result"}),
		batchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmsync_batch_apply_seconds",
			Help:    "Time to apply one batch upsert",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
	}
	m.registry.MustRegister(
		m.httpRequests,
		m.batchUpdates,
		m.batchLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordStatus classifies a finished response.
func (m *Metrics) RecordStatus(code int) {
	switch {
	case code >= 500:
		m.serverErrors.Add(1)
		m.httpRequests.WithLabelValues("5xx").Inc()
	case code >= 400:
		m.clientErrors.Add(1)
		m.httpRequests.WithLabelValues("4xx").Inc()
	default:
		m.httpRequests.WithLabelValues("2xx").Inc()
	}
}

// RecordBatch records the outcome of one batch upsert.
func (m *Metrics) RecordBatch(table string, applied, skipped int, dur time.Duration) {
	m.updatesApplied.Add(int64(applied))
	m.updatesSkipped.Add(int64(skipped))
	m.batchUpdates.WithLabelValues(table, "applied").Add(float64(applied))
	m.batchUpdates.WithLabelValues(table, "skipped").Add(float64(skipped))
	m.batchLatency.WithLabelValues(table).Observe(dur.Seconds())
}

// RecordBatchFailure records a batch that was rejected or failed to apply.
func (m *Metrics) RecordBatchFailure(table string, updates int) {
	m.batchesFailed.Add(1)
	m.batchUpdates.WithLabelValues(table, "failed").Add(float64(updates))
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
		Requests:       m.requests.Load(),
		ServerErrors:   m.serverErrors.Load(),
		ClientErrors:   m.clientErrors.Load(),
		UpdatesApplied: m.updatesApplied.Load(),
		UpdatesSkipped: m.updatesSkipped.Load(),
		BatchesFailed:  m.batchesFailed.Load(),
	}
}
