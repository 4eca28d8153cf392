// Package monitoring exposes Prometheus metrics and notifies operators about
// sync outcomes and sync health.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/bizdir/internal/model"
)

const namespace = "bizdir"

// Metrics holds the service's Prometheus collectors on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	SyncRuns      *prometheus.CounterVec
	SyncRecords   *prometheus.CounterVec
	SyncDuration  prometheus.Histogram
	BatchFailures prometheus.Counter
	QuotaRejected prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route pattern, method and status code.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by terminal status.",
		}, []string{"status"}),
		SyncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records processed by sync stage.",
		}, []string{"stage"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batch_failures_total",
			Help:      "Write or delete batches that failed after all retries.",
		}),
		QuotaRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected because the daily quota was exhausted.",
		}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.SyncRuns, m.SyncRecords, m.SyncDuration, m.BatchFailures,
		m.QuotaRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// ObserveSync records a finished sync run.
func (m *Metrics) ObserveSync(run model.SyncRun) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(string(run.Status)).Inc()
	m.SyncDuration.Observe(run.DurationSecs)
	for stage, n := range map[string]int{
		"fetched":      run.Fetched,
		"normalized":   run.Normalized,
		"skipped":      run.Skipped,
		"written":      run.Written,
		"failed":       run.Failed,
		"deduplicated": run.Deduplicated,
	} {
		m.SyncRecords.WithLabelValues(stage).Add(float64(n))
	}
}

// ObserveBatchFailure counts a batch that exhausted its retries.
func (m *Metrics) ObserveBatchFailure() {
	if m == nil {
		return
	}
	m.BatchFailures.Inc()
}

// ObserveQuotaRejected counts a request refused for quota.
func (m *Metrics) ObserveQuotaRejected() {
	if m == nil {
		return
	}
	m.QuotaRejected.Inc()
}
