// Package metrics exposes Prometheus collectors for the frontier and the worker pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the crawler updates.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	urlsDiscovered  prometheus.Counter
	urlsCompleted   prometheus.Counter
	urlsFiltered    prometheus.Counter
	anomalies       *prometheus.CounterVec
	pending         prometheus.Gauge
	inFlight        prometheus.Gauge
	ledgerSize      prometheus.Gauge
	cooldownWaits   prometheus.Histogram
	fetches         *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	workerErrors    *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	activeWorkers   prometheus.Gauge
	statsFlushes    *prometheus.CounterVec
	pagesTokenCount prometheus.Histogram
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		urlsDiscovered: f.NewCounter(prometheus.CounterOpts{
			Name: "crawler_urls_discovered_total",
			Help: "Total number of URLs added to the ledger.",
		}),
		urlsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "crawler_urls_completed_total",
			Help: "Total number of ledger records marked completed.",
		}),
		urlsFiltered: f.NewCounter(prometheus.CounterOpts{
			Name: "crawler_urls_filtered_total",
			Help: "Total number of entries appended to the filtered-URL journal.",
		}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_frontier_anomalies_total",
			Help: "Frontier invariant violations observed, labeled by kind.",
		}, []string{"kind"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_frontier_pending",
			Help: "URLs waiting in the frontier queue.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_frontier_in_flight",
			Help: "URLs handed to workers and not yet reported back.",
		}),
		ledgerSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_ledger_records",
			Help: "Number of records in the durable URL ledger.",
		}),
		cooldownWaits: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_cooldown_wait_seconds",
			Help:    "Time TakeNext spent waiting for a host cooldown or new work.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetches_total",
			Help: "Total number of fetches, labeled by status class.",
		}, []string{"class"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		workerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_worker_errors_total",
			Help: "Errors surfaced to the worker loop, labeled by category.",
		}, []string{"category"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_rejections_total",
			Help: "URLs rejected by policy or content checks, labeled by category.",
		}, []string{"category"}),
		activeWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of worker loops currently running.",
		}),
		statsFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_stats_flushes_total",
			Help: "Statistics flushes, labeled by result.",
		}, []string{"result"}),
		pagesTokenCount: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_page_tokens",
			Help:    "Number of statistics tokens extracted per valid page.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 7),
		}),
	}
}

// Handler returns an http.Handler serving this registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StatusClass buckets an HTTP status code; codes >= 600 are transport failures
func StatusClass(status int) string {
	switch {
	case status >= 600:
		return "transport"
	case status >= 100 && status < 600:
		return strconv.Itoa(status/100) + "xx"
	}
	return "unknown"
}

func (m *Metrics) URLDiscovered() {
	if m != nil {
		m.urlsDiscovered.Inc()
	}
}

func (m *Metrics) URLCompleted() {
	if m != nil {
		m.urlsCompleted.Inc()
	}
}

func (m *Metrics) URLFiltered() {
	if m != nil {
		m.urlsFiltered.Inc()
	}
}

// Anomaly counts one invariant violation of the given kind
func (m *Metrics) Anomaly(kind string) {
	if m != nil {
		m.anomalies.WithLabelValues(kind).Inc()
	}
}

// SetFrontier publishes the frontier gauges
func (m *Metrics) SetFrontier(pending, inFlight, ledger int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.inFlight.Set(float64(inFlight))
	m.ledgerSize.Set(float64(ledger))
}

func (m *Metrics) CooldownWait(d time.Duration) {
	if m != nil {
		m.cooldownWaits.Observe(d.Seconds())
	}
}

// Fetch records one fetch outcome and its latency
func (m *Metrics) Fetch(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(StatusClass(status)).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

// WorkerError counts an error by its utils.CategorizeError category
func (m *Metrics) WorkerError(category string) {
	if m != nil {
		m.workerErrors.WithLabelValues(category).Inc()
	}
}

// Rejection counts a policy or content rejection by its utils.CategorizeError category
func (m *Metrics) Rejection(category string) {
	if m != nil {
		m.rejections.WithLabelValues(category).Inc()
	}
}

func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.activeWorkers.Inc()
	}
}

func (m *Metrics) WorkerStopped() {
	if m != nil {
		m.activeWorkers.Dec()
	}
}

// StatsFlush counts a statistics flush
func (m *Metrics) StatsFlush(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.statsFlushes.WithLabelValues(result).Inc()
}

func (m *Metrics) PageTokens(n int) {
	if m != nil {
		m.pagesTokenCount.Observe(float64(n))
	}
}
