// Package metrics exposes Prometheus collectors for ingestion, storage and
// analytics queries. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	readingsAppended  *prometheus.CounterVec
	readingsRejected  *prometheus.CounterVec
	storeErrors       prometheus.Counter
	queryDuration     *prometheus.HistogramVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	messagesConsumed  prometheus.Counter
	activeConnections prometheus.Gauge
	alertsPublished   *prometheus.CounterVec
	pollFailures      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readings_appended_total",
			Help: "Readings written to the store by source.",
		}, []string{"source"}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readings_rejected_total",
			Help: "Readings rejected by validation, by field.",
		}, []string{"field"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Reading store operations that failed with the store unavailable.",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_query_duration_seconds",
			Help:    "Duration of analytics operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregate_cache_hits_total",
			Help: "Aggregate cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregate_cache_misses_total",
			Help: "Aggregate cache misses.",
		}),
		messagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reading_messages_consumed_total",
			Help: "Reading messages consumed from Kafka.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Sensor connections currently open on the gateway.",
		}),
		alertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_published_total",
			Help: "Alert notifications published by transition type.",
		}, []string{"type"}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_poll_failures_total",
			Help: "Failed weather API polls.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readingsAppended,
		m.readingsRejected,
		m.storeErrors,
		m.queryDuration,
		m.cacheHits,
		m.cacheMisses,
		m.messagesConsumed,
		m.activeConnections,
		m.alertsPublished,
		m.pollFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingAppended(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.readingsAppended.WithLabelValues(source).Inc()
}

func (m *Metrics) ReadingRejected(field string) {
	if m == nil {
		return
	}
	m.readingsRejected.WithLabelValues(field).Inc()
}

func (m *Metrics) StoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) ObserveQuery(op string, started time.Time) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.messagesConsumed.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) AlertPublished(kind string) {
	if m == nil {
		return
	}
	m.alertsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}
