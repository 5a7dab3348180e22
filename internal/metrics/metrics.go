// Package metrics provides Prometheus instrumentation for the flagwire
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only flagwire metrics appear on the /metrics
// endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flagwire server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CacheSize           *prometheus.GaugeVec
	CacheResyncsTotal   prometheus.Counter
	CacheChangesTotal   prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
	AnalyticsDropsTotal prometheus.Counter
}

// New creates and registers all flagwire metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagwire_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagwire_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagwire_cache_size",
			Help: "Number of flags in the in-memory cache.",
		}, []string{"environment_id"}),

		CacheResyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagwire_cache_resyncs_total",
			Help: "Total number of full environment reloads from the database.",
		}),

		CacheChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagwire_cache_changes_total",
			Help: "Total number of NOTIFY-driven cache changes applied.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagwire_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"reason"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagwire_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagwire_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),

		AnalyticsDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagwire_analytics_drops_total",
			Help: "Total number of evaluation events dropped due to a full buffer.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheSize,
		m.CacheResyncsTotal,
		m.CacheChangesTotal,
		m.EvaluationsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.AnalyticsDropsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// HTTPMiddleware records request count and latency per route pattern. The
// mux pattern is used instead of the raw path so environment and flag keys
// do not explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		if rec.status == 0 {
			status = strconv.Itoa(http.StatusOK)
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// RecordEvaluation increments the evaluation counter for a resolution reason.
func (m *Metrics) RecordEvaluation(reason string) {
	m.EvaluationsTotal.WithLabelValues(reason).Inc()
}

// SetCacheSize updates the cache size gauge for the given environment.
func (m *Metrics) SetCacheSize(environmentID string, size float64) {
	m.CacheSize.WithLabelValues(environmentID).Set(size)
}

// IncCacheResyncs increments the full reload counter.
func (m *Metrics) IncCacheResyncs() {
	m.CacheResyncsTotal.Inc()
}

// IncCacheChanges increments the applied change counter.
func (m *Metrics) IncCacheChanges() {
	m.CacheChangesTotal.Inc()
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// IncActiveStreams records a new SSE streaming connection.
func (m *Metrics) IncActiveStreams() {
	m.ActiveStreams.Inc()
}

// DecActiveStreams records an SSE streaming connection closing.
func (m *Metrics) DecActiveStreams() {
	m.ActiveStreams.Dec()
}

// IncAnalyticsDrops increments the dropped evaluation event counter.
func (m *Metrics) IncAnalyticsDrops() {
	m.AnalyticsDropsTotal.Inc()
}
