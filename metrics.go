package sase

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	decisionsTotal     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeConns        prometheus.Gauge
	certCacheSize      prometheus.Gauge
	certCacheHits      prometheus.Counter
	certCacheMisses    prometheus.Counter
	policyReplacements prometheus.Counter
	streamSubscribers  prometheus.Gauge
	upstreamErrors     *prometheus.CounterVec
	tlsHandshakeErrs   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sase",
			Name:      "requests_total",
			Help:      "Total number of proxy requests received.",
		}, []string{"method", "scheme"}),

		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sase",
			Name:      "decisions_total",
			Help:      "Total number of policy decisions by action.",
		}, []string{"action"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sase",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream round trip duration in seconds for allowed requests.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sase",
			Name:      "active_connections",
			Help:      "Number of active intercepted connections.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sase",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sase",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sase",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		policyReplacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sase",
			Name:      "policy_replacements_total",
			Help:      "Number of times the policy was replaced.",
		}),

		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sase",
			Name:      "stream_subscribers",
			Help:      "Number of open live log streams.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sase",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sase",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.decisionsTotal,
		m.requestDuration,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.policyReplacements,
		m.streamSubscribers,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a received proxy request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordDecision records one policy decision.
func (m *Metrics) RecordDecision(action Action) {
	m.decisionsTotal.WithLabelValues(string(action)).Inc()
}

// RecordRequestDuration records the upstream round trip of an allowed request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordPolicyReplacement records a policy replacement.
func (m *Metrics) RecordPolicyReplacement() {
	m.policyReplacements.Inc()
}

// IncStreamSubscribers increments the live stream gauge.
func (m *Metrics) IncStreamSubscribers() {
	m.streamSubscribers.Inc()
}

// DecStreamSubscribers decrements the live stream gauge.
func (m *Metrics) DecStreamSubscribers() {
	m.streamSubscribers.Dec()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}
