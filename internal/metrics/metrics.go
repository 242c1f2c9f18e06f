// Package metrics provides Prometheus metrics for the handoff layer.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and relay latency.
var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for a coordinator or worker.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight *prometheus.GaugeVec

	HandoffsTotal  *prometheus.CounterVec
	RouteDuration  *prometheus.HistogramVec
	RelayLegs      *prometheus.CounterVec
	SessionsActive *prometheus.GaugeVec
	WorkersReady   prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_http_requests_total",
			Help: "Total inbound HTTP requests, by server.",
		}, []string{"server", "method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"server", "method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "handoff_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed, by server.",
		}, []string{"server"}),

		HandoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_total",
			Help: "Handoffs attempted, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		RouteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_route_duration_seconds",
			Help:    "Time spent resolving a handoff target.",
			Buckets: defaultBuckets,
		}, []string{"strategy"}),

		RelayLegs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_relay_legs_total",
			Help: "Side-channel calls issued, by kind.",
		}, []string{"kind"}),

		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "handoff_sessions_active",
			Help: "Relay sessions currently alive, by side (origin or target).",
		}, []string{"side"}),

		WorkersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "handoff_workers_ready",
			Help: "Workers whose internal server is ready to accept handoffs.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_upstream_request_duration_seconds",
			Help:    "Side-channel call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"path"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_upstream_responses_total",
			Help: "Side-channel responses by path and status code.",
		}, []string{"path", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.HandoffsTotal,
		m.RouteDuration,
		m.RelayLegs,
		m.SessionsActive,
		m.WorkersReady,
		m.UpstreamDuration,
		m.UpstreamResponses,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{
	"/req-start", "/req-continue", "/req-done", "/req-abort", "/response",
	"/healthz", "/cluster", "/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
