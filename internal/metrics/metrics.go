// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. Completions run far longer than
// typical API calls, hence the long tail.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ProxyErrors    *prometheus.CounterVec
	RelayedBytes   *prometheus.CounterVec
	StreamFailures *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_http_requests_total",
			Help: "Total inbound HTTP requests by selected provider.",
		}, []string{"method", "status_code", "path_prefix", "provider"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including the full relayed stream.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix", "provider"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_gateway_upstream_time_to_headers_seconds",
			Help:    "Time from dispatching the upstream call to receiving its response headers.",
			Buckets: defaultBuckets,
		}, []string{"provider", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_upstream_responses_total",
			Help: "Total upstream responses by provider and status code.",
		}, []string{"provider", "status_code"}),

		ProxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_proxy_errors_total",
			Help: "Gateway failures by provider and error kind.",
		}, []string{"provider", "kind"}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_relayed_bytes_total",
			Help: "Response body bytes relayed to callers.",
		}, []string{"provider"}),

		StreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_stream_failures_total",
			Help: "Responses truncated after the first byte was relayed, by side that failed.",
		}, []string{"provider", "side"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ProxyErrors,
		m.RelayedBytes,
		m.StreamFailures,
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
// More specific prefixes come first.
var knownPrefixes = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/embeddings",
	"/v1/images",
	"/v1/messages",
	"/v1",
	"/healthz",
	"/gateway/status",
	"/metrics",
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
