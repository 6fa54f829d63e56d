// Package metrics exposes Prometheus instrumentation for the router
// front door. All metrics live in the default registry and are served
// from the router's /metrics endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label names
	LabelModel      = "model"
	LabelEndpoint   = "endpoint"
	LabelStatusCode = "status_code"
	LabelType       = "type"

	// Token type values
	TokenTypeInput  = "input"
	TokenTypeOutput = "output"
)

// Metrics holds the Prometheus collectors for the router.
type Metrics struct {
	RequestsTotal   prometheus.CounterVec
	RequestDuration prometheus.HistogramVec
	TokensTotal     prometheus.CounterVec
	ActiveRequests  prometheus.Gauge
}

// New registers the router collectors with the default registry.
// Call it once per process; Default is the shared instance.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llamactl_router_requests_total",
				Help: "Total number of requests handled by the router",
			},
			[]string{LabelModel, LabelEndpoint, LabelStatusCode},
		),

		RequestDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llamactl_router_request_duration_seconds",
				Help:    "End-to-end request latency distribution",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{LabelModel, LabelEndpoint},
		),

		TokensTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llamactl_router_tokens_total",
				Help: "Total tokens processed, split by input and output",
			},
			[]string{LabelModel, LabelType},
		),

		ActiveRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "llamactl_router_active_requests",
				Help: "Number of in-flight requests being proxied",
			},
		),
	}
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(model, endpoint string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(model, endpoint, code).Inc()
	m.RequestDuration.WithLabelValues(model, endpoint).Observe(duration.Seconds())
}

// RecordTokens records token usage reported by a backend.
func (m *Metrics) RecordTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues(model, TokenTypeInput).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues(model, TokenTypeOutput).Add(float64(outputTokens))
	}
}

// Default is the process-wide metrics instance.
var Default = New()
