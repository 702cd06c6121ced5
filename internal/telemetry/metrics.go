package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	PipelineOutcome *prometheus.CounterVec
	HarmDetections  *prometheus.CounterVec
	AccessDenials   *prometheus.CounterVec
	AuditWrites     *prometheus.CounterVec
	Alerts          *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	ShipperDropped  *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		PipelineOutcome: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_pipeline_outcomes_total",
				Help: "Question pipeline results",
			},
			[]string{"endpoint", "outcome"},
		),
		HarmDetections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_harm_detections_total",
				Help: "Harmful content detections by context and severity",
			},
			[]string{"context", "severity"},
		),
		AccessDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_access_denials_total",
				Help: "Authorization denials by internal reason",
			},
			[]string{"reason"},
		),
		AuditWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_audit_writes_total",
				Help: "Audit writes by category and result",
			},
			[]string{"category", "result"},
		),
		Alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_critical_alerts_total",
				Help: "Operator alerts raised",
			},
			[]string{"category"},
		),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_upstream_latency_seconds",
				Help:    "Latency of model and identity provider calls",
				Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"upstream", "success"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		ShipperDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_audit_shipper_dropped_total",
				Help: "Events dropped because the shipper queue was full",
			},
			[]string{"topic"},
		),
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) Outcome(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.PipelineOutcome.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) HarmDetected(contextTag, severity string) {
	if m == nil {
		return
	}
	m.HarmDetections.WithLabelValues(contextTag, severity).Inc()
}

func (m *Metrics) AccessDenied(reason string) {
	if m == nil {
		return
	}
	m.AccessDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuditWrite(category string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AuditWrites.WithLabelValues(category, result).Inc()
}

func (m *Metrics) Alert(category string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(category).Inc()
}

func (m *Metrics) Upstream(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(name, strconv.FormatBool(err == nil)).Observe(d.Seconds())
}

func (m *Metrics) Limited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) Dropped(topic string) {
	if m == nil {
		return
	}
	m.ShipperDropped.WithLabelValues(topic).Inc()
}
