package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	Operations      *prometheus.CounterVec
	Properties      prometheus.Gauge
	Zones           prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	EventsPublished *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates all metrics on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parcelledger_operations_total",
			Help: "Registry operations by name and outcome",
		}, []string{"operation", "outcome"}),
		Properties: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parcelledger_properties",
			Help: "Number of parcels in the registry",
		}),
		Zones: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parcelledger_zones",
			Help: "Number of configured zones",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parcelledger_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parcelledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parcelledger_events_published_total",
			Help: "Domain events by type and outcome",
		}, []string{"type", "outcome"}),
		registry: reg,
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveOperation counts one registry operation.
func (m *Metrics) ObserveOperation(operation, outcome string) {
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

// SetInventory records the current zone and parcel counts.
func (m *Metrics) SetInventory(zones, properties int) {
	m.Zones.Set(float64(zones))
	m.Properties.Set(float64(properties))
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
