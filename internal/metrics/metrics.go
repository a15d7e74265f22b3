// Package metrics holds the Prometheus collectors for the generation
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omniai"

type Metrics struct {
	registry *prometheus.Registry

	generations    *prometheus.CounterVec
	active         prometheus.Gauge
	streamEvents   *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	probes         *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by terminal status.",
		}, []string{"status"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_active",
			Help:      "Generations currently streaming.",
		}),
		streamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "SSE events written to clients by event type.",
		}, []string{"type"}),
		providerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider failures by error code.",
		}, []string{"code"}),
		probes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_probe_seconds",
			Help:      "Duration of provider model listing probes.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2.5, 5},
		}, []string{"provider"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) GenerationStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// GenerationFinished records the terminal status of a generation that was
// counted by GenerationStarted.
func (m *Metrics) GenerationFinished(status string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.generations.WithLabelValues(status).Inc()
}

// GenerationRejected records a generation that failed before it started.
func (m *Metrics) GenerationRejected() {
	if m == nil {
		return
	}
	m.generations.WithLabelValues("error").Inc()
}

func (m *Metrics) StreamEvent(event string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ProviderError(code string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(code).Inc()
}

// ObserveProbe implements provider.ProbeObserver.
func (m *Metrics) ObserveProbe(providerID string, d time.Duration, _ bool) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(providerID).Observe(d.Seconds())
}
