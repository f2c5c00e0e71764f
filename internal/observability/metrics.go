package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the debugger's collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	traceEvents     *prometheus.CounterVec
	attachedTaps    *prometheus.GaugeVec
	correlations    *prometheus.CounterVec
	liveTailClients prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		traceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xmldebugger",
				Subsystem: "trace",
				Name:      "events_total",
				Help:      "Trace events emitted.",
			},
			[]string{"layer", "direction"},
		),
		attachedTaps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "xmldebugger",
				Subsystem: "raw",
				Name:      "attached_taps",
				Help:      "Pipelines currently carrying a raw tap.",
			},
			[]string{"category"},
		),
		correlations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xmldebugger",
				Subsystem: "stanza",
				Name:      "submissions_total",
				Help:      "Operator stanza submissions by outcome.",
			},
			[]string{"outcome"},
		),
		liveTailClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "xmldebugger",
				Subsystem: "livetail",
				Name:      "clients",
				Help:      "Connected live tail clients.",
			},
		),
	}

	m.registry.MustRegister(
		m.traceEvents,
		m.attachedTaps,
		m.correlations,
		m.liveTailClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTraceEvent(layer, direction string) {
	if m == nil {
		return
	}
	m.traceEvents.WithLabelValues(layer, direction).Inc()
}

func (m *Metrics) SetAttachedTaps(category string, n int) {
	if m == nil {
		return
	}
	m.attachedTaps.WithLabelValues(category).Set(float64(n))
}

func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.correlations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetLiveTailClients(n int) {
	if m == nil {
		return
	}
	m.liveTailClients.Set(float64(n))
}
