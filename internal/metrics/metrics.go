// Package metrics exposes the daemon's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument registered by the daemon. A dedicated
// registry keeps tests isolated from the global default.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed  *prometheus.CounterVec
	EventsSuppressed prometheus.Counter
	SummariesEmitted prometheus.Counter
	EventsDropped    prometheus.Counter

	AgentBatches    prometheus.Counter
	AgentDuplicates prometheus.Counter
	AgentRejected   prometheus.Counter

	BaselineSize *prometheus.GaugeVec
	Subscribers  prometheus.Gauge
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hackstone_events_processed_total",
			Help: "Events committed to history, by type and source.",
		}, []string{"type", "source"}),
		EventsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hackstone_events_suppressed_total",
			Help: "Events withheld by burst suppression.",
		}),
		SummariesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hackstone_suppression_summaries_total",
			Help: "Summary events synthesized after suppressed bursts.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hackstone_ingest_dropped_total",
			Help: "Agent events dropped from a full ingestion buffer.",
		}),
		AgentBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hackstone_agent_batches_total",
			Help: "Accepted agent submission batches.",
		}),
		AgentDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hackstone_agent_duplicates_total",
			Help: "Agent events skipped by the idempotency cache.",
		}),
		AgentRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hackstone_agent_rejected_total",
			Help: "Agent submission batches rejected by validation.",
		}),
		BaselineSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hackstone_baseline_entries",
			Help: "Baseline entries per scope.",
		}, []string{"scope"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hackstone_stream_subscribers",
			Help: "Live event stream subscribers.",
		}),
	}

	m.registry.MustRegister(
		m.EventsProcessed, m.EventsSuppressed, m.SummariesEmitted,
		m.EventsDropped, m.AgentBatches, m.AgentDuplicates, m.AgentRejected,
		m.BaselineSize, m.Subscribers,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
