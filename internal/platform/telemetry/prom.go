package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the operational counters/gauges spec §5's backpressure
// and observability requirements call for ("consumer lag is
// observable for operational alerting") that the OTel-only metric
// pipeline above doesn't cover on its own. Grounded on the pervasive
// Prometheus registries in jordigilh-kubernaut and DataDog-datadog-agent,
// both present in this retrieval pack, wired here as a second,
// scrape-friendly metrics surface alongside OTLP export.
type Metrics struct {
	registry *prometheus.Registry

	IngestDLQTotal        prometheus.Counter
	IngestAuthFailures    prometheus.Counter
	ConsumerPending       *prometheus.GaugeVec
	TransitionsEmitted    *prometheus.CounterVec
	DeliveryAttemptsTotal prometheus.Counter
	DeliverySuccessTotal  prometheus.Counter
	DeliveryDeadTotal     prometheus.Counter
	DeliveryQueueDepth    prometheus.Gauge
}

// NewMetrics builds and registers every gauge/counter the pipeline's
// components report to.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		IngestDLQTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofence_ingest_dlq_total",
			Help: "Total fixes routed to the dead-letter queue at ingest (C1).",
		}),
		IngestAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofence_ingest_auth_failures_total",
			Help: "Total signature/device-resolution failures at ingest (C1).",
		}),
		ConsumerPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geofence_consumer_pending_messages",
			Help: "NumPending reported by each durable pull consumer — a backlog proxy for operational alerting.",
		}, []string{"stream"}),
		TransitionsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geofence_transitions_emitted_total",
			Help: "Total ENTER/EXIT/DWELL transitions emitted by the geofence processor (C3).",
		}, []string{"type"}),
		DeliveryAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofence_delivery_attempts_total",
			Help: "Total webhook delivery attempts made by the worker pool (C7).",
		}),
		DeliverySuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofence_delivery_success_total",
			Help: "Total deliveries that reached status=success.",
		}),
		DeliveryDeadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofence_delivery_dead_total",
			Help: "Total deliveries that reached status=dead (exhausted retries or permanent failure).",
		}),
		DeliveryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofence_delivery_queue_depth",
			Help: "Pending deliveries observed on the most recent poll (C6).",
		}),
	}

	reg.MustRegister(
		m.IngestDLQTotal, m.IngestAuthFailures, m.ConsumerPending,
		m.TransitionsEmitted, m.DeliveryAttemptsTotal, m.DeliverySuccessTotal,
		m.DeliveryDeadTotal, m.DeliveryQueueDepth,
	)
	return m
}

// Handler returns the /metrics scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot flattens the registry's current counters/gauges into a
// map keyed by metric name (plus a sorted label suffix for vectors),
// for embedding in the `/health` response's metrics block — spec §6.
func (m *Metrics) Snapshot() map[string]float64 {
	families, err := m.registry.Gather()
	if err != nil {
		return nil
	}

	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			if labels := metric.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, fmt.Sprintf("%s=%s", l.GetName(), l.GetValue()))
				}
				sort.Strings(parts)
				key = fmt.Sprintf("%s{%s}", key, strings.Join(parts, ","))
			}
			switch {
			case metric.Counter != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.Gauge != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}
