// Package metrics holds the Prometheus instrumentation for the rail server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full rail metric set, registered on construction.
type Metrics struct {
	ConnectedClients   prometheus.Gauge
	ConnectedObservers prometheus.Gauge
	Coherence          prometheus.Gauge
	Coupling           prometheus.Gauge

	MessagesProcessed *prometheus.CounterVec
	BroadcastsSent    prometheus.Counter
	QueueDepth        prometheus.Gauge

	AuthFailures   prometheus.Counter
	FirewallBlocks prometheus.Counter
	RateViolations prometheus.Counter

	RoutingDuration prometheus.Histogram
	TickDuration    prometheus.Histogram
}

// New registers the rail metrics on a fresh registry and returns both.
// Keeping the registry local lets tests construct metrics repeatedly without
// duplicate-registration panics.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rail_connected_clients",
			Help: "Currently connected authenticated clients",
		}),
		ConnectedObservers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rail_connected_observers",
			Help: "Currently connected observer clients",
		}),
		Coherence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rail_coherence",
			Help: "Global Kuramoto order parameter r",
		}),
		Coupling: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rail_coupling",
			Help: "Current adaptive coupling constant K",
		}),
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rail_messages_processed_total",
			Help: "Messages dispatched, by envelope type",
		}, []string{"type"}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "rail_broadcasts_sent_total",
			Help: "Broadcast envelopes emitted on the fan-out sink",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rail_pause_queue_depth",
			Help: "Messages held in the pause queue",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rail_auth_failures_total",
			Help: "Authentication failures across all factors",
		}),
		FirewallBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rail_firewall_blocks_total",
			Help: "Payloads blocked by the injection guard",
		}),
		RateViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "rail_rate_violations_total",
			Help: "Sliding-window rate limit violations",
		}),
		RoutingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rail_routing_duration_seconds",
			Help:    "Thermodynamic routing decision latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rail_tick_duration_seconds",
			Help:    "Kuramoto tick latency",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1},
		}),
	}
	return m, reg
}
