// Package metrics exposes engine counters for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	InboundEvents     *prometheus.CounterVec
	OutboundEvents    *prometheus.CounterVec
	Reconciliations   *prometheus.CounterVec
	RequestTimeouts   *prometheus.CounterVec
	SendFailures      prometheus.Counter
}

// New builds the collectors and registers them on reg. A nil registry
// returns unregistered collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "inbound_events_total",
			Help:      "Events received from the service by type.",
		}, []string{"type"}),
		OutboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "outbound_events_total",
			Help:      "Events emitted to the service by type and result.",
		}, []string{"type", "result"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconciliations_total",
			Help:      "Server messages applied, by outcome (appended, replaced, duplicate, ambiguous).",
		}, []string{"outcome"}),
		RequestTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "request_timeouts_total",
			Help:      "Dispatcher requests that got no response in time.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_failures_total",
			Help:      "Optimistic messages that ended up failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ReconnectAttempts,
			m.InboundEvents,
			m.OutboundEvents,
			m.Reconciliations,
			m.RequestTimeouts,
			m.SendFailures,
		)
	}
	return m
}
