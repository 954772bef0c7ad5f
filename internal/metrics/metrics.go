// Package metrics holds the optional Prometheus instrumentation for
// the messaging stack. A nil *Metrics is a valid no-op so the core
// dispatcher and server never require a registry to function.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and gauges updated by the dispatcher and
// server. Construct with New and register with a prometheus.Registerer
// of the caller's choosing; pass nil to disable instrumentation.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	MessagesReceived  prometheus.Counter
	MessagesSent      prometheus.Counter
	AuthFailures      prometheus.Counter
	RequestTimeouts   prometheus.Counter
}

// New creates and registers a Metrics instance against reg. If reg is
// nil, the returned Metrics still works but updates are discarded
// (the underlying collectors are simply never scraped).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbm_connections_active",
			Help: "Number of currently connected SBM endpoints.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbm_messages_received_total",
			Help: "Total messages decoded off the wire.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbm_messages_sent_total",
			Help: "Total messages encoded onto the wire.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbm_auth_failures_total",
			Help: "Total failed authentication handshakes.",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbm_request_timeouts_total",
			Help: "Total sendRequest calls that lost the reply race.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.MessagesReceived,
			m.MessagesSent,
			m.AuthFailures,
			m.RequestTimeouts,
		)
	}
	return m
}

// IncConnections/DecConnections etc. are tiny helpers so call sites
// can pass a possibly-nil *Metrics without a nil check at every call.

func (m *Metrics) IncConnections() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) DecConnections() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) IncReceived() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) IncAuthFailures() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}

func (m *Metrics) IncRequestTimeouts() {
	if m != nil {
		m.RequestTimeouts.Inc()
	}
}
