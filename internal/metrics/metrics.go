// Package metrics provides Prometheus metrics for the tunnel broker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tunnel_broker"
)

// Directions for byte counters.
const (
	DirectionUpstream   = "upstream"   // client -> agent
	DirectionDownstream = "downstream" // agent -> client
)

// Metrics holds every collector the broker exports. All Record methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	// Agent metrics
	AgentsConnected    prometheus.Gauge
	AgentRegistrations prometheus.Counter
	AgentEvictions     prometheus.Counter
	AgentRejections    *prometheus.CounterVec
	AuthFailures       prometheus.Counter
	HeartbeatTimeouts  prometheus.Counter
	HeartbeatRTT       prometheus.Histogram

	// Substream metrics
	SubstreamsActive   prometheus.Gauge
	SubstreamsOpened   *prometheus.CounterVec
	SubstreamsClosed   *prometheus.CounterVec
	SubstreamFirstByte prometheus.Histogram
	SubstreamDuration  prometheus.Histogram

	// Data transfer metrics
	BytesRelayed   *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Routing metrics
	Selections         *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec

	// Listener metrics
	ListenerConnections *prometheus.CounterVec
	ListenerRejections  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide instance registered with the default
// Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics registered with prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of currently registered agents",
		}),
		AgentRegistrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_registrations_total",
			Help:      "Total successful agent registrations",
		}),
		AgentEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_evictions_total",
			Help:      "Agent sessions closed because the same agent id reconnected",
		}),
		AgentRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_rejections_total",
			Help:      "Agent connections rejected before registration, by reason",
		}, []string{"reason"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Agent handshakes rejected for a bad token",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Agent sessions closed for missing heartbeats",
		}),
		HeartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Ping to Pong round trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		SubstreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "substreams_active",
			Help:      "Number of currently open substreams",
		}),
		SubstreamsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substreams_opened_total",
			Help:      "Total substreams opened, by listener",
		}, []string{"listener"}),
		SubstreamsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substreams_closed_total",
			Help:      "Total substreams closed, by reason",
		}, []string{"reason"}),
		SubstreamFirstByte: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "substream_first_byte_seconds",
			Help:      "Time from OpenRequest to the first byte returned by the agent",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5, 10},
		}),
		SubstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "substream_duration_seconds",
			Help:      "Lifetime of closed substreams",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes relayed through substreams, by direction",
		}, []string{"direction"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to agent sessions, by type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from agent sessions, by type",
		}, []string{"type"}),

		Selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Agent selections by strategy and result",
		}, []string{"strategy", "result"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes, by target state",
		}, []string{"to"}),

		ListenerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_connections_total",
			Help:      "Client connections accepted, by listener",
		}, []string{"listener"}),
		ListenerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_rejections_total",
			Help:      "Client requests refused without relaying, by listener and reason",
		}, []string{"listener", "reason"}),
	}
}

// RecordAgentRegistered records a successful registration.
func (m *Metrics) RecordAgentRegistered() {
	if m == nil {
		return
	}
	m.AgentsConnected.Inc()
	m.AgentRegistrations.Inc()
}

// RecordAgentRemoved records an agent leaving the registry.
func (m *Metrics) RecordAgentRemoved(evicted bool) {
	if m == nil {
		return
	}
	m.AgentsConnected.Dec()
	if evicted {
		m.AgentEvictions.Inc()
	}
}

// RecordAgentRejected records a connection refused before registration.
func (m *Metrics) RecordAgentRejected(reason string) {
	if m == nil {
		return
	}
	m.AgentRejections.WithLabelValues(reason).Inc()
}

// RecordAuthFailure records a bad token.
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
	m.AgentRejections.WithLabelValues("auth").Inc()
}

// RecordHeartbeatTimeout records a session closed by the liveness monitor.
func (m *Metrics) RecordHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

// RecordHeartbeatRTT observes a ping round trip.
func (m *Metrics) RecordHeartbeatRTT(seconds float64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.HeartbeatRTT.Observe(seconds)
}

// RecordSubstreamOpen records a new substream.
func (m *Metrics) RecordSubstreamOpen(listener string) {
	if m == nil {
		return
	}
	m.SubstreamsActive.Inc()
	m.SubstreamsOpened.WithLabelValues(listener).Inc()
}

// RecordSubstreamClose records a closed substream.
func (m *Metrics) RecordSubstreamClose(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SubstreamsActive.Dec()
	m.SubstreamsClosed.WithLabelValues(reason).Inc()
	m.SubstreamDuration.Observe(durationSeconds)
}

// RecordFirstByte observes substream first-byte latency.
func (m *Metrics) RecordFirstByte(seconds float64) {
	if m == nil {
		return
	}
	m.SubstreamFirstByte.Observe(seconds)
}

// RecordBytes adds relayed payload bytes.
func (m *Metrics) RecordBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordFrameSent counts a frame written to an agent.
func (m *Metrics) RecordFrameSent(frameType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived counts a frame read from an agent.
func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordSelection counts one selection attempt.
func (m *Metrics) RecordSelection(strategy string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "no_agent"
	}
	m.Selections.WithLabelValues(strategy, result).Inc()
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(to).Inc()
}

// RecordListenerConnection counts an accepted client connection.
func (m *Metrics) RecordListenerConnection(listener string) {
	if m == nil {
		return
	}
	m.ListenerConnections.WithLabelValues(listener).Inc()
}

// RecordListenerRejection counts a client request refused without relaying.
func (m *Metrics) RecordListenerRejection(listener, reason string) {
	if m == nil {
		return
	}
	m.ListenerRejections.WithLabelValues(listener, reason).Inc()
}
