// Package routing decides which agent carries a new substream. It keeps the
// per-agent health and circuit breaker state and implements the selection
// strategies.
package routing

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAdmissionDenied is returned by Acquire when the agent is at its
	// connection cap.
	ErrAdmissionDenied = errors.New("admission denied: agent at capacity")

	// ErrNoAgentAvailable is returned when no agent passes the health and
	// capacity filters.
	ErrNoAgentAvailable = errors.New("no agent available")

	// ErrUnknownAgent is returned for an agent the tracker does not know.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownStrategy is returned by ParseStrategy.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// BreakerState is the circuit breaker position of one agent.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *BreakerState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = BreakerClosed
	case "open":
		*s = BreakerOpen
	case "half_open":
		*s = BreakerHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

// Health score bounds and latency penalty thresholds. Latencies are in seconds.
const (
	MaxHealthScore = 100
	MinHealthScore = 0

	slowLatency        = 2.0
	verySlowLatency    = 5.0
	slowLatencyPenalty = 20
	verySlowPenalty    = 30
)

// routeState is the mutable per-agent record guarded by the Tracker's lock.
type routeState struct {
	agentID        string
	generation     uint64
	connections    int
	maxConnections int
	weight         int

	healthScore         int
	latencies           []float64
	latencyNext         int
	breaker             BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time

	successes uint64
	failures  uint64
}

func (st *routeState) recordLatency(seconds float64, window int) {
	if len(st.latencies) < window {
		st.latencies = append(st.latencies, seconds)
		return
	}
	st.latencies[st.latencyNext] = seconds
	st.latencyNext = (st.latencyNext + 1) % window
}

func (st *routeState) meanLatency() float64 {
	if len(st.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, l := range st.latencies {
		sum += l
	}
	return sum / float64(len(st.latencies))
}

func (st *routeState) applyLatencyPenalty() {
	switch mean := st.meanLatency(); {
	case mean > verySlowLatency:
		st.adjustScore(-verySlowPenalty)
	case mean > slowLatency:
		st.adjustScore(-slowLatencyPenalty)
	}
}

func (st *routeState) adjustScore(delta int) {
	st.healthScore += delta
	if st.healthScore > MaxHealthScore {
		st.healthScore = MaxHealthScore
	}
	if st.healthScore < MinHealthScore {
		st.healthScore = MinHealthScore
	}
}

// RouteState is a point-in-time copy of one agent's routing record.
type RouteState struct {
	AgentID             string       `json:"agent_id"`
	Generation          uint64       `json:"generation"`
	Connections         int          `json:"connections"`
	MaxConnections      int          `json:"max_connections"`
	Weight              int          `json:"weight"`
	HealthScore         int          `json:"health_score"`
	MeanLatency         float64      `json:"mean_latency_seconds"`
	Breaker             BreakerState `json:"breaker_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	Successes           uint64       `json:"successes"`
	Failures            uint64       `json:"failures"`
}

func (st *routeState) snapshot() RouteState {
	return RouteState{
		AgentID:             st.agentID,
		Generation:          st.generation,
		Connections:         st.connections,
		MaxConnections:      st.maxConnections,
		Weight:              st.weight,
		HealthScore:         st.healthScore,
		MeanLatency:         st.meanLatency(),
		Breaker:             st.breaker,
		ConsecutiveFailures: st.consecutiveFailures,
		LastFailureAt:       st.lastFailureAt,
		Successes:           st.successes,
		Failures:            st.failures,
	}
}
