package broker

import (
	"sort"
	"time"

	"github.com/postalsys/tunnel-broker/internal/routing"
)

// AgentStatus describes one connected agent.
type AgentStatus struct {
	ID          string             `json:"id"`
	RemoteAddr  string             `json:"remote_addr"`
	ConnectedAt time.Time          `json:"connected_at"`
	LastPong    time.Time          `json:"last_pong,omitempty"`
	RTT         float64            `json:"rtt_seconds"`
	Substreams  int                `json:"substreams"`
	Route       routing.RouteState `json:"route"`
}

// Snapshot is a point-in-time view of the broker for the admin API.
type Snapshot struct {
	Running       bool                   `json:"running"`
	Uptime        float64                `json:"uptime_seconds"`
	StartedAt     time.Time              `json:"started_at"`
	Strategy      routing.Strategy       `json:"strategy"`
	PinnedAgent   string                 `json:"pinned_agent,omitempty"`
	AgentAddress  string                 `json:"agent_address,omitempty"`
	HTTPAddress   string                 `json:"http_address,omitempty"`
	SOCKS5Address string                 `json:"socks5_address,omitempty"`
	Agents        []AgentStatus          `json:"agents"`
	Substreams    int                    `json:"substreams"`
	Selection     routing.SelectionStats `json:"selection"`
	Health        routing.HealthSummary  `json:"health"`
}

// Agents lists connected agents sorted by id.
func (b *Broker) Agents() []AgentStatus {
	agents := b.registry.List()
	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		st := AgentStatus{
			ID:          a.ID,
			RemoteAddr:  a.RemoteAddr,
			ConnectedAt: a.ConnectedAt,
			Substreams:  b.mux.CountForAgent(a),
		}
		if route, ok := b.tracker.State(a.ID); ok {
			st.Route = route
		}
		b.monMu.Lock()
		mon := b.monitors[a]
		b.monMu.Unlock()
		if mon != nil {
			st.LastPong = mon.LastPong()
			st.RTT = mon.RTT().Seconds()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the broker's current state.
func (b *Broker) Snapshot() Snapshot {
	s := Snapshot{
		Running:     b.IsRunning(),
		StartedAt:   b.startedAt,
		Strategy:    b.balancer.Strategy(),
		PinnedAgent: b.balancer.Pinned(),
		Agents:      b.Agents(),
		Substreams:  b.mux.Len(),
		Selection:   b.balancer.Stats(),
		Health:      routing.SummarizeHealth(b.tracker.Snapshot()),
	}
	if !b.startedAt.IsZero() {
		s.Uptime = time.Since(b.startedAt).Seconds()
	}
	if addr := b.AgentAddr(); addr != nil {
		s.AgentAddress = addr.String()
	}
	if addr := b.HTTPAddr(); addr != nil {
		s.HTTPAddress = addr.String()
	}
	if addr := b.SOCKS5Addr(); addr != nil {
		s.SOCKS5Address = addr.String()
	}
	return s
}
