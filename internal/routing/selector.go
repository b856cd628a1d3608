package routing

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
)

// Strategy names a selection algorithm.
type Strategy string

// Strategies.
const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	HealthBased        Strategy = "health_based"
	Random             Strategy = "random"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	ResponseTime       Strategy = "response_time"
)

// AllStrategies lists every strategy in a stable order.
var AllStrategies = []Strategy{RoundRobin, LeastConnections, HealthBased, Random, WeightedRoundRobin, ResponseTime}

// unmeasuredLatency stands in for the mean latency of an agent that has not
// completed a timed substream yet. Seconds.
const unmeasuredLatency = 1.0

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Valid reports whether s is one of AllStrategies.
func (s Strategy) Valid() bool {
	for _, known := range AllStrategies {
		if s == known {
			return true
		}
	}
	return false
}

// SelectionStats counts selection outcomes.
type SelectionStats struct {
	Total      uint64              `json:"total"`
	Successful uint64              `json:"successful"`
	Failed     uint64              `json:"failed"`
	Pinned     uint64              `json:"pinned"`
	ByStrategy map[Strategy]uint64 `json:"by_strategy"`
}

// Selector picks one agent from a set of RouteStates. It is safe for
// concurrent use.
type Selector struct {
	mu      sync.Mutex
	rrNext  uint64
	wrrNext uint64
	intn    func(int) int
	stats   SelectionStats
}

// NewSelector creates a selector using the global random source.
func NewSelector() *Selector {
	return &Selector{
		intn:  rand.Intn,
		stats: SelectionStats{ByStrategy: make(map[Strategy]uint64)},
	}
}

// Select returns the id of the agent that should carry the next substream.
//
// A pinned agent present in states is returned unconditionally, bypassing the
// breaker and capacity filters. Otherwise agents with an Open breaker or no
// free slot are dropped; HalfOpen agents are only considered when no Closed
// agent is left. A strategy outside AllStrategies fails with
// ErrUnknownStrategy.
func (s *Selector) Select(strategy Strategy, states []RouteState, pinned string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Total++

	if !strategy.Valid() {
		s.stats.Failed++
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	if pinned != "" {
		for _, st := range states {
			if st.AgentID == pinned {
				s.stats.Successful++
				s.stats.Pinned++
				return pinned, nil
			}
		}
	}

	eligible := filterEligible(states)
	if len(eligible) == 0 {
		s.stats.Failed++
		return "", ErrNoAgentAvailable
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].AgentID < eligible[j].AgentID })

	var picked RouteState
	switch strategy {
	case LeastConnections:
		picked = s.leastConnections(eligible)
	case HealthBased:
		picked = s.healthBased(eligible)
	case Random:
		picked = s.random(eligible)
	case WeightedRoundRobin:
		picked = s.weightedRoundRobin(eligible)
	case ResponseTime:
		picked = s.responseTime(eligible)
	default:
		picked = s.roundRobin(eligible)
	}

	s.stats.Successful++
	s.stats.ByStrategy[strategy]++
	return picked.AgentID, nil
}

func filterEligible(states []RouteState) []RouteState {
	var closed, halfOpen []RouteState
	for _, st := range states {
		if st.Connections >= st.MaxConnections {
			continue
		}
		switch st.Breaker {
		case BreakerClosed:
			closed = append(closed, st)
		case BreakerHalfOpen:
			halfOpen = append(halfOpen, st)
		}
	}
	if len(closed) > 0 {
		return closed
	}
	return halfOpen
}

func (s *Selector) roundRobin(eligible []RouteState) RouteState {
	picked := eligible[s.rrNext%uint64(len(eligible))]
	s.rrNext++
	return picked
}

// leastConnections relies on eligible being sorted by id for tie breaking.
func (s *Selector) leastConnections(eligible []RouteState) RouteState {
	best := eligible[0]
	for _, st := range eligible[1:] {
		if st.Connections < best.Connections {
			best = st
		}
	}
	return best
}

func (s *Selector) healthBased(eligible []RouteState) RouteState {
	best := eligible[0]
	for _, st := range eligible[1:] {
		if st.HealthScore > best.HealthScore {
			best = st
		}
	}
	return best
}

func (s *Selector) responseTime(eligible []RouteState) RouteState {
	best, bestLatency := eligible[0], effectiveLatency(eligible[0])
	for _, st := range eligible[1:] {
		if l := effectiveLatency(st); l < bestLatency {
			best, bestLatency = st, l
		}
	}
	return best
}

func effectiveLatency(st RouteState) float64 {
	if st.MeanLatency <= 0 {
		return unmeasuredLatency
	}
	return st.MeanLatency
}

func (s *Selector) random(eligible []RouteState) RouteState {
	return eligible[s.intn(len(eligible))]
}

func (s *Selector) weightedRoundRobin(eligible []RouteState) RouteState {
	var pool []int
	for i, st := range eligible {
		w := st.Weight
		if w < 1 {
			w = 1
		}
		for j := 0; j < w; j++ {
			pool = append(pool, i)
		}
	}
	picked := eligible[pool[s.wrrNext%uint64(len(pool))]]
	s.wrrNext++
	return picked
}

// Stats returns a copy of the selection counters.
func (s *Selector) Stats() SelectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.ByStrategy = make(map[Strategy]uint64, len(s.stats.ByStrategy))
	for k, v := range s.stats.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}
