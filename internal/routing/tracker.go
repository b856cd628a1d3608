package routing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/tunnel-broker/internal/logging"
)

// Tracker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCoolDown         = 60 * time.Second
	DefaultLatencyWindow    = 100
	DefaultSuccessReward    = 5
	DefaultFailurePenalty   = 20
	DefaultMaxConnections   = 50
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	LatencyWindow    int
	SuccessReward    int
	FailurePenalty   int

	// MaxConnections is the per-agent cap. An agent may announce a lower
	// cap of its own but never a higher one.
	MaxConnections int

	Logger *slog.Logger

	// OnTransition is called with the tracker lock held; it must not call
	// back into the tracker.
	OnTransition func(agentID string, from, to BreakerState)

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Tracker owns the RouteState of every registered agent: admission counters,
// health score and circuit breaker.
type Tracker struct {
	mu      sync.Mutex
	states  map[string]*routeState
	lastGen uint64

	threshold    int
	coolDown     time.Duration
	window       int
	reward       int
	penalty      int
	maxConns     int
	logger       *slog.Logger
	onTransition func(string, BreakerState, BreakerState)
	now          func() time.Time
}

// NewTracker creates an empty tracker. Zero fields take the defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = DefaultLatencyWindow
	}
	if cfg.SuccessReward <= 0 {
		cfg.SuccessReward = DefaultSuccessReward
	}
	if cfg.FailurePenalty <= 0 {
		cfg.FailurePenalty = DefaultFailurePenalty
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		states:       make(map[string]*routeState),
		threshold:    cfg.FailureThreshold,
		coolDown:     cfg.CoolDown,
		window:       cfg.LatencyWindow,
		reward:       cfg.SuccessReward,
		penalty:      cfg.FailurePenalty,
		maxConns:     cfg.MaxConnections,
		logger:       logging.OrNop(cfg.Logger),
		onTransition: cfg.OnTransition,
		now:          cfg.Now,
	}
}

// Add starts tracking an agent with a fresh Closed breaker and full health,
// replacing any earlier record for the same id. weight below 1 becomes 1;
// maxConns outside (0, cap] becomes the cap. It returns the generation of the
// new record.
func (t *Tracker) Add(agentID string, weight, maxConns int) uint64 {
	if weight < 1 {
		weight = 1
	}
	if maxConns <= 0 || maxConns > t.maxConns {
		maxConns = t.maxConns
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastGen++
	t.states[agentID] = &routeState{
		agentID:        agentID,
		generation:     t.lastGen,
		maxConnections: maxConns,
		weight:         weight,
		healthScore:    MaxHealthScore,
		breaker:        BreakerClosed,
	}
	return t.lastGen
}

// Remove stops tracking an agent.
func (t *Tracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, agentID)
}

// Acquire reserves one connection slot on the agent and returns the
// generation of the record it was taken from. The capacity check and the
// increment happen under one lock, so concurrent callers can never push the
// count past the cap.
func (t *Tracker) Acquire(agentID string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[agentID]
	if !ok {
		return 0, ErrUnknownAgent
	}
	if st.connections >= st.maxConnections {
		return 0, ErrAdmissionDenied
	}
	st.connections++
	return st.generation, nil
}

// Release returns a slot taken by Acquire. A slot from an earlier generation
// of the agent's record is dropped: that record was replaced when the agent
// re-registered and the new one starts from zero.
func (t *Tracker) Release(agentID string, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st := t.lookup(agentID, generation); st != nil && st.connections > 0 {
		st.connections--
	}
}

// lookup returns the record for agentID if it is still at generation.
func (t *Tracker) lookup(agentID string, generation uint64) *routeState {
	st, ok := t.states[agentID]
	if !ok || st.generation != generation {
		return nil
	}
	return st
}

// RecordSuccess credits the agent with a completed substream. latency is the
// time to the first response byte; zero means unmeasured. Outcomes for an
// earlier generation are ignored.
func (t *Tracker) RecordSuccess(agentID string, generation uint64, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.lookup(agentID, generation)
	if st == nil {
		return
	}
	t.refresh(st)
	if latency > 0 {
		st.recordLatency(latency.Seconds(), t.window)
	}
	st.applyLatencyPenalty()

	st.successes++
	st.adjustScore(t.reward)
	st.consecutiveFailures = 0
	if st.breaker == BreakerHalfOpen {
		t.transition(st, BreakerClosed)
	}
}

// RecordFailure charges the agent with a failed substream.
func (t *Tracker) RecordFailure(agentID string, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.lookup(agentID, generation)
	if st == nil {
		return
	}
	t.refresh(st)
	st.applyLatencyPenalty()

	st.failures++
	st.consecutiveFailures++
	st.adjustScore(-t.penalty)
	st.lastFailureAt = t.now()

	switch st.breaker {
	case BreakerHalfOpen:
		t.transition(st, BreakerOpen)
	case BreakerClosed:
		if st.consecutiveFailures >= t.threshold {
			t.transition(st, BreakerOpen)
		}
	}
}

// State returns a copy of one agent's record.
func (t *Tracker) State(agentID string) (RouteState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[agentID]
	if !ok {
		return RouteState{}, false
	}
	t.refresh(st)
	return st.snapshot(), true
}

// Snapshot returns copies of every record sorted by agent id. Open breakers
// whose cool-down has elapsed are moved to HalfOpen first.
func (t *Tracker) Snapshot() []RouteState {
	t.mu.Lock()
	out := make([]RouteState, 0, len(t.states))
	for _, st := range t.states {
		t.refresh(st)
		out = append(out, st.snapshot())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// refresh moves an Open breaker to HalfOpen once the cool-down has passed
// without further failures.
func (t *Tracker) refresh(st *routeState) {
	if st.breaker == BreakerOpen && t.now().Sub(st.lastFailureAt) >= t.coolDown {
		t.transition(st, BreakerHalfOpen)
	}
}

func (t *Tracker) transition(st *routeState, to BreakerState) {
	from := st.breaker
	if from == to {
		return
	}
	st.breaker = to
	if to == BreakerClosed {
		st.consecutiveFailures = 0
	}
	t.logger.Info("circuit breaker transition",
		logging.KeyAgentID, st.agentID,
		"from", from.String(),
		"to", to.String(),
		"health_score", st.healthScore)
	if t.onTransition != nil {
		t.onTransition(st.agentID, from, to)
	}
}
