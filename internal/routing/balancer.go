package routing

import "sync"

// Balancer combines the tracker, the selector and the operator controls
// (active strategy and pinned agent) into the single call the listeners use.
type Balancer struct {
	tracker  *Tracker
	selector *Selector

	mu       sync.RWMutex
	strategy Strategy
	pinned   string
}

// NewBalancer creates a balancer over tracker. An empty or unknown strategy
// starts as round robin; callers validate names with ParseStrategy first.
func NewBalancer(tracker *Tracker, strategy Strategy) *Balancer {
	if parsed, err := ParseStrategy(string(strategy)); err == nil {
		strategy = parsed
	} else {
		strategy = RoundRobin
	}
	return &Balancer{
		tracker:  tracker,
		selector: NewSelector(),
		strategy: strategy,
	}
}

// Pick selects an agent for a new substream using the active strategy.
func (b *Balancer) Pick() (string, Strategy, error) {
	b.mu.RLock()
	strategy, pinned := b.strategy, b.pinned
	b.mu.RUnlock()

	id, err := b.selector.Select(strategy, b.tracker.Snapshot(), pinned)
	return id, strategy, err
}

// Strategy returns the active strategy.
func (b *Balancer) Strategy() Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.strategy
}

// SetStrategy switches the active strategy. The name is normalized the way
// ParseStrategy does it.
func (b *Balancer) SetStrategy(s Strategy) error {
	parsed, err := ParseStrategy(string(s))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.strategy = parsed
	b.mu.Unlock()
	return nil
}

// Pinned returns the pinned agent id, or "".
func (b *Balancer) Pinned() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pinned
}

// SetPinned routes every new substream to agentID while it is registered,
// regardless of its health. An empty id clears the override.
func (b *Balancer) SetPinned(agentID string) {
	b.mu.Lock()
	b.pinned = agentID
	b.mu.Unlock()
}

// Tracker returns the underlying tracker.
func (b *Balancer) Tracker() *Tracker {
	return b.tracker
}

// Stats returns the selection counters.
func (b *Balancer) Stats() SelectionStats {
	return b.selector.Stats()
}
