// Package registry tracks the agents currently connected to the broker.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/protocol"
)

var (
	// ErrAgentLimitExceeded is returned when registering a new agent id would
	// exceed the configured cap.
	ErrAgentLimitExceeded = errors.New("agent limit exceeded")

	// ErrInvalidAgentID is returned for an empty agent id.
	ErrInvalidAgentID = errors.New("invalid agent id")
)

// DefaultMaxAgents caps concurrently registered agents.
const DefaultMaxAgents = 100

// Session is the agent's transport session as seen by the registry and the
// components that route through it.
type Session interface {
	Send(*protocol.Frame) error
	Close() error
	Done() <-chan struct{}
}

// Status is an agent's registration state.
type Status int32

const (
	StatusActive Status = iota
	StatusOffline
)

func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "offline"
}

// RemoveReason tells OnRemove why an agent left the table.
type RemoveReason string

const (
	ReasonEvicted      RemoveReason = "evicted"
	ReasonDisconnected RemoveReason = "disconnected"
	ReasonShutdown     RemoveReason = "shutdown"
)

// Options carries the capacity hints an agent announced in its Auth frame.
type Options struct {
	Weight         int
	MaxConnections int
	RemoteAddr     string
}

// Agent is one registered agent. The registry owns its lifecycle.
type Agent struct {
	ID             string
	Session        Session
	Weight         int
	MaxConnections int
	RemoteAddr     string
	ConnectedAt    time.Time

	status atomic.Int32
}

// Status returns whether the agent is still registered.
func (a *Agent) Status() Status {
	return Status(a.status.Load())
}

// Config configures a Registry.
type Config struct {
	MaxAgents int
	Logger    *slog.Logger

	// OnRegister runs after an agent is added.
	OnRegister func(*Agent)

	// OnRemove runs after an agent leaves the table, before an evicted
	// agent's session is closed. The multiplexer hooks in here to tear down
	// the agent's substreams.
	OnRemove func(*Agent, RemoveReason)
}

// Registry is the table of connected agents keyed by agent id.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	maxAgents  int
	logger     *slog.Logger
	onRegister func(*Agent)
	onRemove   func(*Agent, RemoveReason)
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultMaxAgents
	}
	return &Registry{
		agents:     make(map[string]*Agent),
		maxAgents:  cfg.MaxAgents,
		logger:     logging.OrNop(cfg.Logger),
		onRegister: cfg.OnRegister,
		onRemove:   cfg.OnRemove,
	}
}

// NormalizeID trims and NFC-normalizes an agent id so visually identical ids
// collide.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Register adds an agent. A prior agent registered under the same id is
// evicted and its session closed. When the table is full and id is new,
// Register fails with ErrAgentLimitExceeded and leaves the table unchanged.
func (r *Registry) Register(id string, sess Session, opts Options) (*Agent, error) {
	id = NormalizeID(id)
	if id == "" {
		return nil, ErrInvalidAgentID
	}

	agent := &Agent{
		ID:             id,
		Session:        sess,
		Weight:         opts.Weight,
		MaxConnections: opts.MaxConnections,
		RemoteAddr:     opts.RemoteAddr,
		ConnectedAt:    time.Now(),
	}

	r.mu.Lock()
	prior, exists := r.agents[id]
	if !exists && len(r.agents) >= r.maxAgents {
		r.mu.Unlock()
		return nil, ErrAgentLimitExceeded
	}
	r.agents[id] = agent
	r.mu.Unlock()

	if exists {
		r.logger.Info("evicting prior session for reconnecting agent",
			logging.KeyAgentID, id,
			logging.KeyRemoteAddr, prior.RemoteAddr)
		r.retire(prior, ReasonEvicted)
		prior.Session.Close()
	}

	if r.onRegister != nil {
		r.onRegister(agent)
	}
	return agent, nil
}

// Unregister removes whatever agent is registered under id. It does not close
// the session.
func (r *Registry) Unregister(id string) bool {
	id = NormalizeID(id)
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if ok {
		r.retire(agent, ReasonDisconnected)
	}
	return ok
}

// UnregisterAgent removes a only if it is still the registered entry for its
// id. A session that was already evicted by a reconnect is a no-op.
func (r *Registry) UnregisterAgent(a *Agent) bool {
	r.mu.Lock()
	current, ok := r.agents[a.ID]
	ok = ok && current == a
	if ok {
		delete(r.agents, a.ID)
	}
	r.mu.Unlock()

	if ok {
		r.retire(a, ReasonDisconnected)
	}
	return ok
}

func (r *Registry) retire(a *Agent, reason RemoveReason) {
	if !a.status.CompareAndSwap(int32(StatusActive), int32(StatusOffline)) {
		return
	}
	if r.onRemove != nil {
		r.onRemove(a, reason)
	}
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[NormalizeID(id)]
	return a, ok
}

// List returns all registered agents sorted by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CloseAll removes every agent and closes its session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*Agent)
	r.mu.Unlock()

	for _, a := range agents {
		r.retire(a, ReasonShutdown)
		a.Session.Close()
	}
}
