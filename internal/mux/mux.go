// Package mux multiplexes client connections as substreams over agent
// sessions. It allocates substream ids, sends OpenRequest, runs the two
// byte pumps per substream and routes agent frames back to them.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/metrics"
	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/registry"
)

var (
	// ErrCapacityExceeded is returned when the broker-wide substream cap is
	// reached.
	ErrCapacityExceeded = errors.New("substream capacity exceeded")

	// ErrAgentGone is returned when the chosen agent left before the
	// substream could be registered.
	ErrAgentGone = errors.New("agent no longer registered")

	// ErrSendFailed is returned when the OpenRequest could not be written.
	ErrSendFailed = errors.New("send to agent failed")
)

// Defaults.
const (
	DefaultMaxSubstreams = 5000
	DefaultBufferSize    = 64
	DefaultPushTimeout   = 10 * time.Second
)

// Admission is the slice of the health tracker the multiplexer drives.
// Acquire hands back the generation of the agent's record; the other calls
// pass it back so a re-registered agent is never charged for substreams of
// its previous session.
type Admission interface {
	Acquire(agentID string) (uint64, error)
	Release(agentID string, generation uint64)
	RecordSuccess(agentID string, generation uint64, latency time.Duration)
	RecordFailure(agentID string, generation uint64)
}

// Config configures a Multiplexer.
type Config struct {
	Admission     Admission
	MaxSubstreams int
	BufferSize    int
	PushTimeout   time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// OpenOptions describe the client side of a new substream.
type OpenOptions struct {
	// Listener names the entry point for metrics and logs.
	Listener string

	// Initial bytes already read from the client, sent as the first Data
	// frame right after OpenRequest.
	Initial []byte

	// PlainHTTP marks a forwarded HTTP request; such clients get a 502 when
	// the agent fails before any response byte arrives.
	PlainHTTP bool
}

// Multiplexer owns every substream the broker relays.
type Multiplexer struct {
	mu         sync.Mutex
	substreams map[string]*Substream
	byAgent    map[*registry.Agent]map[string]*Substream

	admission   Admission
	max         int
	bufferSize  int
	pushTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Multiplexer.
func New(cfg Config) *Multiplexer {
	if cfg.MaxSubstreams <= 0 {
		cfg.MaxSubstreams = DefaultMaxSubstreams
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	return &Multiplexer{
		substreams:  make(map[string]*Substream),
		byAgent:     make(map[*registry.Agent]map[string]*Substream),
		admission:   cfg.Admission,
		max:         cfg.MaxSubstreams,
		bufferSize:  cfg.BufferSize,
		pushTimeout: cfg.PushTimeout,
		logger:      logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
	}
}

// Open creates a substream from client to host:port through agent. It takes
// an admission slot on the agent, sends OpenRequest (and the initial bytes, if
// any) and returns the substream without starting its pumps.
//
// It fails with routing.ErrAdmissionDenied when the agent is at capacity,
// ErrCapacityExceeded at the broker-wide cap, and ErrSendFailed when the
// agent session is broken. On failure the client connection is left open for
// the caller to answer.
func (m *Multiplexer) Open(ctx context.Context, agent *registry.Agent, host string, port int, client net.Conn, opts OpenOptions) (*Substream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen, err := m.admission.Acquire(agent.ID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Substream{
		ID:         uuid.NewString(),
		Agent:      agent,
		TargetHost: host,
		TargetPort: port,
		Listener:   opts.Listener,
		CreatedAt:  time.Now(),
		client:     client,
		plainHTTP:  opts.PlainHTTP,
		m:          m,
		generation: gen,
		inbound:    make(chan []byte, m.bufferSize),
		ctx:        sctx,
		cancel:     cancel,
	}

	if err := m.insert(s); err != nil {
		cancel()
		m.admission.Release(agent.ID, gen)
		return nil, err
	}
	m.metrics.RecordSubstreamOpen(opts.Listener)

	if err := agent.Session.Send(protocol.NewOpenRequest(s.ID, host, port)); err != nil {
		m.abort(s)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if len(opts.Initial) > 0 {
		if err := agent.Session.Send(protocol.NewData(s.ID, opts.Initial)); err != nil {
			m.abort(s)
			return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		s.bytesUp.Add(int64(len(opts.Initial)))
		m.metrics.RecordBytes(metrics.DirectionUpstream, len(opts.Initial))
	}

	m.logger.Debug("substream opened",
		logging.KeySubstreamID, s.ID,
		logging.KeyAgentID, agent.ID,
		logging.KeyTarget, s.Target(),
		logging.KeyListener, opts.Listener)
	return s, nil
}

func (m *Multiplexer) insert(s *Substream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.substreams) >= m.max {
		return ErrCapacityExceeded
	}
	if s.Agent.Status() != registry.StatusActive {
		return ErrAgentGone
	}
	m.substreams[s.ID] = s
	set := m.byAgent[s.Agent]
	if set == nil {
		set = make(map[string]*Substream)
		m.byAgent[s.Agent] = set
	}
	set[s.ID] = s
	return nil
}

// abort undoes a failed Open without touching the client connection, which
// the listener still needs to send its error reply.
func (m *Multiplexer) abort(s *Substream) {
	s.closeOnce.Do(func() {
		s.cancel()
		m.finish(s, closeOptions{reason: ReasonSendFailed, failure: true})
	})
}

// finish releases everything the multiplexer holds for s. It runs exactly
// once per substream.
func (m *Multiplexer) finish(s *Substream, opts closeOptions) {
	m.mu.Lock()
	delete(m.substreams, s.ID)
	if set := m.byAgent[s.Agent]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.byAgent, s.Agent)
		}
	}
	m.mu.Unlock()

	m.admission.Release(s.Agent.ID, s.generation)
	switch {
	case opts.failure:
		m.admission.RecordFailure(s.Agent.ID, s.generation)
	case s.bytesDown.Load() > 0 || s.endReceived.Load():
		latency := s.firstByteLatency()
		m.admission.RecordSuccess(s.Agent.ID, s.generation, latency)
		if latency > 0 {
			m.metrics.RecordFirstByte(latency.Seconds())
		}
	}

	duration := time.Since(s.CreatedAt)
	m.metrics.RecordSubstreamClose(opts.reason, duration.Seconds())
	m.logger.Debug("substream closed",
		logging.KeySubstreamID, s.ID,
		logging.KeyAgentID, s.Agent.ID,
		logging.KeyTarget, s.Target(),
		logging.KeyReason, opts.reason,
		logging.Bytes(s.BytesTransferred()),
		logging.KeyDuration, duration.Round(time.Millisecond))
}

// Dispatch routes a substream frame read from agent's session. It reports
// whether the frame type belongs to the multiplexer. Frames for unknown
// substreams, or for substreams owned by a different agent, are dropped.
func (m *Multiplexer) Dispatch(agent *registry.Agent, f *protocol.Frame) bool {
	switch f.Type {
	case protocol.FrameData, protocol.FrameEnd, protocol.FrameErr:
	default:
		return false
	}
	if f.SubstreamID == "" {
		return f.Type != protocol.FrameErr
	}

	s := m.lookup(agent, f.SubstreamID)
	if s == nil {
		return true
	}

	switch f.Type {
	case protocol.FrameData:
		if len(f.Payload) > 0 {
			s.markFirstByte()
			s.push(f.Payload)
		}
	case protocol.FrameEnd:
		if s.endReceived.CompareAndSwap(false, true) {
			s.push(nil)
		}
	case protocol.FrameErr:
		m.logger.Info("agent failed substream",
			logging.KeySubstreamID, s.ID,
			logging.KeyAgentID, agent.ID,
			logging.KeyTarget, s.Target(),
			logging.KeyReason, f.Attr(protocol.AttrReason))
		s.endReceived.Store(true)
		s.shutdown(closeOptions{reason: ReasonAgentError, failure: true, gatewayError: true})
	}
	return true
}

func (m *Multiplexer) lookup(agent *registry.Agent, id string) *Substream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.substreams[id]
	if s == nil || s.Agent != agent {
		return nil
	}
	return s
}

// Close tears down substream id: the client socket is closed, the admission
// slot released and the agent told to drop its side. It returns the bytes
// relayed and false if the substream was not open.
func (m *Multiplexer) Close(id string) (int64, bool) {
	m.mu.Lock()
	s := m.substreams[id]
	m.mu.Unlock()
	if s == nil {
		return 0, false
	}
	return s.shutdown(closeOptions{reason: ReasonClosed, sendEnd: true}), true
}

// CloseAgent tears down every substream routed through agent. The agent's
// session is assumed gone, so no End frames are sent; plain HTTP clients
// still waiting for a response receive 502.
func (m *Multiplexer) CloseAgent(agent *registry.Agent) int {
	m.mu.Lock()
	set := m.byAgent[agent]
	victims := make([]*Substream, 0, len(set))
	for _, s := range set {
		victims = append(victims, s)
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.shutdown(closeOptions{reason: ReasonAgentLost, gatewayError: true})
	}
	if len(victims) > 0 {
		m.logger.Info("closed substreams of departed agent",
			logging.KeyAgentID, agent.ID,
			logging.KeyCount, len(victims))
	}
	return len(victims)
}

// CloseAll tears down every substream.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	victims := make([]*Substream, 0, len(m.substreams))
	for _, s := range m.substreams {
		victims = append(victims, s)
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.shutdown(closeOptions{reason: ReasonClosed, sendEnd: true})
	}
}

// Len returns the number of open substreams.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.substreams)
}

// CountForAgent returns the number of open substreams on agent.
func (m *Multiplexer) CountForAgent(agent *registry.Agent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAgent[agent])
}

// Info describes an open substream.
type Info struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	Target           string    `json:"target"`
	Listener         string    `json:"listener"`
	ClientAddr       string    `json:"client_addr"`
	BytesTransferred int64     `json:"bytes_transferred"`
	CreatedAt        time.Time `json:"created_at"`
}

// Snapshot lists open substreams, oldest first.
func (m *Multiplexer) Snapshot() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.substreams))
	for _, s := range m.substreams {
		info := Info{
			ID:               s.ID,
			AgentID:          s.Agent.ID,
			Target:           s.Target(),
			Listener:         s.Listener,
			BytesTransferred: s.BytesTransferred(),
			CreatedAt:        s.CreatedAt,
		}
		if addr := s.client.RemoteAddr(); addr != nil {
			info.ClientAddr = addr.String()
		}
		out = append(out, info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
