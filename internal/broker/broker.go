// Package broker wires the agent listener, the registry, the health tracker,
// the multiplexer and the client-facing proxy listeners into one server.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/tunnel-broker/internal/httpproxy"
	"github.com/postalsys/tunnel-broker/internal/liveness"
	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/metrics"
	"github.com/postalsys/tunnel-broker/internal/mux"
	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/recovery"
	"github.com/postalsys/tunnel-broker/internal/registry"
	"github.com/postalsys/tunnel-broker/internal/routing"
	"github.com/postalsys/tunnel-broker/internal/session"
	"github.com/postalsys/tunnel-broker/internal/socks5"
	"github.com/postalsys/tunnel-broker/internal/transport"
)

// Defaults.
const (
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultAcceptBurst     = 20
)

// Config configures a Broker.
type Config struct {
	// Agent-facing listener.
	AgentTransport transport.Kind
	AgentAddress   string
	AgentPath      string
	AgentTLS       *tls.Config

	// Client-facing listeners. An empty address disables the listener.
	HTTPAddress   string
	SOCKS5Address string

	// Token is the shared agent secret; TokenHash is its bcrypt hash and
	// takes precedence when both are set.
	Token     string
	TokenHash string

	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	InitialReadTimeout time.Duration
	ShutdownTimeout    time.Duration

	MaxAgents            int
	MaxSubstreams        int
	MaxClientConnections int

	// AcceptRate limits new agent connections per second (0 = unlimited).
	AcceptRate  float64
	AcceptBurst int

	Strategy    routing.Strategy
	PinnedAgent string

	Heartbeat liveness.Config
	Tracker   routing.TrackerConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Broker is the central server agents connect to and clients proxy through.
type Broker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	auth    *authenticator
	limiter *rate.Limiter

	registry *registry.Registry
	tracker  *routing.Tracker
	balancer *routing.Balancer
	mux      *mux.Multiplexer

	agentLn  transport.Listener
	httpSrv  *httpproxy.Server
	socksSrv *socks5.Server

	monMu    sync.Mutex
	monitors map[*registry.Agent]*liveness.Monitor

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	running   atomic.Bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds a broker. Nothing is bound until Start.
func New(cfg Config) (*Broker, error) {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = DefaultAcceptBurst
	}
	if cfg.AgentTransport == "" {
		cfg.AgentTransport = transport.KindTCP
	}

	auth, err := newAuthenticator(cfg.Token, cfg.TokenHash)
	if err != nil {
		return nil, err
	}
	strategy := routing.RoundRobin
	if cfg.Strategy != "" {
		if strategy, err = routing.ParseStrategy(string(cfg.Strategy)); err != nil {
			return nil, err
		}
	}

	logger := logging.OrNop(cfg.Logger)
	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Inf, cfg.AcceptBurst),
		monitors: make(map[*registry.Agent]*liveness.Monitor),
	}
	if cfg.AcceptRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	trackerCfg := cfg.Tracker
	trackerCfg.Logger = logger.With(logging.KeyComponent, "tracker")
	userTransition := trackerCfg.OnTransition
	trackerCfg.OnTransition = func(agentID string, from, to routing.BreakerState) {
		b.metrics.RecordBreakerTransition(to.String())
		if userTransition != nil {
			userTransition(agentID, from, to)
		}
	}
	b.tracker = routing.NewTracker(trackerCfg)
	b.balancer = routing.NewBalancer(b.tracker, strategy)
	b.balancer.SetPinned(registry.NormalizeID(cfg.PinnedAgent))

	b.mux = mux.New(mux.Config{
		Admission:     b.tracker,
		MaxSubstreams: cfg.MaxSubstreams,
		Logger:        logger.With(logging.KeyComponent, "mux"),
		Metrics:       cfg.Metrics,
	})

	b.registry = registry.New(registry.Config{
		MaxAgents:  cfg.MaxAgents,
		Logger:     logger.With(logging.KeyComponent, "registry"),
		OnRegister: b.onRegister,
		OnRemove:   b.onRemove,
	})

	if cfg.HTTPAddress != "" {
		b.httpSrv = httpproxy.NewServer(httpproxy.Config{
			Address:            cfg.HTTPAddress,
			MaxConnections:     cfg.MaxClientConnections,
			InitialReadTimeout: cfg.InitialReadTimeout,
			Logger:             logger,
			Metrics:            cfg.Metrics,
		}, b)
	}
	if cfg.SOCKS5Address != "" {
		b.socksSrv = socks5.NewServer(socks5.Config{
			Address:          cfg.SOCKS5Address,
			MaxConnections:   cfg.MaxClientConnections,
			HandshakeTimeout: cfg.InitialReadTimeout,
			Logger:           logger,
			Metrics:          cfg.Metrics,
		}, b)
	}
	return b, nil
}

func (b *Broker) onRegister(a *registry.Agent) {
	b.tracker.Add(a.ID, a.Weight, a.MaxConnections)
	b.metrics.RecordAgentRegistered()
	b.logger.Info("agent registered",
		logging.KeyAgentID, a.ID,
		logging.KeyRemoteAddr, a.RemoteAddr)
}

// onRemove tears down everything routed through a departing agent before its
// routing record goes away, so released slots land on the right record.
func (b *Broker) onRemove(a *registry.Agent, reason registry.RemoveReason) {
	closed := b.mux.CloseAgent(a)
	b.tracker.Remove(a.ID)
	b.metrics.RecordAgentRemoved(reason == registry.ReasonEvicted)
	b.logger.Info("agent removed",
		logging.KeyAgentID, a.ID,
		logging.KeyReason, string(reason),
		logging.KeyCount, closed)
}

// Start binds every listener and begins accepting agents and clients.
func (b *Broker) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broker already running")
	}
	b.startedAt = time.Now()

	ln, err := transport.Listen(b.ctx, b.cfg.AgentTransport, b.cfg.AgentAddress, transport.ListenOptions{
		TLSConfig: b.cfg.AgentTLS,
		Path:      b.cfg.AgentPath,
	})
	if err != nil {
		b.running.Store(false)
		return fmt.Errorf("agent listener: %w", err)
	}
	b.agentLn = ln

	if b.httpSrv != nil {
		if err := b.httpSrv.Start(); err != nil {
			b.Stop()
			return err
		}
	}
	if b.socksSrv != nil {
		if err := b.socksSrv.Start(); err != nil {
			b.Stop()
			return err
		}
	}

	b.logger.Info("broker started",
		logging.KeyTransport, string(b.cfg.AgentTransport),
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyStrategy, string(b.balancer.Strategy()))

	b.wg.Add(1)
	go b.acceptAgents()
	return nil
}

// Run starts the broker and blocks until ctx is cancelled, then shuts down
// within the configured shutdown timeout.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	return b.StopWithContext(stopCtx)
}

// Stop closes every listener, agent session and substream and waits for the
// broker's goroutines to exit.
func (b *Broker) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		b.running.Store(false)
		b.cancel()

		// Listeners stop in parallel; the first failure is reported.
		var g errgroup.Group
		if b.agentLn != nil {
			g.Go(b.agentLn.Close)
		}
		if b.httpSrv != nil {
			g.Go(b.httpSrv.Stop)
		}
		if b.socksSrv != nil {
			g.Go(b.socksSrv.Stop)
		}
		err = g.Wait()

		b.registry.CloseAll()
		b.mux.CloseAll()
		b.logger.Info("broker stopped")
	})
	b.wg.Wait()
	return err
}

// StopWithContext stops the broker, giving up waiting when ctx ends.
func (b *Broker) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- b.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open implements the listeners' Opener: it picks an agent with the active
// strategy and opens a substream to host:port through it.
func (b *Broker) Open(ctx context.Context, host string, port int, client net.Conn, opts mux.OpenOptions) (*mux.Substream, error) {
	agentID, strategy, err := b.balancer.Pick()
	b.metrics.RecordSelection(string(strategy), err == nil)
	if err != nil {
		return nil, err
	}

	agent, ok := b.registry.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", routing.ErrUnknownAgent, agentID)
	}
	return b.mux.Open(ctx, agent, host, port, client, opts)
}

// SetPinned routes every new substream to agentID while it is connected,
// bypassing health and capacity filtering. An empty id clears the pin.
func (b *Broker) SetPinned(agentID string) {
	agentID = registry.NormalizeID(agentID)
	b.balancer.SetPinned(agentID)
	if agentID == "" {
		b.logger.Info("agent pin cleared")
		return
	}
	b.logger.Warn("agent pinned, health filtering bypassed", logging.KeyAgentID, agentID)
}

// SetStrategy switches the selection strategy by name.
func (b *Broker) SetStrategy(name string) error {
	strategy, err := routing.ParseStrategy(name)
	if err != nil {
		return err
	}
	if err := b.balancer.SetStrategy(strategy); err != nil {
		return err
	}
	b.logger.Info("selection strategy changed", logging.KeyStrategy, string(strategy))
	return nil
}

// CloseSubstream tears down one substream by id.
func (b *Broker) CloseSubstream(id string) (int64, bool) {
	return b.mux.Close(id)
}

// Connections lists open substreams.
func (b *Broker) Connections() []mux.Info {
	return b.mux.Snapshot()
}

// AgentAddr returns the bound agent listener address.
func (b *Broker) AgentAddr() net.Addr {
	if b.agentLn == nil {
		return nil
	}
	return b.agentLn.Addr()
}

// HTTPAddr returns the bound HTTP proxy address, or nil when disabled.
func (b *Broker) HTTPAddr() net.Addr {
	if b.httpSrv == nil {
		return nil
	}
	return b.httpSrv.Address()
}

// SOCKS5Addr returns the bound SOCKS5 address, or nil when disabled.
func (b *Broker) SOCKS5Addr() net.Addr {
	if b.socksSrv == nil {
		return nil
	}
	return b.socksSrv.Address()
}

// IsRunning reports whether the broker is serving.
func (b *Broker) IsRunning() bool {
	return b.running.Load()
}

func (b *Broker) acceptAgents() {
	defer b.wg.Done()
	defer recovery.RecoverWithLog(b.logger, "broker.acceptAgents")

	var backoff time.Duration
	for {
		conn, err := b.agentLn.Accept(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			b.logger.Warn("agent accept failed", logging.KeyError, err)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !b.limiter.Allow() {
			b.metrics.RecordAgentRejected("rate_limited")
			b.logger.Debug("agent connection rate limited",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		b.wg.Add(1)
		go b.serveAgent(conn)
	}
}

// serveAgent runs one agent connection from handshake to teardown.
func (b *Broker) serveAgent(conn net.Conn) {
	defer b.wg.Done()
	defer recovery.RecoverWithLog(b.logger, "broker.serveAgent")

	remote := conn.RemoteAddr().String()
	sess := session.New(conn, session.Config{
		WriteTimeout: b.cfg.WriteTimeout,
		OnSend: func(f *protocol.Frame) {
			b.metrics.RecordFrameSent(f.Type.String())
		},
		OnReceive: func(f *protocol.Frame) {
			b.metrics.RecordFrameReceived(f.Type.String())
		},
	})
	defer sess.Close()

	// Stop must be able to interrupt a connection still in its handshake.
	stopWatch := context.AfterFunc(b.ctx, func() { sess.Close() })
	defer stopWatch()

	h, err := b.acceptHandshake(sess)
	if err != nil {
		switch {
		case errors.Is(err, ErrAuthFailed):
			b.metrics.RecordAuthFailure()
			b.logger.Warn("agent authentication failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
		default:
			b.metrics.RecordAgentRejected("handshake")
			b.logger.Info("agent handshake failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
		}
		return
	}

	agent, err := b.registry.Register(h.agentID, sess, h.opts)
	if err != nil {
		b.metrics.RecordAgentRejected("limit")
		b.logger.Warn("agent rejected",
			logging.KeyAgentID, h.agentID,
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err)
		sess.Send(protocol.NewErr("", reasonAgentLimit))
		return
	}

	hb := b.cfg.Heartbeat
	hb.Logger = b.logger.With(logging.KeyAgentID, agent.ID)
	hb.OnTimeout = b.metrics.RecordHeartbeatTimeout
	mon := liveness.New(sess, hb)
	b.monMu.Lock()
	b.monitors[agent] = mon
	b.monMu.Unlock()
	mon.Start(b.ctx)

	reason := b.readLoop(agent, sess, mon)

	sess.Close()
	mon.Wait()
	b.monMu.Lock()
	delete(b.monitors, agent)
	b.monMu.Unlock()

	if mon.Err() != nil {
		reason = mon.Err()
	}
	if b.registry.UnregisterAgent(agent) {
		b.logger.Info("agent disconnected",
			logging.KeyAgentID, agent.ID,
			logging.KeyReason, describeExit(reason))
	}
}

// readLoop dispatches the agent's frames until the session ends and returns
// the error that ended it.
func (b *Broker) readLoop(agent *registry.Agent, sess *session.Session, mon *liveness.Monitor) error {
	for {
		f, err := sess.Receive(0)
		if err != nil {
			return err
		}

		if mon.HandleIncoming(f) {
			if f.Type == protocol.FramePong {
				b.metrics.RecordHeartbeatRTT(mon.RTT().Seconds())
			}
			continue
		}
		if b.mux.Dispatch(agent, f) {
			continue
		}

		switch f.Type {
		case protocol.FrameErr:
			b.logger.Warn("agent reported error",
				logging.KeyAgentID, agent.ID,
				logging.KeyReason, f.Attr(protocol.AttrReason))
		case protocol.FrameAuth:
			sess.Send(protocol.NewErr("", reasonUnexpectedAuth))
			return fmt.Errorf("%w: AUTH after handshake", ErrHandshake)
		default:
			b.logger.Debug("ignoring frame",
				logging.KeyAgentID, agent.ID,
				"type", f.Type.String())
		}
	}
}

func describeExit(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, liveness.ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, session.ErrSessionClosed):
		return "closed"
	case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrFrameTooLarge):
		return "protocol_error"
	case errors.Is(err, io.EOF):
		return "disconnected"
	default:
		return err.Error()
	}
}
