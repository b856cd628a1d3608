// Package socks5 implements the SOCKS5 listener: "no authentication" and
// CONNECT only, with IPv4 or domain destinations.
package socks5

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/postalsys/tunnel-broker/internal/listener"
	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/metrics"
	"github.com/postalsys/tunnel-broker/internal/mux"
	"github.com/postalsys/tunnel-broker/internal/routing"
)

// ListenerName labels this listener in logs, metrics and substreams.
const ListenerName = "socks5"

// DefaultHandshakeTimeout bounds greeting plus request.
const DefaultHandshakeTimeout = 10 * time.Second

// Opener picks an agent and opens a substream to host:port on it.
type Opener interface {
	Open(ctx context.Context, host string, port int, client net.Conn, opts mux.OpenOptions) (*mux.Substream, error)
}

// Config configures the SOCKS5 listener.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:1080")
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// HandshakeTimeout bounds the wait for the greeting and request.
	HandshakeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is the SOCKS5 listener.
type Server struct {
	cfg    Config
	opener Opener
	logger *slog.Logger
	srv    *listener.Server
}

// NewServer creates a SOCKS5 listener that opens substreams via opener.
func NewServer(cfg Config, opener Opener) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	s := &Server{
		cfg:    cfg,
		opener: opener,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyListener, ListenerName),
	}
	s.srv = listener.New(listener.Config{
		Name:           ListenerName,
		Address:        cfg.Address,
		MaxConnections: cfg.MaxConnections,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	}, s.handle)
	return s
}

// Start binds the configured address.
func (s *Server) Start() error { return s.srv.Start() }

// Serve accepts on an existing listener.
func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

// Stop closes the listener and all client connections.
func (s *Server) Stop() error { return s.srv.Stop() }

// StopWithContext stops the listener, waiting at most until ctx ends.
func (s *Server) StopWithContext(ctx context.Context) error { return s.srv.StopWithContext(ctx) }

// Address returns the bound address.
func (s *Server) Address() net.Addr { return s.srv.Address() }

// ConnectionCount returns the number of live client connections.
func (s *Server) ConnectionCount() int64 { return s.srv.ConnectionCount() }

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := negotiate(conn); err != nil {
		s.reject(remote, "handshake", err)
		return
	}

	req, reply, err := readRequest(conn)
	if err != nil {
		if reply != 0 {
			writeReply(conn, reply)
			s.reject(remote, "unsupported", err)
		} else {
			s.reject(remote, "handshake", err)
		}
		return
	}
	conn.SetDeadline(time.Time{})

	sub, err := s.opener.Open(ctx, req.Host, req.Port, conn, mux.OpenOptions{Listener: ListenerName})
	if err != nil {
		writeReply(conn, ReplyServerFailure)
		s.logger.Info("request rejected",
			logging.KeyRemoteAddr, remote,
			logging.KeyTarget, net.JoinHostPort(req.Host, strconv.Itoa(req.Port)),
			logging.KeyError, err)
		s.cfg.Metrics.RecordListenerRejection(ListenerName, rejectReason(err))
		return
	}

	if err := writeReply(conn, ReplySucceeded); err != nil {
		sub.Close()
		return
	}

	s.logger.Debug("relaying",
		logging.KeyRemoteAddr, remote,
		logging.KeySubstreamID, sub.ID,
		logging.KeyAgentID, sub.Agent.ID,
		logging.KeyTarget, sub.Target())

	sub.Start()
	sub.Wait()
}

func (s *Server) reject(remote, reason string, err error) {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		reason = "timeout"
	}
	s.logger.Debug("handshake failed",
		logging.KeyRemoteAddr, remote,
		logging.KeyReason, reason,
		logging.KeyError, err)
	s.cfg.Metrics.RecordListenerRejection(ListenerName, reason)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, routing.ErrNoAgentAvailable):
		return "no_agent"
	case errors.Is(err, routing.ErrAdmissionDenied), errors.Is(err, mux.ErrCapacityExceeded):
		return "capacity"
	default:
		return "open_failed"
	}
}
