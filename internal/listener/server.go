// Package listener runs the accept loop shared by the client-facing proxy
// listeners: connection tracking, limits, panic recovery and shutdown.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/metrics"
	"github.com/postalsys/tunnel-broker/internal/recovery"
	"github.com/postalsys/tunnel-broker/internal/transport"
)

// Handler serves one accepted connection. The server closes conn after the
// handler returns; ctx is cancelled on Stop.
type Handler func(ctx context.Context, conn net.Conn)

// Config configures a Server.
type Config struct {
	// Name labels logs and metrics ("http", "socks5").
	Name string

	// Address to listen on, e.g. "127.0.0.1:8080".
	Address string

	// MaxConnections limits concurrent clients (0 = unlimited).
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts TCP connections and hands each to a Handler on its own
// goroutine.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	listener net.Listener
	conns    *connTracker

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server. Call Start or Serve to begin accepting.
func New(cfg Config, handler Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyListener, cfg.Name),
		conns:   newConnTracker(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the configured address and starts accepting.
func (s *Server) Start() error {
	ln, err := transport.ListenTCP(s.ctx, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("%s listen: %w", s.cfg.Name, err)
	}
	return s.Serve(ln)
}

// Serve starts accepting on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s server already running", s.cfg.Name)
	}
	s.listener = ln

	s.logger.Info("listener started", logging.KeyLocalAddr, ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every live client connection, then waits for
// handlers to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		s.cancel()
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.conns.closeAll()
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, giving up waiting when ctx ends.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the bound address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of live client connections.
func (s *Server) ConnectionCount() int64 {
	return s.conns.len()
}

// IsRunning reports whether the server is accepting.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, s.cfg.Name+".acceptLoop")

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Temporary failures such as EMFILE: back off instead of spinning.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.cfg.MaxConnections > 0 && s.conns.len() >= int64(s.cfg.MaxConnections) {
			s.cfg.Metrics.RecordListenerRejection(s.cfg.Name, "max_connections")
			conn.Close()
			continue
		}
		if !s.conns.add(conn) {
			conn.Close()
			return
		}
		s.cfg.Metrics.RecordListenerConnection(s.cfg.Name)

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.remove(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(s.logger, s.cfg.Name+".serveConn")

	s.handler(s.ctx, conn)
}
