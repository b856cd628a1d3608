// Package liveness runs the Ping/Pong heartbeat on a session and closes it
// when the peer stops answering.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/recovery"
)

// ErrHeartbeatTimeout is reported by Err after the monitor closed the session
// for lack of a Pong.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// Default heartbeat timing.
const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 45 * time.Second
)

// Session is the part of a transport session the monitor needs.
type Session interface {
	Send(*protocol.Frame) error
	Close() error
	Done() <-chan struct{}
}

// Config configures a Monitor.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	// OnTimeout runs once, before the session is closed, when the peer
	// missed its deadline.
	OnTimeout func()
}

// Monitor sends a Ping every Interval and closes the session when no Pong has
// arrived for Timeout.
type Monitor struct {
	sess      Session
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	onTimeout func()

	lastPong atomic.Int64
	lastPing atomic.Int64
	rtt      atomic.Int64
	timedOut atomic.Bool

	startOnce sync.Once
	done      chan struct{}
}

// New creates a monitor for sess. Zero durations take the defaults.
func New(sess Session, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Monitor{
		sess:      sess,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		logger:    logging.OrNop(cfg.Logger),
		onTimeout: cfg.OnTimeout,
		done:      make(chan struct{}),
	}
	m.lastPong.Store(time.Now().UnixNano())
	return m
}

// Start launches the heartbeat goroutine. It stops when ctx is cancelled, the
// session closes, or the peer times out. Calling Start more than once has no
// effect.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.lastPong.Store(time.Now().UnixNano())
		go m.run(ctx)
	})
}

// Wait blocks until the heartbeat goroutine has exited.
func (m *Monitor) Wait() {
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer recovery.RecoverWithLog(m.logger, "liveness.run")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	watchdog := time.NewTimer(m.timeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.sess.Done():
			return
		case <-ticker.C:
			m.lastPing.Store(time.Now().UnixNano())
			if err := m.sess.Send(&protocol.Frame{Type: protocol.FramePing}); err != nil {
				m.logger.Debug("ping failed", logging.KeyError, err)
				return
			}
		case <-watchdog.C:
			since := time.Since(m.LastPong())
			if since < m.timeout {
				watchdog.Reset(m.timeout - since)
				continue
			}
			m.timedOut.Store(true)
			m.logger.Warn("heartbeat timeout, closing session",
				logging.KeyDuration, since.Round(time.Millisecond))
			if m.onTimeout != nil {
				m.onTimeout()
			}
			m.sess.Close()
			return
		}
	}
}

// HandleIncoming consumes heartbeat frames. A Ping is answered with a Pong; a
// Pong refreshes the deadline. It reports whether f was consumed; any other
// frame is left for the caller.
func (m *Monitor) HandleIncoming(f *protocol.Frame) bool {
	switch f.Type {
	case protocol.FramePing:
		if err := m.sess.Send(&protocol.Frame{Type: protocol.FramePong}); err != nil {
			m.logger.Debug("pong failed", logging.KeyError, err)
		}
		return true
	case protocol.FramePong:
		now := time.Now().UnixNano()
		m.lastPong.Store(now)
		if sent := m.lastPing.Load(); sent > 0 && now >= sent {
			m.rtt.Store(now - sent)
		}
		return true
	}
	return false
}

// LastPong returns when the last Pong arrived, or when the monitor started.
func (m *Monitor) LastPong() time.Time {
	return time.Unix(0, m.lastPong.Load())
}

// RTT returns the round trip time measured by the most recent Pong.
func (m *Monitor) RTT() time.Duration {
	return time.Duration(m.rtt.Load())
}

// Err returns ErrHeartbeatTimeout if the monitor closed the session.
func (m *Monitor) Err() error {
	if m.timedOut.Load() {
		return ErrHeartbeatTimeout
	}
	return nil
}
