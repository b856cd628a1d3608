// Package session carries protocol frames over one duplex connection.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-broker/internal/protocol"
)

var (
	// ErrSessionClosed is returned by Send and Receive once the session is closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrReceiveTimeout is returned when Receive's timeout elapses.
	ErrReceiveTimeout = errors.New("receive timeout")
)

// Config tunes a Session.
type Config struct {
	// WriteTimeout bounds a single frame write. Zero disables it.
	WriteTimeout time.Duration

	// OnSend and OnReceive observe every frame that crosses the session.
	// They run on the caller's goroutine and must not block.
	OnSend    func(*protocol.Frame)
	OnReceive func(*protocol.Frame)
}

// Session owns one connection and exchanges frames over it. Send is safe for
// concurrent use; Receive is meant for a single reader goroutine.
type Session struct {
	conn    net.Conn
	reader  *protocol.FrameReader
	counter *countingReader

	writeMu      sync.Mutex
	readMu       sync.Mutex
	writeTimeout time.Duration

	onSend    func(*protocol.Frame)
	onReceive func(*protocol.Frame)

	lastActivity   atomic.Int64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New wraps conn. The session takes ownership and closes conn on Close.
func New(conn net.Conn, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	counter := &countingReader{r: bufio.NewReaderSize(conn, 64*1024)}
	s := &Session{
		conn:         conn,
		counter:      counter,
		reader:       protocol.NewFrameReader(counter),
		writeTimeout: cfg.WriteTimeout,
		onSend:       cfg.OnSend,
		onReceive:    cfg.OnReceive,
		ctx:          ctx,
		cancel:       cancel,
	}
	s.touch()
	return s
}

// Send writes f atomically with respect to other senders.
func (s *Session) Send(f *protocol.Frame) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.IsClosed() {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(data); err != nil {
		// A partial write leaves the peer mid-frame; nothing can follow it.
		s.Close()
		if s.ctx.Err() != nil && !isTimeout(err) {
			return ErrSessionClosed
		}
		return fmt.Errorf("send %s: %w", f.Type, err)
	}

	s.framesSent.Add(1)
	if s.onSend != nil {
		s.onSend(f)
	}
	return nil
}

// Receive reads the next frame. A timeout of zero waits indefinitely.
//
// It returns io.EOF when the peer closes cleanly between frames,
// ErrReceiveTimeout when the timeout elapses, ErrSessionClosed after Close,
// and an error wrapping protocol.ErrMalformedFrame on a corrupt frame. Every
// error except a timeout on a frame boundary closes the session.
func (s *Session) Receive(timeout time.Duration) (*protocol.Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.IsClosed() {
		return nil, ErrSessionClosed
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	s.conn.SetReadDeadline(deadline)

	s.counter.n = 0
	f, err := s.reader.Read()
	if err == nil {
		s.touch()
		s.framesReceived.Add(1)
		if s.onReceive != nil {
			s.onReceive(f)
		}
		return f, nil
	}

	switch {
	case s.IsClosed():
		return nil, ErrSessionClosed
	case isTimeout(err):
		if s.counter.n > 0 {
			// The deadline cut a frame in half; the stream cannot resync.
			s.Close()
		}
		return nil, ErrReceiveTimeout
	case errors.Is(err, io.EOF):
		s.Close()
		return nil, io.EOF
	case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrFrameTooLarge):
		s.Close()
		return nil, err
	default:
		s.Close()
		return nil, fmt.Errorf("receive: %w", err)
	}
}

// Close closes the session and its connection. It is idempotent and unblocks
// a pending Receive.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	return s.ctx.Err() != nil
}

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LastActivity returns when the last frame was received.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// FramesSent returns the number of frames written.
func (s *Session) FramesSent() uint64 {
	return s.framesSent.Load()
}

// FramesReceived returns the number of frames read.
func (s *Session) FramesReceived() uint64 {
	return s.framesReceived.Load()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// countingReader tracks how many bytes the frame reader consumed, so Receive
// can tell a timeout between frames from one inside a frame. Only the reader
// goroutine touches n.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
