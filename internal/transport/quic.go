package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC tuning for agent sessions. An agent session uses exactly one
// bidirectional stream; substreams are multiplexed inside it by the frame
// protocol.
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 20 * time.Second

	quicStreamAcceptTimeout = 10 * time.Second
	quicMaxIncomingStreams  = 1
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    quicMaxIncomingStreams,
		MaxIncomingUniStreams: -1,
	}
}

type quicListener struct {
	ln     *quic.Listener
	connCh chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func listenQUIC(ctx context.Context, addr string, opts ListenOptions) (Listener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(opts.TLSConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}

	l := &quicListener{
		ln:     ln,
		connCh: make(chan net.Conn, wsAcceptBacklog),
	}
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// acceptLoop accepts QUIC connections and waits, per connection, for the
// agent to open its session stream.
func (l *quicListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.awaitStream(conn)
		}()
	}
}

func (l *quicListener) awaitStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(l.ctx, quicStreamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(quic.ApplicationErrorCode(1), "no session stream")
		return
	}

	qc := &quicConn{Stream: stream, conn: conn}
	select {
	case l.connCh <- qc:
	case <-l.ctx.Done():
		qc.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func dialQUIC(ctx context.Context, addr string, opts DialOptions) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, withALPN(opts.TLSConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(quic.ApplicationErrorCode(1), "open stream failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

// quicConn presents a QUIC stream and its connection as one net.Conn.
// Closing it tears down the whole QUIC connection.
type quicConn struct {
	quic.Stream
	conn      quic.Connection
	closeOnce sync.Once
	closeErr  error
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.Stream.CancelRead(0)
		streamErr := c.Stream.Close()
		connErr := c.conn.CloseWithError(0, "session closed")
		c.closeErr = errors.Join(streamErr, connErr)
	})
	return c.closeErr
}
