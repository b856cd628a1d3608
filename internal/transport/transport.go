// Package transport carries agent sessions over TCP, TLS, WebSocket and QUIC.
//
// Every transport hands back a plain net.Conn so the framing layer above it
// does not care which one an agent used to reach the broker.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind identifies a transport.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindWebSocket Kind = "ws"
	KindQUIC      Kind = "quic"
)

// DefaultDialTimeout bounds how long Dial waits when the caller's context
// carries no deadline.
const DefaultDialTimeout = 30 * time.Second

const tcpKeepAlive = 30 * time.Second

var (
	// ErrUnknownKind is returned for a transport name that is not supported.
	ErrUnknownKind = errors.New("unknown transport")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("listener closed")

	// ErrTLSRequired is returned when a TLS-based transport has no TLS config.
	ErrTLSRequired = errors.New("tls config required")
)

// ParseKind parses a transport name. An empty name means plain TCP.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindTCP:
		return KindTCP, nil
	case KindTLS:
		return KindTLS, nil
	case KindWebSocket, "websocket", "wss":
		return KindWebSocket, nil
	case KindQUIC:
		return KindQUIC, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// NeedsTLS reports whether the transport cannot run without a TLS config.
func (k Kind) NeedsTLS() bool {
	return k == KindTLS || k == KindQUIC
}

func (k Kind) orDefault() Kind {
	if k == "" {
		return KindTCP
	}
	return k
}

// Listener accepts agent connections.
type Listener interface {
	// Accept waits for the next agent connection.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the bound address.
	Addr() net.Addr

	// Close stops the listener. Connections already accepted stay open.
	Close() error
}

// ListenOptions configures Listen.
type ListenOptions struct {
	// TLSConfig is required for tls and quic, optional for ws.
	TLSConfig *tls.Config

	// Path is the HTTP path of the WebSocket endpoint. Defaults to "/agent".
	Path string
}

// DialOptions configures Dial.
type DialOptions struct {
	TLSConfig *tls.Config

	// Path is the WebSocket endpoint path when addr is a bare host:port.
	Path string

	// Timeout overrides DefaultDialTimeout.
	Timeout time.Duration
}

// Listen opens a listener of the given kind on addr. An empty kind means
// plain TCP.
func Listen(ctx context.Context, kind Kind, addr string, opts ListenOptions) (Listener, error) {
	kind = kind.orDefault()
	if kind.NeedsTLS() && opts.TLSConfig == nil {
		return nil, fmt.Errorf("%s listener: %w", kind, ErrTLSRequired)
	}

	switch kind {
	case KindTCP, KindTLS:
		ln, err := ListenTCP(ctx, addr)
		if err != nil {
			return nil, err
		}
		if kind == KindTLS {
			ln = tls.NewListener(ln, withALPN(opts.TLSConfig))
		}
		return &streamListener{ln: ln}, nil
	case KindWebSocket:
		return listenWebSocket(ctx, addr, opts)
	case KindQUIC:
		return listenQUIC(ctx, addr, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Dial connects to a broker at addr over the given transport. An empty kind
// means plain TCP.
func Dial(ctx context.Context, kind Kind, addr string, opts DialOptions) (net.Conn, error) {
	kind = kind.orDefault()
	if kind.NeedsTLS() && opts.TLSConfig == nil {
		return nil, fmt.Errorf("%s dial: %w", kind, ErrTLSRequired)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch kind {
	case KindTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	case KindTLS:
		d := tls.Dialer{Config: withALPN(opts.TLSConfig)}
		return d.DialContext(ctx, "tcp", addr)
	case KindWebSocket:
		return dialWebSocket(ctx, addr, opts)
	case KindQUIC:
		return dialQUIC(ctx, addr, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// ListenTCP binds a TCP listener whose accepted connections carry TCP
// keep-alives, so half-dead client and agent sockets are eventually reaped.
func ListenTCP(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: tcpKeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// streamListener adapts a net.Listener to Listener.
type streamListener struct {
	ln net.Listener
}

func (l *streamListener) Accept(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return conn, nil
}

func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }

func (l *streamListener) Close() error { return l.ln.Close() }
