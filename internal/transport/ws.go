package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath       = "/agent"
	wsReadLimit         = 2 * 1024 * 1024
	wsReadHeaderTimeout = 10 * time.Second
	wsAcceptBacklog     = 16
)

// wsListener serves agent WebSocket upgrades and hands every upgraded
// connection to Accept as a byte stream.
type wsListener struct {
	path    string
	server  *http.Server
	netLn   net.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func listenWebSocket(ctx context.Context, addr string, opts ListenOptions) (Listener, error) {
	ln, err := ListenTCP(ctx, addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		path:    opts.Path,
		netLn:   ln,
		connCh:  make(chan net.Conn, wsAcceptBacklog),
		closeCh: make(chan struct{}),
	}
	if l.path == "" {
		l.path = wsDefaultPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: wsReadHeaderTimeout,
	}

	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		cfg.NextProtos = []string{"http/1.1"}
		ln = tls.NewListener(ln, cfg)
	}
	go l.server.Serve(ln)

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		return
	}
	if conn.Subprotocol() != WSSubprotocol {
		conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	// The request context ends with this handler, the session must not.
	nc := &wsConn{
		Conn:   websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
		local:  l.netLn.Addr(),
		remote: addrFromString(r.RemoteAddr),
	}

	select {
	case l.connCh <- nc:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

func (l *wsListener) Addr() net.Addr { return l.netLn.Addr() }

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func dialWebSocket(ctx context.Context, addr string, opts DialOptions) (net.Conn, error) {
	wsURL, err := webSocketURL(addr, opts)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: opts.TLSConfig,
		Proxy:           http.ProxyFromEnvironment,
	}
	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		cfg.NextProtos = []string{"http/1.1"}
		transport.TLSClientConfig = cfg
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: transport},
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}
	if conn.Subprotocol() != WSSubprotocol {
		conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return nil, fmt.Errorf("websocket dial %s: server did not accept subprotocol %s", wsURL, WSSubprotocol)
	}
	conn.SetReadLimit(wsReadLimit)

	var remote net.Addr
	if resp != nil && resp.Request != nil {
		remote = addrFromString(resp.Request.URL.Host)
	}
	return &wsConn{
		Conn:   websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
		remote: remote,
	}, nil
}

// webSocketURL turns a bare host:port into a ws:// or wss:// URL. Full URLs
// are used as given.
func webSocketURL(addr string, opts DialOptions) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if _, err := url.Parse(addr); err != nil {
			return "", fmt.Errorf("invalid websocket url: %w", err)
		}
		return addr, nil
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}
	scheme := "ws"
	if opts.TLSConfig != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: path}
	return u.String(), nil
}

// wsConn reports the real endpoint addresses of the HTTP connection that
// carried the upgrade.
type wsConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *wsConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return c.Conn.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}

// addrFromString parses a literal ip:port. Host names yield nil so the
// caller falls back to the underlying connection's address.
func addrFromString(s string) net.Addr {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}
