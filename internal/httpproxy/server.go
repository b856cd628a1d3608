// Package httpproxy implements the HTTP proxy listener. CONNECT requests
// become opaque tunnels; plain requests are forwarded verbatim to the origin
// named in their Host header.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/tunnel-broker/internal/listener"
	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/metrics"
	"github.com/postalsys/tunnel-broker/internal/mux"
	"github.com/postalsys/tunnel-broker/internal/registry"
	"github.com/postalsys/tunnel-broker/internal/routing"
)

// ListenerName labels this listener in logs, metrics and substreams.
const ListenerName = "http"

const (
	// DefaultInitialReadTimeout bounds how long a client may take to send
	// its request head.
	DefaultInitialReadTimeout = 10 * time.Second

	// MaxHeaderBytes caps the request line plus headers.
	MaxHeaderBytes = 64 * 1024

	defaultHTTPPort = 80
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

var errBadRequest = errors.New("bad request")

// Opener picks an agent and opens a substream to host:port on it.
type Opener interface {
	Open(ctx context.Context, host string, port int, client net.Conn, opts mux.OpenOptions) (*mux.Substream, error)
}

// Config configures the HTTP proxy listener.
type Config struct {
	Address            string
	MaxConnections     int
	InitialReadTimeout time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
}

// Server is the HTTP proxy listener.
type Server struct {
	cfg    Config
	opener Opener
	logger *slog.Logger
	srv    *listener.Server
}

// NewServer creates an HTTP proxy listener that opens substreams via opener.
func NewServer(cfg Config, opener Opener) *Server {
	if cfg.InitialReadTimeout <= 0 {
		cfg.InitialReadTimeout = DefaultInitialReadTimeout
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

// request is the parsed head of a client request.
type request struct {
	method  string
	target  string
	host    string
	port    int
	connect bool

	// raw holds every byte read from the client so far, head included.
	raw []byte
	// extra holds bytes read past the end of the head.
	extra []byte
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(s.cfg.InitialReadTimeout))
	req, err := readRequest(conn)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			s.logger.Debug("client sent no request in time", logging.KeyRemoteAddr, remote)
			s.cfg.Metrics.RecordListenerRejection(ListenerName, "timeout")
		case errors.Is(err, errBadRequest):
			s.logger.Debug("bad request", logging.KeyRemoteAddr, remote, logging.KeyError, err)
			s.cfg.Metrics.RecordListenerRejection(ListenerName, "bad_request")
			writeStatus(conn, http.StatusBadRequest)
		default:
			s.logger.Debug("reading request failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	opts := mux.OpenOptions{Listener: ListenerName}
	if req.connect {
		opts.Initial = req.extra
	} else {
		opts.Initial = req.raw
		opts.PlainHTTP = true
	}

	sub, err := s.opener.Open(ctx, req.host, req.port, conn, opts)
	if err != nil {
		code, reason := statusFor(err)
		s.logger.Info("request rejected",
			logging.KeyRemoteAddr, remote,
			logging.KeyTarget, net.JoinHostPort(req.host, strconv.Itoa(req.port)),
			logging.KeyError, err)
		s.cfg.Metrics.RecordListenerRejection(ListenerName, reason)
		writeStatus(conn, code)
		return
	}

	if req.connect {
		if _, err := io.WriteString(conn, connectEstablished); err != nil {
			sub.Close()
			return
		}
	}

	s.logger.Debug("relaying",
		logging.KeyRemoteAddr, remote,
		logging.KeySubstreamID, sub.ID,
		logging.KeyAgentID, sub.Agent.ID,
		logging.KeyTarget, sub.Target(),
		"method", req.method)

	sub.Start()
	sub.Wait()
}

// readRequest reads and parses the request head from conn, remembering the
// raw bytes so a plain request can be replayed to the origin unchanged.
func readRequest(conn net.Conn) (*request, error) {
	rec := &recordingReader{r: io.LimitReader(conn, MaxHeaderBytes)}
	br := bufio.NewReader(rec)
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, headError(err, rec)
	}
	method, target, proto, ok := parseRequestLine(line)
	if !ok {
		return nil, fmt.Errorf("%w: malformed request line %q", errBadRequest, line)
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return nil, fmt.Errorf("%w: malformed HTTP version %q", errBadRequest, proto)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, headError(err, rec)
	}

	req := &request{
		method: method,
		target: target,
		raw:    rec.buf.Bytes(),
	}
	if n := br.Buffered(); n > 0 {
		extra, _ := br.Peek(n)
		req.extra = extra
	}

	if method == http.MethodConnect {
		req.connect = true
		req.host, req.port, err = splitHostPort(target, 0)
	} else {
		req.host, req.port, err = splitHostPort(hostFor(target, header), defaultHTTPPort)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// headError classifies a failure while reading the request head. Running
// into the size cap or a malformed header line is the client's fault.
func headError(err error, rec *recordingReader) error {
	if rec.buf.Len() >= MaxHeaderBytes {
		return fmt.Errorf("%w: request head exceeds %d bytes", errBadRequest, MaxHeaderBytes)
	}
	var perr textproto.ProtocolError
	if errors.As(err, &perr) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return err
}

func parseRequestLine(line string) (method, target, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.Contains(proto, " ") {
		return "", "", "", false
	}
	return method, target, proto, true
}

// hostFor returns the origin of a plain request: the Host header, or the
// authority of an absolute-form target when the header is missing.
func hostFor(target string, header textproto.MIMEHeader) string {
	if h := strings.TrimSpace(header.Get("Host")); h != "" {
		return h
	}
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		return u.Host
	}
	return ""
}

// splitHostPort parses host[:port]. A zero defaultPort makes the port
// mandatory.
func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	if hostport == "" {
		return "", 0, fmt.Errorf("%w: missing host", errBadRequest)
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		if defaultPort == 0 {
			return "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		portStr = strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: missing host in %q", errBadRequest, hostport)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port in %q", errBadRequest, hostport)
	}
	return host, port, nil
}

// statusFor maps an Open failure to the status the client sees and a
// metrics reason.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, routing.ErrNoAgentAvailable):
		return http.StatusServiceUnavailable, "no_agent"
	case errors.Is(err, routing.ErrAdmissionDenied),
		errors.Is(err, mux.ErrCapacityExceeded),
		errors.Is(err, registry.ErrAgentLimitExceeded):
		return http.StatusServiceUnavailable, "capacity"
	case errors.Is(err, mux.ErrAgentGone), errors.Is(err, routing.ErrUnknownAgent):
		return http.StatusServiceUnavailable, "agent_gone"
	default:
		return http.StatusBadGateway, "open_failed"
	}
}

func writeStatus(conn net.Conn, code int) {
	body := http.StatusText(code) + "\n"
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
}

// recordingReader keeps a copy of everything read through it.
type recordingReader struct {
	r   io.Reader
	buf bytes.Buffer
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.buf.Write(p[:n])
	}
	return n, err
}
