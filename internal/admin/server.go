// Package admin provides the broker's administrative HTTP API: health checks,
// Prometheus metrics, a read-only snapshot and the pin/strategy controls. It
// listens on TCP, a Unix socket, or both.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/tunnel-broker/internal/broker"
	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/mux"
	"github.com/postalsys/tunnel-broker/internal/recovery"
)

// Broker is the part of the broker the admin API reads and controls.
type Broker interface {
	IsRunning() bool
	Snapshot() broker.Snapshot
	Agents() []broker.AgentStatus
	Connections() []mux.Info
	SetPinned(agentID string)
	SetStrategy(name string) error
	CloseSubstream(id string) (int64, bool)
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	Running    bool   `json:"running"`
	Agents     int    `json:"agents"`
	Substreams int    `json:"substreams"`
}

// AgentsResponse is the body of /api/agents.
type AgentsResponse struct {
	Agents []broker.AgentStatus `json:"agents"`
}

// ConnectionsResponse is the body of /api/connections.
type ConnectionsResponse struct {
	Connections []mux.Info `json:"connections"`
}

// PinRequest is the body of POST /api/pin.
type PinRequest struct {
	AgentID string `json:"agent_id"`
}

// StrategyRequest is the body of POST /api/strategy.
type StrategyRequest struct {
	Strategy string `json:"strategy"`
}

// CloseResponse is the body of DELETE /api/connections/{id}.
type CloseResponse struct {
	ID               string `json:"id"`
	BytesTransferred int64  `json:"bytes_transferred"`
}

// ErrorResponse carries a failure message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains admin server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:5000"). Empty disables TCP.
	Address string

	// SocketPath is the path to a Unix socket. Empty disables it.
	SocketPath string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:5000",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	cfg       ServerConfig
	broker    Broker
	logger    *slog.Logger
	server    *http.Server
	listeners []net.Listener
	running   atomic.Bool
}

// NewServer creates an admin server for b.
func NewServer(cfg ServerConfig, b Broker) *Server {
	s := &Server{
		cfg:    cfg,
		broker: b,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "admin"),
	}

	metricsHandler := promhttp.Handler()
	if cfg.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}

	router := http.NewServeMux()
	router.HandleFunc("/health", s.handleHealth)
	router.HandleFunc("/healthz", s.handleHealthz)
	router.Handle("/metrics", metricsHandler)
	router.HandleFunc("/api/status", s.handleStatus)
	router.HandleFunc("/api/agents", s.handleAgents)
	router.HandleFunc("/api/connections", s.handleConnections)
	router.HandleFunc("/api/connections/", s.handleCloseConnection)
	router.HandleFunc("/api/pin", s.handlePin)
	router.HandleFunc("/api/strategy", s.handleStrategy)

	s.server = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the configured TCP address and/or Unix socket.
func (s *Server) Start() error {
	if s.cfg.Address == "" && s.cfg.SocketPath == "" {
		return errors.New("admin server needs an address or a socket path")
	}

	if s.cfg.Address != "" {
		ln, err := net.Listen("tcp", s.cfg.Address)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		s.listeners = append(s.listeners, ln)
	}
	if s.cfg.SocketPath != "" {
		// Remove a stale socket left by a previous run
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			s.closeListeners()
			return err
		}
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("admin socket: %w", err)
		}
		s.listeners = append(s.listeners, ln)
	}
	s.running.Store(true)

	for _, ln := range s.listeners {
		go func(ln net.Listener) {
			defer recovery.RecoverWithLog(s.logger, "admin.serve")
			if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("admin server stopped", logging.KeyError, err)
			}
		}(ln)
		s.logger.Info("admin API listening", logging.KeyLocalAddr, ln.Addr().String())
	}
	return nil
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

// Stop stops the admin server and removes its socket file.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	if s.cfg.SocketPath != "" {
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Address returns the TCP listen address, or nil when TCP is disabled.
func (s *Server) Address() net.Addr {
	for _, ln := range s.listeners {
		if ln.Addr().Network() == "tcp" {
			return ln.Addr()
		}
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with counts if the broker is running, 503 if not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.broker == nil || !s.broker.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Running:    true,
		Agents:     len(s.broker.Agents()),
		Substreams: len(s.broker.Connections()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Snapshot())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, AgentsResponse{Agents: s.broker.Agents()})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conns := s.broker.Connections()
	if conns == nil {
		conns = []mux.Info{}
	}
	writeJSON(w, http.StatusOK, ConnectionsResponse{Connections: conns})
}

// handleCloseConnection tears down one substream: DELETE /api/connections/{id}.
func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/connections/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "substream id required")
		return
	}

	n, ok := s.broker.CloseSubstream(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown substream")
		return
	}
	s.logger.Info("substream closed by operator", logging.KeySubstreamID, id, logging.Bytes(n))
	writeJSON(w, http.StatusOK, CloseResponse{ID: id, BytesTransferred: n})
}

// handlePin sets (POST) or clears (DELETE) the pinned agent.
func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req PinRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.AgentID) == "" {
			writeError(w, http.StatusBadRequest, "agent_id required")
			return
		}
		s.broker.SetPinned(req.AgentID)
	case http.MethodDelete:
		s.broker.SetPinned("")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Snapshot())
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StrategyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.broker.SetStrategy(req.Strategy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Snapshot())
}

const maxBodyBytes = 64 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
