package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/postalsys/tunnel-broker/internal/broker"
)

// Client talks to the admin API over TCP or a Unix socket.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the admin API at address ("host:port" or a
// full http URL).
func NewClient(address string) *Client {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewUnixClient creates a client for the admin API on a Unix socket.
func NewUnixClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		// Use a dummy host since we're connecting via Unix socket
		baseURL: "http://localhost",
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the broker snapshot.
func (c *Client) Status(ctx context.Context) (*broker.Snapshot, error) {
	var snap broker.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Agents retrieves connected agents.
func (c *Client) Agents(ctx context.Context) (*AgentsResponse, error) {
	var resp AgentsResponse
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Connections retrieves open substreams.
func (c *Client) Connections(ctx context.Context) (*ConnectionsResponse, error) {
	var resp ConnectionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/connections", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CloseConnection tears down one substream.
func (c *Client) CloseConnection(ctx context.Context, id string) (*CloseResponse, error) {
	var resp CloseResponse
	if err := c.do(ctx, http.MethodDelete, "/api/connections/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pin routes all new substreams to agentID.
func (c *Client) Pin(ctx context.Context, agentID string) (*broker.Snapshot, error) {
	var snap broker.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/pin", PinRequest{AgentID: agentID}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Unpin clears the pinned agent.
func (c *Client) Unpin(ctx context.Context) (*broker.Snapshot, error) {
	var snap broker.Snapshot
	if err := c.do(ctx, http.MethodDelete, "/api/pin", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetStrategy changes the selection strategy.
func (c *Client) SetStrategy(ctx context.Context, strategy string) (*broker.Snapshot, error) {
	var snap broker.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/strategy", StrategyRequest{Strategy: strategy}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
