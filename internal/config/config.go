// Package config provides configuration parsing and validation for the
// broker and agent.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/tunnel-broker/internal/routing"
	"github.com/postalsys/tunnel-broker/internal/transport"
)

// Config is the complete configuration file. The broker and agent
// subcommands each read their own section plus the shared ones.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Broker    BrokerConfig    `yaml:"broker"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Admin     AdminConfig     `yaml:"admin"`
	Agent     AgentConfig     `yaml:"agent"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ListenerConfig defines the agent-facing listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // tcp, tls, ws, quic
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"` // HTTP path for ws
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings. Brokers use Cert/Key; agents use the rest.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // dev only
}

// BrokerConfig defines the broker's listeners, credentials and limits.
type BrokerConfig struct {
	Listener  ListenerConfig `yaml:"listener"`
	HTTPProxy string         `yaml:"http_proxy"` // empty disables
	SOCKS5    string         `yaml:"socks5"`     // empty disables

	Token     string `yaml:"token"`
	TokenHash string `yaml:"token_hash"` // bcrypt

	AuthTimeout        time.Duration `yaml:"auth_timeout"`
	InitialReadTimeout time.Duration `yaml:"initial_read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`

	MaxAgents              int `yaml:"max_agents"`
	MaxConnectionsPerAgent int `yaml:"max_connections_per_agent"`
	MaxSubstreamsTotal     int `yaml:"max_substreams_total"`
	MaxClientConnections   int `yaml:"max_client_connections"`

	AcceptRate  float64 `yaml:"accept_rate"` // agent connections per second, 0 = unlimited
	AcceptBurst int     `yaml:"accept_burst"`

	Strategy    string `yaml:"strategy"`
	PinnedAgent string `yaml:"pinned_agent"`
}

// HeartbeatConfig defines Ping/Pong timing, shared by broker and agent.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BreakerConfig defines health scoring and circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down"`
	LatencyWindow    int           `yaml:"latency_window"`
	SuccessReward    int           `yaml:"success_reward"`
	FailurePenalty   int           `yaml:"failure_penalty"`
}

// AdminConfig defines the admin HTTP API.
type AdminConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	SocketPath string `yaml:"socket_path"`
}

// AgentConfig defines how an agent reaches its broker.
type AgentConfig struct {
	ID             string          `yaml:"id"`
	Broker         string          `yaml:"broker"`
	Transport      string          `yaml:"transport"`
	Path           string          `yaml:"path"`
	TLS            TLSConfig       `yaml:"tls"`
	Token          string          `yaml:"token"`
	Weight         int             `yaml:"weight"`
	MaxConnections int             `yaml:"max_connections"`
	UpstreamProxy  string          `yaml:"upstream_proxy"` // socks5://[user:pass@]host:port
	DialTimeout    time.Duration   `yaml:"dial_timeout"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = infinite
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Broker: BrokerConfig{
			Listener: ListenerConfig{
				Transport: "tcp",
				Address:   "0.0.0.0:7777",
				Path:      "/agent",
			},
			HTTPProxy:              "127.0.0.1:8080",
			SOCKS5:                 "127.0.0.1:1080",
			AuthTimeout:            10 * time.Second,
			InitialReadTimeout:     10 * time.Second,
			WriteTimeout:           30 * time.Second,
			ShutdownTimeout:        10 * time.Second,
			MaxAgents:              100,
			MaxConnectionsPerAgent: 50,
			MaxSubstreamsTotal:     0,
			MaxClientConnections:   1000,
			AcceptBurst:            20,
			Strategy:               string(routing.RoundRobin),
		},
		Heartbeat: HeartbeatConfig{
			Interval: 15 * time.Second,
			Timeout:  45 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CoolDown:         60 * time.Second,
			LatencyWindow:    100,
			SuccessReward:    5,
			FailurePenalty:   20,
		},
		Admin: AdminConfig{
			Enabled: false,
			Address: "127.0.0.1:5000",
		},
		Agent: AgentConfig{
			Transport:   "tcp",
			Path:        "/agent",
			Weight:      1,
			DialTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the settings shared by every role.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout < c.Heartbeat.Interval {
		errs = append(errs, "heartbeat.timeout must be >= heartbeat.interval")
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.CoolDown <= 0 {
		errs = append(errs, "breaker.cool_down must be positive")
	}
	if c.Breaker.LatencyWindow < 1 {
		errs = append(errs, "breaker.latency_window must be positive")
	}
	if c.Breaker.SuccessReward < 0 || c.Breaker.FailurePenalty < 0 {
		errs = append(errs, "breaker.success_reward and breaker.failure_penalty must not be negative")
	}

	if c.Admin.Enabled && c.Admin.Address == "" && c.Admin.SocketPath == "" {
		errs = append(errs, "admin.address or admin.socket_path is required when enabled")
	}

	return joinErrors(errs)
}

// ValidateBroker checks the broker section on top of Validate.
func (c *Config) ValidateBroker() error {
	var errs []string
	if err := c.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	b := c.Broker
	if err := validateListener(b.Listener); err != nil {
		errs = append(errs, fmt.Sprintf("broker.listener: %v", err))
	}
	if b.HTTPProxy == "" && b.SOCKS5 == "" {
		errs = append(errs, "at least one of broker.http_proxy or broker.socks5 is required")
	}
	if b.Token == "" && b.TokenHash == "" {
		errs = append(errs, "broker.token or broker.token_hash is required")
	}
	if b.MaxAgents < 1 {
		errs = append(errs, "broker.max_agents must be positive")
	}
	if b.MaxConnectionsPerAgent < 1 {
		errs = append(errs, "broker.max_connections_per_agent must be positive")
	}
	if b.MaxSubstreamsTotal < 0 {
		errs = append(errs, "broker.max_substreams_total must not be negative (0 = unlimited)")
	}
	if b.AcceptRate < 0 {
		errs = append(errs, "broker.accept_rate must not be negative")
	}
	if _, err := routing.ParseStrategy(b.Strategy); err != nil {
		errs = append(errs, fmt.Sprintf("broker.strategy: %v", err))
	}

	return joinErrors(errs)
}

// ValidateAgent checks the agent section on top of Validate.
func (c *Config) ValidateAgent() error {
	var errs []string
	if err := c.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	a := c.Agent
	if strings.TrimSpace(a.ID) == "" {
		errs = append(errs, "agent.id is required")
	}
	if a.Broker == "" {
		errs = append(errs, "agent.broker is required")
	}
	if _, err := transport.ParseKind(a.Transport); err != nil {
		errs = append(errs, fmt.Sprintf("agent.transport: %v", err))
	}
	if a.Token == "" {
		errs = append(errs, "agent.token is required")
	}
	if a.Weight < 0 || a.MaxConnections < 0 {
		errs = append(errs, "agent.weight and agent.max_connections must not be negative")
	}
	if a.Reconnect.Multiplier != 0 && a.Reconnect.Multiplier < 1 {
		errs = append(errs, "agent.reconnect.multiplier must be >= 1")
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	kind, err := transport.ParseKind(l.Transport)
	if err != nil {
		return err
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if kind.NeedsTLS() && (l.TLS.Cert == "" || l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key are required for %s transport", kind)
	}
	if (l.TLS.Cert == "") != (l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// Secrets are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	r := *c
	if r.Broker.Token != "" {
		r.Broker.Token = redactedValue
	}
	if r.Agent.Token != "" {
		r.Agent.Token = redactedValue
	}
	// Key paths point to sensitive files.
	if r.Broker.Listener.TLS.Key != "" {
		r.Broker.Listener.TLS.Key = redactedValue
	}
	if r.Agent.UpstreamProxy != "" {
		r.Agent.UpstreamProxy = redactURL(r.Agent.UpstreamProxy)
	}
	return &r
}

// HasSensitiveData returns true if the config contains any plaintext secret.
func (c *Config) HasSensitiveData() bool {
	return c.Broker.Token != "" || c.Agent.Token != "" || strings.Contains(c.Agent.UpstreamProxy, "@")
}

// redactURL hides the password in a proxy URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, _ := strings.Cut(userinfo, ":")
	return scheme + "://" + user + ":" + redactedValue + "@" + host
}
