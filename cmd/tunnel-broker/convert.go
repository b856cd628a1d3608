package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/postalsys/tunnel-broker/internal/agent"
	"github.com/postalsys/tunnel-broker/internal/broker"
	"github.com/postalsys/tunnel-broker/internal/config"
	"github.com/postalsys/tunnel-broker/internal/liveness"
	"github.com/postalsys/tunnel-broker/internal/routing"
	"github.com/postalsys/tunnel-broker/internal/transport"
)

// brokerConfig maps the broker section of cfg onto broker.Config.
func brokerConfig(cfg *config.Config, logger *slog.Logger) (broker.Config, error) {
	bc := cfg.Broker

	kind, err := transport.ParseKind(bc.Listener.Transport)
	if err != nil {
		return broker.Config{}, err
	}
	strategy, err := routing.ParseStrategy(bc.Strategy)
	if err != nil {
		return broker.Config{}, err
	}

	var tlsCfg *tls.Config
	if bc.Listener.TLS.Cert != "" {
		tlsCfg, err = transport.LoadTLSConfig(bc.Listener.TLS.Cert, bc.Listener.TLS.Key)
		if err != nil {
			return broker.Config{}, err
		}
		if bc.Listener.TLS.CA != "" {
			pool, err := transport.LoadCAPool(bc.Listener.TLS.CA)
			if err != nil {
				return broker.Config{}, err
			}
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	return broker.Config{
		AgentTransport:       kind,
		AgentAddress:         bc.Listener.Address,
		AgentPath:            bc.Listener.Path,
		AgentTLS:             tlsCfg,
		HTTPAddress:          bc.HTTPProxy,
		SOCKS5Address:        bc.SOCKS5,
		Token:                bc.Token,
		TokenHash:            bc.TokenHash,
		AuthTimeout:          bc.AuthTimeout,
		WriteTimeout:         bc.WriteTimeout,
		InitialReadTimeout:   bc.InitialReadTimeout,
		ShutdownTimeout:      bc.ShutdownTimeout,
		MaxAgents:            bc.MaxAgents,
		MaxSubstreams:        bc.MaxSubstreamsTotal,
		MaxClientConnections: bc.MaxClientConnections,
		AcceptRate:           bc.AcceptRate,
		AcceptBurst:          bc.AcceptBurst,
		Strategy:             strategy,
		PinnedAgent:          bc.PinnedAgent,
		Heartbeat: liveness.Config{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
		Tracker: routing.TrackerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			CoolDown:         cfg.Breaker.CoolDown,
			LatencyWindow:    cfg.Breaker.LatencyWindow,
			SuccessReward:    cfg.Breaker.SuccessReward,
			FailurePenalty:   cfg.Breaker.FailurePenalty,
			MaxConnections:   bc.MaxConnectionsPerAgent,
		},
		Logger: logger,
	}, nil
}

// agentConfig maps the agent section of cfg onto agent.Config.
func agentConfig(cfg *config.Config, logger *slog.Logger) (agent.Config, error) {
	ac := cfg.Agent

	kind, err := transport.ParseKind(ac.Transport)
	if err != nil {
		return agent.Config{}, err
	}

	var tlsCfg *tls.Config
	if wantsClientTLS(kind, ac) {
		tlsCfg, err = transport.LoadClientTLSConfig(ac.TLS.CA, ac.TLS.ServerName, ac.TLS.InsecureSkipVerify)
		if err != nil {
			return agent.Config{}, err
		}
		if ac.TLS.Cert != "" {
			cert, err := tls.LoadX509KeyPair(ac.TLS.Cert, ac.TLS.Key)
			if err != nil {
				return agent.Config{}, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
	}

	return agent.Config{
		ID:             ac.ID,
		BrokerAddress:  ac.Broker,
		Transport:      kind,
		Path:           ac.Path,
		TLSConfig:      tlsCfg,
		Token:          ac.Token,
		Weight:         ac.Weight,
		MaxConnections: ac.MaxConnections,
		UpstreamProxy:  ac.UpstreamProxy,
		DialTimeout:    ac.DialTimeout,
		Heartbeat: liveness.Config{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
		Reconnect: agent.ReconnectConfig{
			InitialDelay: ac.Reconnect.InitialDelay,
			MaxDelay:     ac.Reconnect.MaxDelay,
			Multiplier:   ac.Reconnect.Multiplier,
			Jitter:       ac.Reconnect.Jitter,
			MaxAttempts:  ac.Reconnect.MaxAttempts,
		},
		Logger: logger,
	}, nil
}

// wantsClientTLS reports whether the agent dials with TLS. WebSocket uses it
// only when asked to, through a wss:// address or any TLS setting.
func wantsClientTLS(kind transport.Kind, ac config.AgentConfig) bool {
	if kind.NeedsTLS() {
		return true
	}
	if kind != transport.KindWebSocket {
		return false
	}
	return strings.HasPrefix(ac.Broker, "wss://") ||
		ac.TLS.CA != "" || ac.TLS.ServerName != "" || ac.TLS.InsecureSkipVerify || ac.TLS.Cert != ""
}
