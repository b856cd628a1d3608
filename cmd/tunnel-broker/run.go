package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/postalsys/tunnel-broker/internal/admin"
	"github.com/postalsys/tunnel-broker/internal/agent"
	"github.com/postalsys/tunnel-broker/internal/broker"
	"github.com/postalsys/tunnel-broker/internal/config"
	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/metrics"
)

func brokerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the broker",
		Long:  "Accept agent connections and serve HTTP CONNECT and SOCKS5 clients through them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateBroker(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			raiseFileLimit(logger)

			bcfg, err := brokerConfig(cfg, logger)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			bcfg.Metrics = metrics.NewMetricsWithRegistry(reg)

			b, err := broker.New(bcfg)
			if err != nil {
				return fmt.Errorf("failed to create broker: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Admin.Enabled {
				srv := admin.NewServer(admin.ServerConfig{
					Address:      cfg.Admin.Address,
					SocketPath:   cfg.Admin.SocketPath,
					ReadTimeout:  admin.DefaultServerConfig().ReadTimeout,
					WriteTimeout: admin.DefaultServerConfig().WriteTimeout,
					Gatherer:     reg,
					Logger:       logger,
				}, b)
				if err := srv.Start(); err != nil {
					return fmt.Errorf("failed to start admin API: %w", err)
				}
				defer srv.Stop()
			}

			if err := b.Run(ctx); err != nil {
				return err
			}
			fmt.Println("Broker stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func agentCmd() *cobra.Command {
	var (
		configPath string
		id         string
		brokerAddr string
		token      string
		askToken   bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent",
		Long: `Connect out to the broker and relay the substreams it opens to
destinations reachable from this host. Flags override the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cmd.Flags().Changed("config") || fileExists(configPath) {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			if id != "" {
				cfg.Agent.ID = id
			}
			if brokerAddr != "" {
				cfg.Agent.Broker = brokerAddr
			}
			if token != "" {
				cfg.Agent.Token = token
			}
			if askToken || (cfg.Agent.Token == "" && stdinIsTerminal()) {
				t, err := readSecret("Agent token: ")
				if err != nil {
					return err
				}
				cfg.Agent.Token = t
			}
			if err := cfg.ValidateAgent(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			acfg, err := agentConfig(cfg, logger)
			if err != nil {
				return err
			}
			a, err := agent.New(acfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = a.Run(ctx)
			if errors.Is(err, agent.ErrAuthRejected) {
				return fmt.Errorf("broker rejected this agent: %w", err)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&id, "id", "", "Agent ID announced to the broker")
	cmd.Flags().StringVar(&brokerAddr, "broker", "", "Broker address (host:port or ws[s]:// URL)")
	cmd.Flags().StringVar(&token, "token", "", "Shared agent token")
	cmd.Flags().BoolVar(&askToken, "ask-token", false, "Prompt for the agent token")

	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
