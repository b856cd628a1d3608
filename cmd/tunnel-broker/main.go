// Package main provides the CLI entry point for the tunnel broker and its agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnel-broker",
		Short: "Reverse-tunnel broker for outbound-only agents",
		Long: `tunnel-broker accepts long-lived connections from agents running on
private networks and multiplexes HTTP CONNECT and SOCKS5 client traffic
over them, so destinations reachable only from the agent's network can
be used without opening inbound ports.

Run "tunnel-broker broker" on the public host and "tunnel-broker agent"
inside each private network.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(brokerCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(killCmd())
	rootCmd.AddCommand(pinCmd())
	rootCmd.AddCommand(unpinCmd())
	rootCmd.AddCommand(strategyCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(hashTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
