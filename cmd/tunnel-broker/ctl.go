package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/tunnel-broker/internal/admin"
	"github.com/postalsys/tunnel-broker/internal/broker"
	"github.com/postalsys/tunnel-broker/internal/mux"
	"github.com/postalsys/tunnel-broker/internal/routing"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(16)

	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("241"))
)

const adminTimeout = 10 * time.Second

// adminFlags selects the admin endpoint shared by the control commands.
type adminFlags struct {
	address string
	socket  string
	json    bool
}

func (f *adminFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.address, "address", "a", "127.0.0.1:5000", "Admin API address")
	cmd.Flags().StringVarP(&f.socket, "socket", "s", "", "Admin API Unix socket (overrides --address)")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print raw JSON")
}

func (f *adminFlags) client() *admin.Client {
	if f.socket != "" {
		return admin.NewUnixClient(f.socket)
	}
	return admin.NewClient(f.address)
}

// withClient runs fn with a client and a bounded context.
func (f *adminFlags) withClient(fn func(ctx context.Context, c *admin.Client) error) error {
	c := f.client()
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	var flags adminFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show broker status",
		Long:  "Display listeners, routing and connected agents of a running broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(func(ctx context.Context, c *admin.Client) error {
				snap, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(snap)
				}
				printSnapshot(snap)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func agentsCmd() *cobra.Command {
	var flags adminFlags

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(func(ctx context.Context, c *admin.Client) error {
				resp, err := c.Agents(ctx)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(resp)
				}
				printAgents(resp.Agents)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func connectionsCmd() *cobra.Command {
	var flags adminFlags

	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conns"},
		Short:   "List open substreams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(func(ctx context.Context, c *admin.Client) error {
				resp, err := c.Connections(ctx)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(resp)
				}
				printConnections(resp.Connections)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func killCmd() *cobra.Command {
	var flags adminFlags

	cmd := &cobra.Command{
		Use:   "kill <substream-id>",
		Short: "Close one substream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(func(ctx context.Context, c *admin.Client) error {
				resp, err := c.CloseConnection(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Closed %s after %s\n", resp.ID, humanize.IBytes(uint64(resp.BytesTransferred)))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func pinCmd() *cobra.Command {
	var flags adminFlags

	cmd := &cobra.Command{
		Use:   "pin <agent-id>",
		Short: "Route every new substream to one agent",
		Long: `Pin routing to one agent. While pinned, new substreams fail if that
agent is disconnected; use "unpin" to return to strategy-based selection.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(func(ctx context.Context, c *admin.Client) error {
				snap, err := c.Pin(ctx, args[0])
				if err != nil {
					return err
				}
				if !agentConnected(snap, snap.PinnedAgent) {
					fmt.Println(warnStyle.Render("Warning: " + snap.PinnedAgent + " is not connected; new substreams will fail"))
				}
				fmt.Printf("Pinned to %s\n", snap.PinnedAgent)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func unpinCmd() *cobra.Command {
	var flags adminFlags

	cmd := &cobra.Command{
		Use:   "unpin",
		Short: "Clear the pinned agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(func(ctx context.Context, c *admin.Client) error {
				snap, err := c.Unpin(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Unpinned; strategy is %s\n", snap.Strategy)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func strategyCmd() *cobra.Command {
	var flags adminFlags

	cmd := &cobra.Command{
		Use:   "strategy <name>",
		Short: "Change the agent selection strategy",
		Long:  "Change the selection strategy. One of: " + strategyNames(),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := routing.ParseStrategy(args[0]); err != nil {
				return err
			}
			return flags.withClient(func(ctx context.Context, c *admin.Client) error {
				snap, err := c.SetStrategy(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Strategy is now %s\n", snap.Strategy)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func agentConnected(snap *broker.Snapshot, id string) bool {
	for _, a := range snap.Agents {
		if a.ID == id {
			return true
		}
	}
	return false
}

func printSnapshot(snap *broker.Snapshot) {
	fmt.Println(titleStyle.Render("Tunnel broker"))

	state := okStyle.Render("running")
	if !snap.Running {
		state = errorStyle.Render("stopped")
	}
	row := func(label, value string) {
		fmt.Println(labelStyle.Render(label) + value)
	}
	row("State", state)
	if !snap.StartedAt.IsZero() {
		row("Started", humanize.Time(snap.StartedAt))
	}
	row("Agent listener", orDash(snap.AgentAddress))
	row("HTTP proxy", orDash(snap.HTTPAddress))
	row("SOCKS5", orDash(snap.SOCKS5Address))
	row("Strategy", string(snap.Strategy))
	if snap.PinnedAgent != "" {
		pinned := snap.PinnedAgent
		if !agentConnected(snap, pinned) {
			pinned = warnStyle.Render(pinned + " (not connected)")
		}
		row("Pinned", pinned)
	}
	if snap.Health.Total > 0 {
		health := fmt.Sprintf("%s (avg %.0f; %d healthy, %d warning, %d critical)",
			snap.Health.Level, snap.Health.Average,
			snap.Health.Healthy, snap.Health.Warning, snap.Health.Critical)
		switch snap.Health.Level {
		case routing.HealthLevelExcellent, routing.HealthLevelGood:
			health = okStyle.Render(health)
		case routing.HealthLevelWarning:
			health = warnStyle.Render(health)
		default:
			health = errorStyle.Render(health)
		}
		row("Health", health)
	}
	row("Substreams", humanize.Comma(int64(snap.Substreams)))
	row("Selections", fmt.Sprintf("%s ok, %s failed",
		humanize.Comma(int64(snap.Selection.Successful)),
		humanize.Comma(int64(snap.Selection.Failed))))
	fmt.Println()
	printAgents(snap.Agents)
}

func printAgents(agents []broker.AgentStatus) {
	if len(agents) == 0 {
		fmt.Println(warnStyle.Render("No agents connected"))
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-20s %-22s %-14s %-9s %6s %7s %8s",
		"AGENT", "REMOTE", "CONNECTED", "BREAKER", "HEALTH", "STREAMS", "RTT")))
	for _, a := range agents {
		breaker := a.Route.Breaker.String()
		switch a.Route.Breaker {
		case routing.BreakerClosed:
			breaker = okStyle.Render(fmt.Sprintf("%-9s", breaker))
		default:
			breaker = warnStyle.Render(fmt.Sprintf("%-9s", breaker))
		}
		rtt := "-"
		if a.RTT > 0 {
			rtt = time.Duration(a.RTT * float64(time.Second)).Round(time.Millisecond).String()
		}
		fmt.Printf("%-20s %-22s %-14s %s %6d %3d/%-3d %8s\n",
			a.ID, a.RemoteAddr, humanize.Time(a.ConnectedAt), breaker,
			a.Route.HealthScore, a.Substreams, a.Route.MaxConnections, rtt)
	}
}

func printConnections(conns []mux.Info) {
	if len(conns) == 0 {
		fmt.Println("No open substreams")
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s %-16s %-28s %-6s %10s %s",
		"ID", "AGENT", "TARGET", "VIA", "BYTES", "OPENED")))
	for _, c := range conns {
		fmt.Printf("%-36s %-16s %-28s %-6s %10s %s\n",
			c.ID, c.AgentID, c.Target, c.Listener,
			humanize.IBytes(uint64(c.BytesTransferred)), humanize.Time(c.CreatedAt))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func strategyNames() string {
	names := make([]string, 0, len(routing.AllStrategies))
	for _, s := range routing.AllStrategies {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
