// Command mcpctl is the CLI front-end to the MCP daemon: it presents one
// local API that transparently uses the daemon when responsive and falls
// back to spawning an ephemeral MCP server child otherwise (spec §4.7).
// Grounded in original_source/cllm_mcp/main.py's list-tools/call-tool
// subcommands and bebsworthy-logmcp/cmd's cobra command-tree shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	mcpjson "github.com/segmentio/encoding/json"

	"github.com/mcpdaemon/mcpd/internal/client"
	"github.com/mcpdaemon/mcpd/internal/mcperr"
	"github.com/mcpdaemon/mcpd/internal/paths"
)

var (
	flagSocketPath string
	flagNoDaemon   bool
	flagVerbose    bool
	flagTimeoutMs  int
)

func main() {
	root := &cobra.Command{
		Use:   "mcpctl",
		Short: "Client for the MCP daemon process pool",
	}
	root.PersistentFlags().StringVar(&flagSocketPath, "socket", "", "daemon socket path (default $MCP_DAEMON_SOCKET or "+paths.DefaultSocketPath+")")
	root.PersistentFlags().BoolVar(&flagNoDaemon, "no-daemon", false, "always use direct mode, never contact the daemon")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "print which path (daemon/direct) served the request")

	root.AddCommand(listToolsCmd(), callToolCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitCodeFor(err)
	}
}

func newClient() *client.Client {
	socket := flagSocketPath
	if socket == "" {
		socket = paths.SocketPath()
	}
	return client.New(client.Options{SocketPath: socket, NoDaemon: flagNoDaemon})
}

func listToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tools <server_command>",
		Short: "List the tools exposed by an MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			tools, path, err := newClient().ListTools(ctx, args[0])
			if err != nil {
				return err
			}
			reportPath(path)

			out, err := json.MarshalIndent(tools, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func callToolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call-tool <server_command> <tool_name> <json_arguments>",
		Short: "Invoke a single tool on an MCP server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			var timeout *int
			if flagTimeoutMs > 0 {
				timeout = &flagTimeoutMs
			}

			result, path, err := newClient().CallTool(ctx, args[0], args[1], mcpjson.RawMessage(args[2]), timeout)
			if err != nil {
				return err
			}
			reportPath(path)
			fmt.Println(string(result))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's running servers and uptime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			status, err := newClient().StatusFromDaemon(ctx)
			if err != nil {
				return fmt.Errorf("daemon is not reachable: %w", err)
			}

			fmt.Printf("status: %s\n", status.Status)
			fmt.Printf("servers: %d\n", status.ServerCount)
			if len(status.AutoStarted) > 0 {
				fmt.Println("\nauto-started servers:")
				for _, e := range status.AutoStarted {
					fmt.Printf("  - %s (uptime: %s)\n", e.ID, formatUptime(e.UptimeSeconds))
				}
			}
			if len(status.OnDemand) > 0 {
				fmt.Println("\non-demand servers:")
				for _, id := range status.OnDemand {
					fmt.Printf("  - %s\n", id)
				}
			}
			return nil
		},
	}
}

func reportPath(p client.Path) {
	if flagVerbose {
		fmt.Fprintf(os.Stderr, "mcpctl: served via %s mode\n", p)
	}
}

// formatUptime renders a duration in seconds the way
// original_source/mcp_daemon.py's _format_uptime does: this is purely a
// CLI presentation concern (the wire status response always carries raw
// uptime_seconds per spec §6), so it lives here rather than in the daemon.
func formatUptime(seconds float64) string {
	s := int(seconds)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}

// exitCodeFor maps a command failure to a non-zero process exit code,
// preserving the wire ErrorKind in the already-printed message (spec §7:
// "the transparent client maps these to non-zero process exit codes").
func exitCodeFor(err error) {
	kind, ok := mcperr.KindOf(err)
	if !ok {
		os.Exit(1)
	}
	switch kind {
	case mcperr.KindNotFound:
		os.Exit(2)
	case mcperr.KindTimeout:
		os.Exit(3)
	case mcperr.KindBadRequest, mcperr.KindOversize:
		os.Exit(4)
	default:
		os.Exit(1)
	}
}
