// Command mcpd is the MCP daemon process: it pools MCP server child
// processes and serves them over a local control socket. Grounded in
// bebsworthy-logmcp/cmd's cobra command-tree shape, narrowed to a single
// root command since this binary has no subcommands of its own — mode
// selection is entirely via flags, matching lydakis-mcpx's `mcpx __daemon`
// being a hidden single entrypoint rather than a command tree.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpdaemon/mcpd/internal/initializer"
	"github.com/mcpdaemon/mcpd/internal/logging"
	"github.com/mcpdaemon/mcpd/internal/paths"
	"github.com/mcpdaemon/mcpd/internal/supervisor"
)

var (
	flagSocketPath    string
	flagCatalogPath   string
	flagForeground    bool
	flagLogLevel      string
	flagLogFormat     string
	flagInitParallel  int
	flagInitTimeout   time.Duration
	flagFailurePolicy string
	flagHealthCheck   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "mcpd",
		Short: "MCP daemon process pool and IPC dispatcher",
		Long: `mcpd pools MCP server child processes behind a single long-lived
daemon and serves them over a local control socket, so short-lived CLI
invocations avoid paying per-call MCP handshake and spawn cost.`,
		RunE: runDaemon,
	}

	root.Flags().StringVar(&flagSocketPath, "socket", "", "control socket path (default $MCP_DAEMON_SOCKET or "+paths.DefaultSocketPath+")")
	root.Flags().StringVar(&flagCatalogPath, "catalog", "", "server catalog TOML path")
	root.Flags().BoolVar(&flagForeground, "foreground", false, "run in the foreground instead of detaching")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&flagLogFormat, "log-format", "text", "log format: text, json")
	root.Flags().IntVar(&flagInitParallel, "init-parallel", 4, "max concurrent auto-start launches")
	root.Flags().DurationVar(&flagInitTimeout, "init-timeout", 30*time.Second, "overall deadline for auto-start initialization")
	root.Flags().StringVar(&flagFailurePolicy, "on-init-failure", "warn", "fail, warn, or ignore a required auto-start failure")
	root.Flags().DurationVar(&flagHealthCheck, "health-check-interval", 30*time.Second, "health monitor sweep period")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{Level: flagLogLevel, Format: flagLogFormat}, os.Stderr)
	if err != nil {
		return err
	}

	policy := initializer.FailurePolicy(flagFailurePolicy)
	switch policy {
	case initializer.PolicyFail, initializer.PolicyWarn, initializer.PolicyIgnore:
	default:
		return fmt.Errorf("invalid --on-init-failure %q", flagFailurePolicy)
	}

	code := supervisor.Run(context.Background(), supervisor.Options{
		SocketPath:          flagSocketPath,
		CatalogPath:         flagCatalogPath,
		Foreground:          flagForeground,
		Logger:              logger,
		InitParallel:        flagInitParallel,
		InitTimeout:         flagInitTimeout,
		FailurePolicy:       policy,
		HealthCheckInterval: flagHealthCheck,
	})
	os.Exit(code)
	return nil
}
