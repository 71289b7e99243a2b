// Package supervisor owns the daemon process's lifecycle: stale-socket
// detection, single-instance enforcement, detaching from the controlling
// terminal, running the Initializer and Monitor, and serving the control
// socket until a signal or a "shutdown" command arrives. Grounded in
// lydakis-mcpx/internal/daemon's Run/spawn.go (stale-state clearing,
// re-exec-based detach) generalized to this daemon's catalog-driven boot
// sequence instead of mcp-go client wrapping.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mcpdaemon/mcpd/internal/dispatch"
	"github.com/mcpdaemon/mcpd/internal/initializer"
	"github.com/mcpdaemon/mcpd/internal/ipc"
	"github.com/mcpdaemon/mcpd/internal/monitor"
	"github.com/mcpdaemon/mcpd/internal/paths"
	"github.com/mcpdaemon/mcpd/internal/pool"
	"github.com/mcpdaemon/mcpd/internal/servercatalog"
)

// Exit codes of the daemon process, per spec §6.
const (
	ExitOK             = 0
	ExitInitFailure    = 1
	ExitAlreadyRunning = 2
	ExitBindError      = 3
)

// detachedEnvVar is the sentinel the re-exec'd child uses to recognize it
// is already the detached daemon and must not detach again.
const detachedEnvVar = "MCPD_DETACHED"

const probeTimeout = 1 * time.Second

// Options configures a daemon run.
type Options struct {
	SocketPath  string
	CatalogPath string
	Foreground  bool
	Logger      *slog.Logger

	InitParallel  int
	InitTimeout   time.Duration
	FailurePolicy initializer.FailurePolicy

	HealthCheckInterval time.Duration
}

func (o Options) resolvedSocketPath() string {
	if o.SocketPath != "" {
		return o.SocketPath
	}
	return paths.SocketPath()
}

// Run executes the daemon's full lifecycle and returns the process exit
// code. When opts.Foreground is false and the process is not already the
// re-exec'd detached child, Run spawns that child and returns immediately
// with ExitOK, leaving the detached child to do the actual work.
func Run(ctx context.Context, opts Options) int {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !opts.Foreground && os.Getenv(detachedEnvVar) != "1" {
		if err := daemonize(); err != nil {
			logger.Error("failed to detach daemon process", slog.Any("error", err))
			return ExitBindError
		}
		return ExitOK
	}

	socketPath := opts.resolvedSocketPath()

	if _, err := os.Stat(socketPath); err == nil {
		if ipc.Probe(socketPath, probeTimeout) {
			logger.Error("daemon already running", slog.String("socket", socketPath))
			return ExitAlreadyRunning
		}
		logger.Info("removing stale socket", slog.String("socket", socketPath))
		_ = os.Remove(socketPath)
	}

	cat, err := servercatalog.Load(opts.CatalogPath)
	if err != nil {
		logger.Error("failed to load server catalog", slog.Any("error", err))
		return ExitInitFailure
	}

	p := pool.New(logger)

	initResult := initializer.Run(ctx, p, cat, initializer.Options{
		Parallel:      opts.InitParallel,
		Timeout:       opts.InitTimeout,
		FailurePolicy: opts.FailurePolicy,
	}, logger)
	logger.Info("initialization complete", slog.String("summary", initResult.Summary()))

	if initResult.ShouldAbort(opts.FailurePolicy) {
		logger.Error("required server failed to initialize, aborting", slog.String("server", initResult.RequiredFailureOf))
		p.StopAll()
		return ExitInitFailure
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	handler := dispatch.NewHandler(dispatch.Deps{
		Pool:            p,
		Catalog:         cat,
		Logger:          logger,
		RequestShutdown: requestShutdown,
	})

	srv := ipc.NewServer(socketPath, handler, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to bind control socket", slog.Any("error", err))
		p.StopAll()
		return ExitBindError
	}
	logger.Info("listening", slog.String("socket", socketPath))

	monCtx, cancelMon := context.WithCancel(ctx)
	mon := monitor.New(p, monitor.Options{CheckInterval: opts.HealthCheckInterval}, logger)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(monCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case <-shutdownCh:
		logger.Info("shutdown requested, shutting down")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	}

	cancelMon()
	<-monDone
	mon.Stop()
	srv.Stop()
	p.StopAll()

	return ExitOK
}

// daemonize re-execs the current binary with the detached sentinel set and
// a new session, then returns so the parent can exit. This is the Go
// substitute for a literal double-fork: Go has no raw fork() without
// re-exec, so detaching from the controlling terminal is done by spawning
// a fresh process in its own session instead of forking the existing one.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachedEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning detached daemon: %w", err)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}
