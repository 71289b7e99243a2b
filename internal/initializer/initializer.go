// Package initializer performs the daemon's startup batch-initialization
// of auto_start catalog entries: bounded parallelism per batch, a single
// global deadline for the whole boot, and an on_init_failure policy
// (fail/warn/ignore) governing whether a required server's failure aborts
// the daemon. Grounded in original_source/mcp_daemon.py's
// initialize_servers_async/ _start_server_with_timeout, reimplemented with
// golang.org/x/sync/errgroup's bounded-parallelism group instead of
// asyncio.gather batching.
package initializer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpdaemon/mcpd/internal/mcperr"
	"github.com/mcpdaemon/mcpd/internal/pool"
	"github.com/mcpdaemon/mcpd/internal/servercatalog"
	"github.com/mcpdaemon/mcpd/internal/serverspec"
)

// FailurePolicy governs what a required (non-optional) server's start
// failure does to the daemon's boot sequence.
type FailurePolicy string

const (
	// PolicyFail makes the caller abort the daemon once initialization has
	// finished if any required server failed; Run itself still attempts
	// every entry.
	PolicyFail FailurePolicy = "fail"
	// PolicyWarn logs the failure and continues; the daemon still starts.
	PolicyWarn FailurePolicy = "warn"
	// PolicyIgnore silently continues past required-server failures.
	PolicyIgnore FailurePolicy = "ignore"
)

// Options configures a Run call.
type Options struct {
	Parallel      int
	Timeout       time.Duration
	FailurePolicy FailurePolicy
}

// Outcome is one entry's initialization result.
type Outcome struct {
	Name     string
	ID       serverspec.ID
	Success  bool
	Optional bool
	Error    string
	Duration time.Duration
}

// Result aggregates every entry's Outcome, mirroring the spec's
// InitializationResult (§3): total/successful/failed/optional_failures
// plus per-entry detail.
type Result struct {
	Total             int
	Successful        int
	Failed            int
	OptionalFailures  int
	Details           []Outcome
	RequiredFailure   bool
	RequiredFailureOf string
}

// Run starts every auto_start entry in cat, batched by opts.Parallel, under
// a single deadline of opts.Timeout for the whole run. It never returns an
// error itself; under PolicyFail, callers inspect Result.RequiredFailure to
// decide whether to abort the daemon (spec §6 exit code 1).
func Run(ctx context.Context, p *pool.Pool, cat *servercatalog.Catalog, opts Options, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	entries := cat.AutoStartEntries()
	if len(entries) == 0 {
		return Result{}
	}

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 4
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var mu sync.Mutex
	result := Result{Total: len(entries)}

	var g errgroup.Group
	g.SetLimit(parallel)

	for i, e := range entries {
		e := e
		if i > 0 && i%parallel == 0 {
			// Batches run one after another: the previous batch must
			// finish before the next one is launched.
			_ = g.Wait()
		}
		g.Go(func() error {
			outcome := startOne(runCtx, p, e, opts.FailurePolicy, logger)
			if runCtx.Err() != nil && !outcome.Success {
				outcome.Error = "timeout"
			}

			mu.Lock()
			result.Details = append(result.Details, outcome)
			if outcome.Success {
				result.Successful++
			} else {
				result.Failed++
				if e.Spec.Optional {
					result.OptionalFailures++
				} else if !result.RequiredFailure {
					result.RequiredFailure = true
					result.RequiredFailureOf = e.Name
				}
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return result
}

func startOne(ctx context.Context, p *pool.Pool, e servercatalog.NamedSpec, policy FailurePolicy, logger *slog.Logger) Outcome {
	start := time.Now()
	id, err := p.Start(ctx, e.Spec, true)
	duration := time.Since(start)

	if err != nil {
		if policy != PolicyIgnore {
			logger.Error("auto-start failed", slog.String("name", e.Name), slog.String("server_id", string(id)), slog.Any("error", err))
		}
		return Outcome{Name: e.Name, ID: id, Success: false, Optional: e.Spec.Optional, Error: err.Error(), Duration: duration}
	}

	logger.Info("auto-start ready", slog.String("name", e.Name), slog.String("server_id", string(id)), slog.Duration("duration", duration))
	return Outcome{Name: e.Name, ID: id, Success: true, Optional: e.Spec.Optional, Duration: duration}
}

// Summary renders a one-line human summary, used in daemon startup logs.
func (r Result) Summary() string {
	return fmt.Sprintf("total=%d successful=%d failed=%d optional_failures=%d", r.Total, r.Successful, r.Failed, r.OptionalFailures)
}

// ShouldAbort reports whether policy + this Result mean the daemon must
// exit rather than finish booting (spec §6 exit code 1).
func (r Result) ShouldAbort(policy FailurePolicy) bool {
	return policy == PolicyFail && r.RequiredFailure
}

// AbortError builds the error the Supervisor logs/exits on when
// ShouldAbort is true.
func (r Result) AbortError() error {
	return mcperr.New(mcperr.KindSpawnError, fmt.Sprintf("required server %q failed to initialize", r.RequiredFailureOf))
}
