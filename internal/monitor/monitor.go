// Package monitor implements the daemon's health-check/restart loop for
// auto-started servers: a periodic sweep that detects a dead child and
// restarts it through a per-id capped exponential backoff, so a crash-
// looping server does not spin the daemon into a tight respawn loop.
// Grounded in original_source/mcp_daemon.py's monitor_server_health
// (periodic sweep over auto_started_servers) and lydakis-mcpx's
// internal/daemon/keepalive.go (monotonic-timer-id discipline for
// detecting stale timer fires), using cenkalti/backoff/v4 for the capped
// exponential retry schedule instead of a fixed sleep interval per retry.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcpdaemon/mcpd/internal/pool"
	"github.com/mcpdaemon/mcpd/internal/serverspec"
)

// Options configures a Monitor.
type Options struct {
	// CheckInterval is how often the sweep runs.
	CheckInterval time.Duration
}

// Monitor periodically checks every auto-started session for liveness and
// restarts dead ones.
type Monitor struct {
	pool     *pool.Pool
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	schedules map[serverspec.ID]*backoff.ExponentialBackOff
	nextRetry map[serverspec.ID]time.Time

	// known tracks every auto-start id/spec the monitor has ever seen,
	// independent of current pool membership. A failed restart removes
	// the id from the pool (see sweep below), so sourcing sweep work
	// from pool.AutoStartSpecs alone would silently stop retrying a
	// crash-looping server after one failed restart; known keeps it in
	// rotation until it comes back up.
	known map[serverspec.ID]serverspec.Spec

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Monitor over p.
func New(p *pool.Pool, opts Options, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		pool:      p,
		interval:  interval,
		logger:    logger,
		schedules: make(map[serverspec.ID]*backoff.ExponentialBackOff),
		nextRetry: make(map[serverspec.ID]time.Time),
		known:     make(map[serverspec.ID]serverspec.Spec),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run blocks, running the periodic sweep until ctx is canceled or Stop is
// called. It is meant to be invoked in its own goroutine by the
// Supervisor.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Stop requests the sweep loop to exit and waits for it to do so.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) sweep(ctx context.Context) {
	// Learn about any auto-started id the pool currently knows about
	// (newly started since the last sweep), then work from the
	// accumulated set rather than the live pool snapshot: a dead id the
	// pool has already forgotten (see the Stop call below, and the
	// failed-Start branch that follows it) must keep being retried.
	for id, spec := range m.pool.AutoStartSpecs() {
		if _, seen := m.known[id]; !seen {
			m.known[id] = spec
		}
	}
	now := time.Now()

	for id, spec := range m.known {
		sess, ok := m.pool.Get(id)
		if ok && sess.Alive() {
			m.resetSchedule(id)
			continue
		}

		m.mu.Lock()
		due, scheduled := m.nextRetry[id]
		m.mu.Unlock()
		if scheduled && now.Before(due) {
			continue
		}

		m.logger.Warn("auto-started server is down, restarting", slog.String("server_id", string(id)))

		restartCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if ok {
			_ = m.pool.Stop(id)
		}
		_, err := m.pool.Start(restartCtx, spec, true)
		cancel()

		if err != nil {
			delay := m.nextBackoff(id)
			m.mu.Lock()
			m.nextRetry[id] = time.Now().Add(delay)
			m.mu.Unlock()
			m.logger.Error("restart failed, backing off", slog.String("server_id", string(id)), slog.Duration("retry_in", delay), slog.Any("error", err))
			continue
		}

		m.logger.Info("restart successful", slog.String("server_id", string(id)))
		m.resetSchedule(id)
	}
}

func (m *Monitor) nextBackoff(id serverspec.ID) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.schedules[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = m.interval
		b.MaxInterval = m.interval * 8
		b.Multiplier = 2
		// No jitter: plain doubling, never past MaxInterval.
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0 // unbounded: the monitor never gives up on an id
		b.Reset()
		m.schedules[id] = b
	}
	return b.NextBackOff()
}

func (m *Monitor) resetSchedule(id serverspec.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	delete(m.nextRetry, id)
}
