// Package pool manages the set of live MCPSession child processes keyed by
// serverspec.ID. It is the in-process analogue of lydakis-mcpx's
// internal/mcppool.Pool, generalized to the spec's lazy-start/auto-start
// and health-driven restart semantics instead of mcp-go client wrapping.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mcpdaemon/mcpd/internal/mcperr"
	"github.com/mcpdaemon/mcpd/internal/serverspec"
	"github.com/mcpdaemon/mcpd/internal/session"
)

// entry tracks a running session plus whether it was started automatically
// (and so is eligible for health-monitor restarts).
type entry struct {
	sess      *session.Session
	spec      serverspec.Spec
	autoStart bool
}

// Pool owns the server_id -> session map. All map mutation happens under
// mu; session I/O happens outside the lock.
type Pool struct {
	mu       sync.Mutex
	sessions map[serverspec.ID]*entry
	logger   *slog.Logger
}

// New creates an empty Pool.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sessions: make(map[serverspec.ID]*entry),
		logger:   logger,
	}
}

// Start launches spec's server if it is not already running and returns its
// id. Calling Start again for a spec that derives the same id is a no-op
// that returns the existing session's id (idempotent by design, matching
// spec §4.2's "starting an already-running server is a success, not an
// error").
func (p *Pool) Start(ctx context.Context, spec serverspec.Spec, auto bool) (serverspec.ID, error) {
	id := serverspec.Derive(spec)

	p.mu.Lock()
	if e, ok := p.sessions[id]; ok {
		p.mu.Unlock()
		if auto {
			e.autoStart = true
		}
		return id, nil
	}
	p.mu.Unlock()

	sess := session.New(id, spec, p.logger)
	if err := sess.Start(ctx); err != nil {
		if spec.Optional {
			p.logger.Warn("optional server failed to start", slog.String("server_id", string(id)), slog.Any("error", err))
		}
		return id, err
	}

	p.mu.Lock()
	if existing, ok := p.sessions[id]; ok {
		// Lost a race with a concurrent Start for the same id; keep the
		// winner and discard the session we just spawned.
		p.mu.Unlock()
		_ = sess.Stop()
		if auto {
			existing.autoStart = true
		}
		return id, nil
	}
	p.sessions[id] = &entry{sess: sess, spec: spec.Clone(), autoStart: auto}
	p.mu.Unlock()

	return id, nil
}

// Stop terminates and removes id's session. Stopping an id that is not
// running is a no-op, matching spec §4.2 idempotency.
func (p *Pool) Stop(id serverspec.ID) error {
	p.mu.Lock()
	e, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return e.sess.Stop()
}

// Get returns the live session for id, if any.
func (p *Pool) Get(id serverspec.ID) (*session.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// NotFound returns a not_found *mcperr.Error for id, used by callers once
// Get reports a miss.
func NotFound(id serverspec.ID) error {
	return mcperr.New(mcperr.KindNotFound, fmt.Sprintf("no running server with id %q", id))
}

// ListIDs returns the ids of all currently running servers.
func (p *Pool) ListIDs() []serverspec.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]serverspec.ID, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// AutoStartSpecs returns (id, spec) pairs for every session that was
// started with auto=true, for the health monitor to consult when deciding
// what to restart.
func (p *Pool) AutoStartSpecs() map[serverspec.ID]serverspec.Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[serverspec.ID]serverspec.Spec)
	for id, e := range p.sessions {
		if e.autoStart {
			out[id] = e.spec
		}
	}
	return out
}

// IsRunning reports whether id currently has a live entry in the pool. It
// does not probe the child process's liveness; the monitor is responsible
// for detecting a dead child and calling Stop/Start to replace it.
func (p *Pool) IsRunning(id serverspec.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[id]
	return ok
}

// StopAll stops every running session in parallel and clears the pool. Used
// during daemon shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	entries := p.sessions
	p.sessions = make(map[serverspec.ID]*entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		wg.Add(1)
		go func(id serverspec.ID, e *entry) {
			defer wg.Done()
			if err := e.sess.Stop(); err != nil {
				p.logger.Warn("error stopping session during shutdown", slog.String("server_id", string(id)), slog.Any("error", err))
			}
		}(id, e)
	}
	wg.Wait()
}

// Count returns the number of currently running sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
