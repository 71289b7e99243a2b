// Package dispatch wires the control-socket wire protocol (internal/ipc)
// to the daemon's pool of MCP sessions and server catalog. It implements
// spec §4.3's command table: start/stop/call/list/list-all/status/shutdown,
// plus the supplemented "catalog" command (SPEC_FULL.md §5), grounded on
// lydakis-mcpx/internal/daemon's dispatch switch generalized to this
// daemon's lazy-start policy instead of mcp-go client forwarding.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/mcpdaemon/mcpd/internal/ipc"
	"github.com/mcpdaemon/mcpd/internal/mcperr"
	"github.com/mcpdaemon/mcpd/internal/pool"
	"github.com/mcpdaemon/mcpd/internal/servercatalog"
	"github.com/mcpdaemon/mcpd/internal/serverspec"
)

const controlCommandTimeout = 5 * time.Second

// Deps are the collaborators a Handler dispatches to.
type Deps struct {
	Pool    *pool.Pool
	Catalog *servercatalog.Catalog
	Logger  *slog.Logger

	// RequestShutdown is invoked (at most once, via the dispatcher's own
	// sync.Once) when a "shutdown" command is received. It must not block:
	// the dispatcher returns success to the caller immediately afterward,
	// per spec §4.3's "schedule orderly pool shutdown ... return success
	// immediately".
	RequestShutdown func()
}

// NewHandler builds the ipc.Handler the control socket Server dispatches
// decoded requests to.
func NewHandler(d Deps) ipc.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	var shutdownOnce sync.Once

	return func(ctx context.Context, req *ipc.Request) (any, error) {
		switch req.Command {
		case ipc.CmdStart:
			return handleStart(ctx, d, req)
		case ipc.CmdStop:
			return handleStop(d, req)
		case ipc.CmdCall:
			return handleCall(ctx, d, req)
		case ipc.CmdList:
			return handleList(ctx, d, req)
		case ipc.CmdListAll:
			return handleListAll(ctx, d)
		case ipc.CmdStatus:
			return handleStatus(d), nil
		case ipc.CmdShutdown:
			if d.RequestShutdown != nil {
				shutdownOnce.Do(d.RequestShutdown)
			}
			return ipc.Ok(), nil
		case ipc.CmdCatalog:
			return handleCatalog(d), nil
		default:
			return nil, mcperr.New(mcperr.KindBadRequest, fmt.Sprintf("unknown command %q", req.Command))
		}
	}
}

// resolveSpec builds a serverspec.Spec and its id from a request's
// server/server_command fields, matching spec §6: "server_command is the
// whitespace-separated full launch specification; the daemon splits it
// using standard shell-word semantics ... If server is omitted on
// call/list, the daemon derives it from server_command."
func resolveSpec(req *ipc.Request) (serverspec.ID, serverspec.Spec, error) {
	if req.ServerCommand == "" {
		if req.Server == "" {
			return "", serverspec.Spec{}, mcperr.New(mcperr.KindBadRequest, "request carries neither \"server\" nor \"server_command\"")
		}
		return serverspec.ID(req.Server), serverspec.Spec{}, nil
	}

	command, args, err := serverspec.ParseCommand(req.ServerCommand)
	if err != nil {
		return "", serverspec.Spec{}, mcperr.Wrap(mcperr.KindBadRequest, "invalid server_command", err)
	}
	spec := serverspec.Spec{Command: command, Args: args}
	return serverspec.Derive(spec), spec, nil
}

func handleStart(ctx context.Context, d Deps, req *ipc.Request) (any, error) {
	_, spec, err := resolveSpec(req)
	if err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, mcperr.New(mcperr.KindBadRequest, "\"start\" requires server_command")
	}

	startCtx, cancel := context.WithTimeout(ctx, controlCommandTimeout)
	defer cancel()

	if _, err := d.Pool.Start(startCtx, spec, false); err != nil {
		return nil, err
	}
	return ipc.Ok(), nil
}

func handleStop(d Deps, req *ipc.Request) (any, error) {
	if req.Server == "" {
		return nil, mcperr.New(mcperr.KindBadRequest, "\"stop\" requires \"server\"")
	}
	if err := d.Pool.Stop(serverspec.ID(req.Server)); err != nil {
		return nil, err
	}
	return ipc.Ok(), nil
}

// resolveSession implements the lazy-start policy shared by call/list: find
// the id in the pool, or start it on the fly with auto=false if the
// request supplied a full server_command.
func resolveSession(ctx context.Context, d Deps, req *ipc.Request) (serverspec.ID, error) {
	id, spec, err := resolveSpec(req)
	if err != nil {
		return "", err
	}

	if _, ok := d.Pool.Get(id); ok {
		return id, nil
	}
	if spec.Command == "" {
		return "", pool.NotFound(id)
	}

	startCtx, cancel := context.WithTimeout(ctx, controlCommandTimeout)
	defer cancel()
	return d.Pool.Start(startCtx, spec, false)
}

func requestTimeout(ctx context.Context, req *ipc.Request) (context.Context, context.CancelFunc) {
	if req.TimeoutMs == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(*req.TimeoutMs)*time.Millisecond)
}

func handleCall(ctx context.Context, d Deps, req *ipc.Request) (any, error) {
	id, err := resolveSession(ctx, d, req)
	if err != nil {
		return nil, err
	}
	sess, ok := d.Pool.Get(id)
	if !ok {
		return nil, pool.NotFound(id)
	}
	if req.Tool == "" {
		return nil, mcperr.New(mcperr.KindBadRequest, "\"call\" requires \"tool\"")
	}

	callCtx, cancel := requestTimeout(ctx, req)
	defer cancel()

	result, err := sess.CallTool(callCtx, req.Tool, req.Arguments)
	if err != nil {
		return nil, err
	}
	return &ipc.CallResponse{Success: true, Result: result}, nil
}

func handleList(ctx context.Context, d Deps, req *ipc.Request) (any, error) {
	id, err := resolveSession(ctx, d, req)
	if err != nil {
		return nil, err
	}
	sess, ok := d.Pool.Get(id)
	if !ok {
		return nil, pool.NotFound(id)
	}

	listCtx, cancel := requestTimeout(ctx, req)
	defer cancel()

	tools, err := sess.ListTools(listCtx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindProtocolError, "encoding tool list", err)
	}
	return &ipc.ListResponse{Success: true, Tools: raw}, nil
}

func handleListAll(ctx context.Context, d Deps) (any, error) {
	ids := d.Pool.ListIDs()
	servers := make(map[string]ipc.ServerToolSummary, len(ids))
	totalTools := 0

	for _, id := range ids {
		sess, ok := d.Pool.Get(id)
		if !ok {
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, controlCommandTimeout)
		tools, err := sess.ListTools(listCtx)
		cancel()
		if err != nil {
			d.Logger.Warn("list-all: server failed to list tools", slog.String("server_id", string(id)), slog.Any("error", err))
			servers[string(id)] = ipc.ServerToolSummary{Tools: json.RawMessage("[]"), ToolCount: 0}
			continue
		}
		raw, err := json.Marshal(tools)
		if err != nil {
			raw = json.RawMessage("[]")
		}
		servers[string(id)] = ipc.ServerToolSummary{Tools: raw, ToolCount: len(tools)}
		totalTools += len(tools)
	}

	return &ipc.ListAllResponse{
		Success:     true,
		Servers:     servers,
		ServerCount: len(servers),
		TotalTools:  totalTools,
	}, nil
}

func handleStatus(d Deps) any {
	autoSpecs := d.Pool.AutoStartSpecs()
	ids := d.Pool.ListIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	autoStarted := make([]ipc.AutoStartEntry, 0, len(autoSpecs))
	onDemand := make([]string, 0, len(ids))
	servers := make([]string, 0, len(ids))

	for _, id := range ids {
		servers = append(servers, string(id))
		if _, auto := autoSpecs[id]; auto {
			uptime := 0.0
			if sess, ok := d.Pool.Get(id); ok {
				uptime = sess.Uptime().Seconds()
			}
			autoStarted = append(autoStarted, ipc.AutoStartEntry{ID: string(id), UptimeSeconds: uptime})
		} else {
			onDemand = append(onDemand, string(id))
		}
	}
	sort.Slice(autoStarted, func(i, j int) bool { return autoStarted[i].ID < autoStarted[j].ID })

	return &ipc.StatusResponse{
		Status:      "running",
		Servers:     servers,
		ServerCount: len(servers),
		AutoStarted: autoStarted,
		OnDemand:    onDemand,
	}
}

// catalogEntryInfo is one entry in the "catalog" command's response,
// supplementing spec §6 per SPEC_FULL.md §5 (ported from
// original_source/mcp_daemon.py:get_config).
type catalogEntryInfo struct {
	Name      string   `json:"name"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	AutoStart bool     `json:"auto_start"`
	Optional  bool     `json:"optional"`
	Running   bool     `json:"running"`
}

func handleCatalog(d Deps) any {
	var entries []catalogEntryInfo
	if d.Catalog != nil {
		for _, name := range d.Catalog.Names {
			e := d.Catalog.Entries[name]
			spec := e.Spec()
			entries = append(entries, catalogEntryInfo{
				Name:      name,
				Command:   spec.Command,
				Args:      spec.Args,
				AutoStart: spec.AutoStart,
				Optional:  spec.Optional,
				Running:   d.Pool.IsRunning(serverspec.Derive(spec)),
			})
		}
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		raw = json.RawMessage("[]")
	}
	return &ipc.CatalogResponse{Success: true, Catalog: raw}
}
