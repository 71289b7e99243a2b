// Package client implements the transparent fallback client described by
// spec §4.7: the CLI's single local API that picks daemon or direct mode
// per call, probing the control socket with a bounded deadline and falling
// back to an ephemeral in-process MCPSession when the daemon is unreachable
// or unresponsive. Grounded in original_source/cllm_mcp/client.py's
// dual-mode MCPClient and lydakis-mcpx/internal/daemon/spawn.go's
// probe-then-decide shape, adapted from a spawn-or-connect daemon
// launcher into a pure per-call router (this daemon is started
// independently by internal/supervisor, not lazily by the client).
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/mcpdaemon/mcpd/internal/ipc"
	"github.com/mcpdaemon/mcpd/internal/mcperr"
	"github.com/mcpdaemon/mcpd/internal/serverspec"
	"github.com/mcpdaemon/mcpd/internal/session"
)

const defaultProbeTimeout = 1 * time.Second

// Path identifies which mode actually served a call, for --verbose
// reporting (spec §4.7: "a --verbose flag may emit a single line
// indicating which path was used").
type Path string

const (
	PathDaemon Path = "daemon"
	PathDirect Path = "direct"
)

// Options configures a Client.
type Options struct {
	SocketPath   string
	NoDaemon     bool
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Client is the transparent fallback client used by cmd/mcpctl.
type Client struct {
	opts Options
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts}
}

func (c *Client) daemonAvailable(ctx context.Context) bool {
	if c.opts.NoDaemon {
		return false
	}
	timeout := c.opts.ProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return ipc.Probe(c.opts.SocketPath, timeout)
}

// CallTool invokes tool on the server identified by serverCommand, using
// the daemon if it is responsive and falling back to an ephemeral direct
// session otherwise. Once the daemon has accepted the request, its result
// (success or failure) is returned verbatim; no direct-mode retry follows.
func (c *Client) CallTool(ctx context.Context, serverCommand, tool string, arguments json.RawMessage, timeoutMs *int) (json.RawMessage, Path, error) {
	if c.daemonAvailable(ctx) {
		raw, err := c.sendDaemon(ctx, &ipc.Request{
			Command:       ipc.CmdCall,
			ServerCommand: serverCommand,
			Tool:          tool,
			Arguments:     arguments,
			TimeoutMs:     timeoutMs,
		})
		if err != nil {
			if !failedBeforeSend(err) {
				// The request may already have reached the daemon.
				return nil, PathDaemon, err
			}
			// The daemon was unreachable before it could accept the
			// request (connection refused, probe raced a shutdown) — safe
			// to fall back since no tool invocation could have happened.
			c.opts.Logger.Debug("daemon call failed before acceptance, falling back to direct mode", slog.Any("error", err))
		} else {
			var cr ipc.CallResponse
			if uerr := json.Unmarshal(raw, &cr); uerr == nil && cr.Success {
				return cr.Result, PathDaemon, nil
			}
			return nil, PathDaemon, decodeError(raw)
		}
	}

	result, err := c.callDirect(ctx, serverCommand, tool, arguments, timeoutMs)
	return result, PathDirect, err
}

// ListTools lists the tools exposed by the server identified by
// serverCommand, daemon-first with direct fallback, mirroring CallTool.
func (c *Client) ListTools(ctx context.Context, serverCommand string) ([]session.ToolInfo, Path, error) {
	if c.daemonAvailable(ctx) {
		raw, err := c.sendDaemon(ctx, &ipc.Request{Command: ipc.CmdList, ServerCommand: serverCommand})
		if err != nil {
			if !failedBeforeSend(err) {
				return nil, PathDaemon, err
			}
			c.opts.Logger.Debug("daemon list failed before acceptance, falling back to direct mode", slog.Any("error", err))
		} else {
			var lr ipc.ListResponse
			if uerr := json.Unmarshal(raw, &lr); uerr == nil && lr.Success {
				var tools []session.ToolInfo
				if err := json.Unmarshal(lr.Tools, &tools); err != nil {
					return nil, PathDaemon, mcperr.Wrap(mcperr.KindProtocolError, "decoding tool list", err)
				}
				return tools, PathDaemon, nil
			}
			return nil, PathDaemon, decodeError(raw)
		}
	}

	tools, err := c.listDirect(ctx, serverCommand)
	return tools, PathDirect, err
}

func (c *Client) sendDaemon(ctx context.Context, req *ipc.Request) (json.RawMessage, error) {
	return ipc.NewClient(c.opts.SocketPath).SendRaw(ctx, req)
}

// failedBeforeSend reports whether a sendDaemon error happened while
// dialing, before any part of the request reached the daemon.
func failedBeforeSend(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) callDirect(ctx context.Context, serverCommand, tool string, arguments json.RawMessage, timeoutMs *int) (json.RawMessage, error) {
	sess, err := c.startEphemeral(ctx, serverCommand)
	if err != nil {
		return nil, err
	}
	defer sess.Stop()

	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs != nil {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(*timeoutMs)*time.Millisecond)
		defer cancel()
	}
	return sess.CallTool(callCtx, tool, arguments)
}

func (c *Client) listDirect(ctx context.Context, serverCommand string) ([]session.ToolInfo, error) {
	sess, err := c.startEphemeral(ctx, serverCommand)
	if err != nil {
		return nil, err
	}
	defer sess.Stop()
	return sess.ListTools(ctx)
}

func (c *Client) startEphemeral(ctx context.Context, serverCommand string) (*session.Session, error) {
	command, args, err := serverspec.ParseCommand(serverCommand)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindBadRequest, "invalid server_command", err)
	}
	spec := serverspec.Spec{Command: command, Args: args}
	sess := session.New(serverspec.Derive(spec), spec, c.opts.Logger)
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func decodeError(raw json.RawMessage) error {
	var env ipc.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return mcperr.Wrap(mcperr.KindProtocolError, "malformed daemon response", err)
	}
	kind := mcperr.Kind(env.Kind)
	if kind == "" {
		kind = mcperr.KindBadRequest
	}
	return mcperr.New(kind, env.Error)
}

// StatusFromDaemon returns the daemon's status response directly, with no
// direct-mode equivalent: daemon-only pool introspection has no meaning
// for an ephemeral session.
func (c *Client) StatusFromDaemon(ctx context.Context) (*ipc.StatusResponse, error) {
	raw, err := c.sendDaemon(ctx, &ipc.Request{Command: ipc.CmdStatus})
	if err != nil {
		return nil, fmt.Errorf("contacting daemon: %w", err)
	}
	var sr ipc.StatusResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, mcperr.Wrap(mcperr.KindProtocolError, "malformed status response", err)
	}
	return &sr, nil
}
