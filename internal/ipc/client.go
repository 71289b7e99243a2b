package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/mcpdaemon/mcpd/internal/paths"
)

// Client is a raw control-socket client: one connection per request,
// matching the daemon's one-request-per-connection server loop.
type Client struct {
	socketPath string
}

// SocketPath returns the resolved daemon socket path (env override or
// default), re-exported for convenience.
func SocketPath() string {
	return paths.SocketPath()
}

// NewClient creates a Client bound to socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SendRaw dials the daemon, writes req as one JSON line, and returns the
// single response line undecoded so the caller can unmarshal it into the
// Response type appropriate for the command it sent.
func (c *Client) SendRaw(ctx context.Context, req *Request) (json.RawMessage, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return json.RawMessage(line), nil
}

// Probe reports whether a daemon is listening and responsive on
// socketPath within timeout. Used by the Supervisor to detect a stale
// socket file and by the transparent Client to decide daemon vs direct
// mode.
func Probe(socketPath string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := NewClient(socketPath)
	raw, err := client.SendRaw(ctx, &Request{Command: CmdStatus})
	if err != nil {
		return false
	}
	// The status response (StatusResponse, protocol.go) carries no
	// "success" field, unlike every other command's reply — decode its
	// actual shape rather than the generic Envelope, or a healthy daemon
	// would read as unreachable.
	var status StatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return false
	}
	return status.Status == "running"
}
