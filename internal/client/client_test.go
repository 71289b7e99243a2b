package client

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpdaemon/mcpd/internal/dispatch"
	"github.com/mcpdaemon/mcpd/internal/ipc"
	"github.com/mcpdaemon/mcpd/internal/pool"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in test environment")
	}
}

const echoServerScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    initialize) printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id" ;;
    tools/list) printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo"}]}}\n' "$id" ;;
    tools/call) printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id" ;;
  esac
done
`

func echoCommand() string {
	// Each single quote inside the script closes the outer quote, is emitted
	// escaped, and reopens it, so shell-word splitting yields the script
	// unchanged as one argument.
	return `sh -c '` + strings.ReplaceAll(echoServerScript, `'`, `'\''`) + `'`
}

func startTestDaemon(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")
	p := pool.New(nil)
	handler := dispatch.NewHandler(dispatch.Deps{Pool: p})
	srv := ipc.NewServer(socketPath, handler, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		p.StopAll()
	})
	return socketPath
}

func TestCallToolUsesDaemonWhenResponsive(t *testing.T) {
	requireShell(t)
	socketPath := startTestDaemon(t)

	c := New(Options{SocketPath: socketPath})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, path, err := c.CallTool(ctx, echoCommand(), "echo", nil, nil)
	require.NoError(t, err)
	require.Equal(t, PathDaemon, path)
	require.Contains(t, string(result), "ok")
}

func TestCallToolFallsBackToDirectWhenDaemonAbsent(t *testing.T) {
	requireShell(t)
	socketPath := filepath.Join(t.TempDir(), "no-daemon.sock")

	c := New(Options{SocketPath: socketPath})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, path, err := c.CallTool(ctx, echoCommand(), "echo", nil, nil)
	require.NoError(t, err)
	require.Equal(t, PathDirect, path)
	require.Contains(t, string(result), "ok")
}

func TestCallToolHonorsNoDaemonFlagEvenWhenDaemonIsUp(t *testing.T) {
	requireShell(t)
	socketPath := startTestDaemon(t)

	c := New(Options{SocketPath: socketPath, NoDaemon: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, path, err := c.CallTool(ctx, echoCommand(), "echo", nil, nil)
	require.NoError(t, err)
	require.Equal(t, PathDirect, path)
}

func TestListToolsDaemonAndDirectAgree(t *testing.T) {
	requireShell(t)
	socketPath := startTestDaemon(t)

	c := New(Options{SocketPath: socketPath})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	daemonTools, path, err := c.ListTools(ctx, echoCommand())
	require.NoError(t, err)
	require.Equal(t, PathDaemon, path)

	direct := New(Options{SocketPath: socketPath, NoDaemon: true})
	directTools, path, err := direct.ListTools(ctx, echoCommand())
	require.NoError(t, err)
	require.Equal(t, PathDirect, path)

	require.Equal(t, daemonTools, directTools)
}

func TestStartEphemeralRejectsMalformedServerCommand(t *testing.T) {
	c := New(Options{SocketPath: filepath.Join(t.TempDir(), "absent.sock"), NoDaemon: true})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err := c.CallTool(ctx, `unterminated "quote`, "echo", nil, nil)
	require.Error(t, err)
}

func TestStatusFromDaemonRequiresDaemon(t *testing.T) {
	socketPath := startTestDaemon(t)
	c := New(Options{SocketPath: socketPath})

	status, err := c.StatusFromDaemon(context.Background())
	require.NoError(t, err)
	require.Equal(t, "running", status.Status)
}
