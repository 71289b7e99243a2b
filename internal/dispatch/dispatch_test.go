package dispatch

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpdaemon/mcpd/internal/ipc"
	"github.com/mcpdaemon/mcpd/internal/mcperr"
	"github.com/mcpdaemon/mcpd/internal/pool"
	"github.com/mcpdaemon/mcpd/internal/servercatalog"
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

func TestHandleStartThenStatusThenStop(t *testing.T) {
	requireShell(t)
	p := pool.New(nil)
	defer p.StopAll()

	h := NewHandler(Deps{Pool: p})
	ctx := context.Background()

	startResp, err := h(ctx, &ipc.Request{Command: ipc.CmdStart, ServerCommand: echoCommand()})
	require.NoError(t, err)
	require.IsType(t, &ipc.OKResponse{}, startResp)
	require.Equal(t, 1, p.Count())

	status, err := h(ctx, &ipc.Request{Command: ipc.CmdStatus})
	require.NoError(t, err)
	sr := status.(*ipc.StatusResponse)
	require.Equal(t, "running", sr.Status)
	require.Equal(t, 1, sr.ServerCount)
	require.Len(t, sr.OnDemand, 1)
	require.Empty(t, sr.AutoStarted)

	id := sr.Servers[0]
	stopResp, err := h(ctx, &ipc.Request{Command: ipc.CmdStop, Server: id})
	require.NoError(t, err)
	require.IsType(t, &ipc.OKResponse{}, stopResp)
	require.Equal(t, 0, p.Count())
}

func TestHandleCallLazilyStartsServer(t *testing.T) {
	requireShell(t)
	p := pool.New(nil)
	defer p.StopAll()

	h := NewHandler(Deps{Pool: p})
	resp, err := h(context.Background(), &ipc.Request{
		Command:       ipc.CmdCall,
		ServerCommand: echoCommand(),
		Tool:          "echo",
	})
	require.NoError(t, err)
	cr := resp.(*ipc.CallResponse)
	require.True(t, cr.Success)
	require.Contains(t, string(cr.Result), "ok")
	require.Equal(t, 1, p.Count())
}

func TestHandleListRequiresKnownOrFullySpecifiedServer(t *testing.T) {
	p := pool.New(nil)
	h := NewHandler(Deps{Pool: p})

	_, err := h(context.Background(), &ipc.Request{Command: ipc.CmdList, Server: "deadbeefcafe"})
	require.Error(t, err)
	var e *mcperr.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, mcperr.KindNotFound, e.Kind)
}

func TestHandleListAllAggregatesAcrossServers(t *testing.T) {
	requireShell(t)
	p := pool.New(nil)
	defer p.StopAll()
	h := NewHandler(Deps{Pool: p})
	ctx := context.Background()

	_, err := h(ctx, &ipc.Request{Command: ipc.CmdStart, ServerCommand: echoCommand()})
	require.NoError(t, err)

	resp, err := h(ctx, &ipc.Request{Command: ipc.CmdListAll})
	require.NoError(t, err)
	lr := resp.(*ipc.ListAllResponse)
	require.Equal(t, 1, lr.ServerCount)
	require.Equal(t, 1, lr.TotalTools)
}

func TestHandleShutdownInvokesCallbackOnceAndReturnsImmediately(t *testing.T) {
	p := pool.New(nil)
	calls := 0
	h := NewHandler(Deps{Pool: p, RequestShutdown: func() { calls++ }})

	resp, err := h(context.Background(), &ipc.Request{Command: ipc.CmdShutdown})
	require.NoError(t, err)
	require.IsType(t, &ipc.OKResponse{}, resp)

	_, err = h(context.Background(), &ipc.Request{Command: ipc.CmdShutdown})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestHandleCatalogReportsRunningState(t *testing.T) {
	requireShell(t)
	p := pool.New(nil)
	defer p.StopAll()

	cat := &servercatalog.Catalog{
		Names: []string{"echo"},
		Entries: map[string]servercatalog.Entry{
			"echo": {Command: "sh", Args: []string{"-c", echoServerScript}, AutoStart: false},
		},
	}
	h := NewHandler(Deps{Pool: p, Catalog: cat})

	resp, err := h(context.Background(), &ipc.Request{Command: ipc.CmdCatalog})
	require.NoError(t, err)
	cr := resp.(*ipc.CatalogResponse)
	require.Contains(t, string(cr.Catalog), `"name":"echo"`)
	require.Contains(t, string(cr.Catalog), `"running":false`)
}

func TestHandleUnknownCommand(t *testing.T) {
	p := pool.New(nil)
	h := NewHandler(Deps{Pool: p})

	_, err := h(context.Background(), &ipc.Request{Command: "bogus"})
	require.Error(t, err)
	var e *mcperr.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, mcperr.KindBadRequest, e.Kind)
}

func TestRequestTimeoutHonorsOverride(t *testing.T) {
	ms := 10
	ctx, cancel := requestTimeout(context.Background(), &ipc.Request{TimeoutMs: &ms})
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 5*time.Millisecond)
}
