package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpdaemon/mcpd/internal/initializer"
	"github.com/mcpdaemon/mcpd/internal/ipc"
)

func missingCatalogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "no-such-catalog.toml")
}

func TestRunDetectsAlreadyRunningDaemon(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")

	srv := ipc.NewServer(socketPath, func(ctx context.Context, req *ipc.Request) (any, error) {
		return &ipc.StatusResponse{Status: "running"}, nil
	}, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	code := Run(context.Background(), Options{
		SocketPath:  socketPath,
		CatalogPath: missingCatalogPath(t),
		Foreground:  true,
	})
	require.Equal(t, ExitAlreadyRunning, code)

	// The already-running daemon's socket must be left untouched.
	_, err := os.Stat(socketPath)
	require.NoError(t, err)
}

func TestRunRemovesStaleSocketAndProceeds(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")

	// Simulate a stale socket: something was listening once but is gone
	// now. A plain regular file at the path also exercises the "exists but
	// nothing is listening" branch without needing a real stale listener.
	require.NoError(t, os.WriteFile(socketPath, []byte{}, 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	code := Run(ctx, Options{
		SocketPath:  socketPath,
		CatalogPath: missingCatalogPath(t),
		Foreground:  true,
	})
	require.Equal(t, ExitOK, code)

	// Clean shutdown must leave no socket file behind.
	_, err := os.Stat(socketPath)
	require.True(t, os.IsNotExist(err))
}

func TestRunAbortsOnRequiredInitFailure(t *testing.T) {
	catalogPath := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`
[servers.broken]
command = "/no/such/binary-mcpd-supervisor-test"
auto_start = true
optional = false
`), 0o600))

	code := Run(context.Background(), Options{
		SocketPath:    filepath.Join(t.TempDir(), "mcpd.sock"),
		CatalogPath:   catalogPath,
		Foreground:    true,
		InitTimeout:   2 * time.Second,
		FailurePolicy: initializer.PolicyFail,
	})
	require.Equal(t, ExitInitFailure, code)
}

func TestRunExitsCleanlyOnShutdownCommand(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")

	done := make(chan int, 1)
	go func() {
		done <- Run(context.Background(), Options{
			SocketPath:          socketPath,
			CatalogPath:         missingCatalogPath(t),
			Foreground:          true,
			HealthCheckInterval: 10 * time.Millisecond,
		})
	}()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("unix", socketPath, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	client := ipc.NewClient(socketPath)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.SendRaw(ctx, &ipc.Request{Command: ipc.CmdShutdown})
	require.NoError(t, err)

	select {
	case code := <-done:
		require.Equal(t, ExitOK, code)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after shutdown command")
	}

	_, err = os.Stat(socketPath)
	require.True(t, os.IsNotExist(err))
}
