package initializer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpdaemon/mcpd/internal/pool"
	"github.com/mcpdaemon/mcpd/internal/servercatalog"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in test environment")
	}
}

const echoServerScript = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    initialize) printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id" ;;
  esac
done`

func writeCatalogFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestRunStartsAllAutoStartEntries(t *testing.T) {
	requireShell(t)

	contents := fmt.Sprintf(`
[servers.a]
command = "sh"
args = ["-c", '''%s''']
auto_start = true

[servers.b]
command = "sh"
args = ["-c", '''%s''', "distinguish-b"]
auto_start = true
`, echoServerScript, echoServerScript)
	path := writeCatalogFile(t, contents)

	cat, err := servercatalog.Load(path)
	require.NoError(t, err)

	p := pool.New(nil)
	defer p.StopAll()

	result := Run(context.Background(), p, cat, Options{Parallel: 2, Timeout: 5 * time.Second, FailurePolicy: PolicyWarn}, nil)

	require.Equal(t, 2, result.Total)
	require.Equal(t, 2, result.Successful)
	require.Equal(t, 0, result.Failed)
	require.False(t, result.RequiredFailure)
	require.Equal(t, 2, p.Count())
}

func TestRunReportsRequiredFailureUnderFailPolicy(t *testing.T) {
	path := writeCatalogFile(t, `
[servers.broken]
command = "/no/such/binary-mcpd-test"
auto_start = true
optional = false
`)
	cat, err := servercatalog.Load(path)
	require.NoError(t, err)

	p := pool.New(nil)
	defer p.StopAll()

	result := Run(context.Background(), p, cat, Options{Parallel: 1, Timeout: 2 * time.Second, FailurePolicy: PolicyFail}, nil)

	require.True(t, result.RequiredFailure)
	require.True(t, result.ShouldAbort(PolicyFail))
	require.False(t, result.ShouldAbort(PolicyWarn))
	require.Error(t, result.AbortError())
}

func TestRunTreatsOptionalFailureDifferently(t *testing.T) {
	path := writeCatalogFile(t, `
[servers.broken]
command = "/no/such/binary-mcpd-test"
auto_start = true
optional = true
`)
	cat, err := servercatalog.Load(path)
	require.NoError(t, err)

	p := pool.New(nil)
	defer p.StopAll()

	result := Run(context.Background(), p, cat, Options{Parallel: 1, Timeout: 2 * time.Second, FailurePolicy: PolicyFail}, nil)

	require.False(t, result.RequiredFailure)
	require.Equal(t, 1, result.OptionalFailures)
	require.False(t, result.ShouldAbort(PolicyFail))
}

func TestRunWithNoAutoStartEntriesIsNoop(t *testing.T) {
	path := writeCatalogFile(t, `
[servers.manual]
command = "sh"
auto_start = false
`)
	cat, err := servercatalog.Load(path)
	require.NoError(t, err)

	p := pool.New(nil)
	defer p.StopAll()

	result := Run(context.Background(), p, cat, Options{Parallel: 2, Timeout: time.Second, FailurePolicy: PolicyWarn}, nil)
	require.Equal(t, 0, result.Total)
	require.Equal(t, 0, p.Count())
}
