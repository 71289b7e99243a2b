// Package serverspec defines the immutable launch specification for an MCP
// server child process and the deterministic id derived from it.
package serverspec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// Spec is the input to launching a child MCP server. Once accepted by the
// pool it is treated as immutable; callers must not mutate Args/Env after
// passing a Spec in.
type Spec struct {
	Command   string
	Args      []string
	Env       map[string]string
	AutoStart bool
	Optional  bool
}

// ID is a stable 12-hex-digit identifier derived from a Spec's canonical
// launch string. Two Specs with the same Command+Args (regardless of Env)
// collide to the same ID; the pool treats that as "the same server".
type ID string

// DeriveID computes the canonical id for command+args. Env does not
// participate in identity: the same server reached with different
// environment overlays is still "the same server" for pooling purposes.
func DeriveID(command string, args []string) ID {
	canonical := CanonicalString(command, args)
	sum := sha256.Sum256([]byte(canonical))
	return ID(hex.EncodeToString(sum[:])[:12])
}

// Derive computes the ID for a full Spec.
func Derive(spec Spec) ID {
	return DeriveID(spec.Command, spec.Args)
}

// CanonicalString joins command and args with single spaces, the same
// convention the daemon and every client must agree on when deriving ids
// from a raw "server_command" string (spec §3, §6).
func CanonicalString(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// Clone returns a deep copy of spec, used whenever a Spec crosses a
// goroutine boundary that might otherwise share the Args/Env slices/maps.
func (s Spec) Clone() Spec {
	cloned := s
	if s.Args != nil {
		cloned.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		cloned.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cloned.Env[k] = v
		}
	}
	return cloned
}

// ParseCommand splits a whitespace-separated full launch specification
// ("server_command" on the wire) into a command and its arguments using
// standard shell-word semantics: quotes and backslash escapes are honored,
// variable expansion is not performed. Matches
// original_source/cllm_mcp/client.py:get_server_id's use of shlex.split.
func ParseCommand(serverCommand string) (string, []string, error) {
	parts, err := shlex.Split(serverCommand)
	if err != nil {
		return "", nil, fmt.Errorf("splitting server_command: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("server_command is empty")
	}
	return parts[0], parts[1:], nil
}

// EnvSlice renders Env as "KEY=VALUE" pairs sorted by key, suitable for
// appending to os.Environ() when starting a child process.
func (s Spec) EnvSlice() []string {
	if len(s.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}
