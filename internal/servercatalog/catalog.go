// Package servercatalog loads the TOML server catalog consumed by the
// Initializer: a validated, ordered mapping from a human-readable name to
// a serverspec.Spec. Grounded in lydakis-mcpx/internal/config's
// BurntSushi/toml decode-then-validate shape and ${ENV_VAR} expansion,
// narrowed to this daemon's ServerSpec fields (spec §6).
package servercatalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/mcpdaemon/mcpd/internal/serverspec"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Entry is the TOML representation of one catalog entry, decoded before
// being turned into a serverspec.Spec.
type Entry struct {
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env"`
	AutoStart bool              `toml:"auto_start"`
	Optional  bool              `toml:"optional"`
}

// file is the top-level shape of the TOML document: [servers.<name>].
type file struct {
	Servers map[string]Entry `toml:"servers"`
}

// Catalog is the validated, ordered server catalog. Names are opaque log
// labels; routing elsewhere in the daemon uses serverspec.ID.
type Catalog struct {
	Names   []string
	Entries map[string]Entry
}

// Load reads and parses the TOML catalog at path, expanding ${ENV_VAR}
// placeholders against the current process environment, and validates it.
// A missing file is not an error: it yields an empty catalog, since the
// daemon is usable with zero auto-started servers.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{Entries: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("reading server catalog: %w", err)
	}

	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing server catalog %s: %w", path, err)
	}
	if f.Servers == nil {
		f.Servers = make(map[string]Entry)
	}

	for name, entry := range f.Servers {
		f.Servers[name] = expandEntryEnvVars(entry)
	}

	if err := Validate(f.Servers); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Catalog{Names: names, Entries: f.Servers}, nil
}

// Spec converts a catalog entry into the serverspec.Spec the pool expects.
func (e Entry) Spec() serverspec.Spec {
	return serverspec.Spec{
		Command:   e.Command,
		Args:      append([]string(nil), e.Args...),
		Env:       cloneStringMap(e.Env),
		AutoStart: e.AutoStart,
		Optional:  e.Optional,
	}
}

// NamedSpec pairs a catalog name with the spec it resolves to.
type NamedSpec struct {
	Name string
	Spec serverspec.Spec
}

// AutoStartEntries returns the catalog entries marked auto_start, in
// deterministic (sorted-by-name) order, for the Initializer to consume.
func (c *Catalog) AutoStartEntries() []NamedSpec {
	var out []NamedSpec
	for _, name := range c.Names {
		entry := c.Entries[name]
		if !entry.AutoStart {
			continue
		}
		out = append(out, NamedSpec{Name: name, Spec: entry.Spec()})
	}
	return out
}

func expandEntryEnvVars(e Entry) Entry {
	e.Command = expandEnvVars(e.Command)
	for i := range e.Args {
		e.Args[i] = expandEnvVars(e.Args[i])
	}
	for k, v := range e.Env {
		e.Env[k] = expandEnvVars(v)
	}
	return e
}

func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
