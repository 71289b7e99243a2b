package servercatalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate checks catalog invariants: every entry needs a non-empty
// command, and names must be non-empty. Errors are joined so a single Load
// call reports every problem at once.
func Validate(entries map[string]Entry) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("servers: empty server name is not allowed"))
			continue
		}
		entry := entries[name]
		if strings.TrimSpace(entry.Command) == "" {
			errs = append(errs, fmt.Errorf("servers.%s: missing required field \"command\"", name))
		}
	}
	return errors.Join(errs...)
}
