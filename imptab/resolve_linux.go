//go:build linux

package imptab

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type procMapEntry struct {
	start  uintptr
	end    uintptr
	offset uintptr
	perms  string
	path   string
}

// resolveModule finds the base load address of a module in the current
// process via /proc/self/maps. An empty identifier means the main
// executable. Names match by full path first, then by basename, following
// the same loose convention dlopen uses for already-loaded objects.
func resolveModule(identifier string) (uintptr, string, error) {
	entries, err := readProcMaps()
	if err != nil {
		return 0, "", err
	}

	if identifier == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, "", fmt.Errorf("resolve main executable: %w", err)
		}
		identifier = exe
	}

	if base, path, ok := findMapping(entries, func(p string) bool { return p == identifier }); ok {
		return base, path, nil
	}
	if base, path, ok := findMapping(entries, func(p string) bool {
		return filepath.Base(p) == filepath.Base(identifier)
	}); ok {
		return base, path, nil
	}
	return 0, "", fmt.Errorf("%w: %s", ErrModuleNotFound, identifier)
}

// findMapping returns the lowest mapping with file offset zero whose path
// satisfies match. That mapping holds the ELF header, so its start is the
// image base.
func findMapping(entries []procMapEntry, match func(string) bool) (uintptr, string, bool) {
	var (
		base  uintptr
		path  string
		found bool
	)
	for _, entry := range entries {
		if entry.offset != 0 || !match(entry.path) {
			continue
		}
		if !found || entry.start < base {
			base = entry.start
			path = entry.path
			found = true
		}
	}
	return base, path, found
}

func readProcMaps() ([]procMapEntry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	entries := make([]procMapEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := parseHexUintptr(rangeParts[0])
		end, endErr := parseHexUintptr(rangeParts[1])
		offset, offsetErr := parseHexUintptr(fields[2])
		if startErr != nil || endErr != nil || offsetErr != nil {
			continue
		}

		path := strings.Join(fields[5:], " ")
		path = strings.TrimSuffix(path, " (deleted)")
		if path == "" || !strings.HasPrefix(path, "/") {
			continue
		}

		entries = append(entries, procMapEntry{
			start:  start,
			end:    end,
			offset: offset,
			perms:  fields[1],
			path:   path,
		})
	}
	return entries, nil
}

func parseHexUintptr(s string) (uintptr, error) {
	var out uintptr
	if s == "" {
		return 0, fmt.Errorf("empty hex string")
	}
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}
