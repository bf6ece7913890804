// Package mount parses and validates the "HOST:GUEST[:ro|:rw]" mount
// specifications from the CLI and shuru.json, enforcing the Mount
// invariants from DATA MODEL: guest-path absolute, host-path exists and is
// a directory, and at most one mount per unique guest-path.
//
// Adapted from the teacher's internal/mount: Parse is unchanged in shape
// (it already matched the spec's mount grammar almost exactly), but
// Validate now checks the spec's own invariants instead of the teacher's
// credential-path blocklist, which has no equivalent in Shuru's generic
// exec sandbox (see DESIGN.md).
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Mount is a single host-directory-into-guest binding.
type Mount struct {
	Source   string // host path (expanded, absolute)
	Target   string // guest path (absolute)
	ReadOnly bool   // default true
}

// Parse parses a mount specification string into a Mount.
//
// Formats:
//   - "/host/path"                -> Target defaults to Source, read-only
//   - "/host/path:ro"             -> explicit mode, Target defaults to Source
//   - "/host/path:/guest/path"    -> explicit target, read-only
//   - "/host/path:/guest/path:ro" -> fully explicit
func Parse(spec string) (*Mount, error) {
	if spec == "" {
		return nil, fmt.Errorf("mount specification cannot be empty")
	}

	parts := strings.Split(spec, ":")

	m := &Mount{ReadOnly: true}

	sourcePath, err := expandPath(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid source path: %w", err)
	}
	m.Source = sourcePath

	switch len(parts) {
	case 1:
		m.Target = m.Source
	case 2:
		if parts[1] == "ro" || parts[1] == "rw" {
			m.Target = m.Source
			m.ReadOnly = parts[1] == "ro"
		} else {
			targetPath, err := expandGuestPath(parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid target path: %w", err)
			}
			m.Target = targetPath
		}
	case 3:
		targetPath, err := expandGuestPath(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid target path: %w", err)
		}
		m.Target = targetPath

		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
			m.ReadOnly = false
		default:
			return nil, fmt.Errorf("invalid mode %q: must be 'ro' or 'rw'", parts[2])
		}
	default:
		return nil, fmt.Errorf("invalid mount specification %q: too many colons", spec)
	}

	if !filepath.IsAbs(m.Target) {
		return nil, fmt.Errorf("guest path must be absolute: %q", m.Target)
	}

	return m, nil
}

// Validate enforces the DATA MODEL invariants that Parse alone cannot
// check: the host path must exist and be a directory, and no two mounts in
// the set may share a guest path.
func Validate(mounts []*Mount) error {
	seen := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		info, err := os.Stat(m.Source)
		if err != nil {
			return fmt.Errorf("mount host path %q: %w", m.Source, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("mount host path %q is not a directory", m.Source)
		}
		if seen[m.Target] {
			return fmt.Errorf("duplicate mount guest path %q", m.Target)
		}
		seen[m.Target] = true
	}
	return nil
}

// expandPath expands a leading "~" and returns a cleaned absolute path.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand path: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// expandGuestPath cleans a guest path without forcing absoluteness onto the
// caller, which separately rejects non-absolute guest paths. "~" is not
// expanded (it has no meaning inside the guest), so a "~/..." guest path
// stays relative and is rejected.
func expandGuestPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	return filepath.Clean(path), nil
}
