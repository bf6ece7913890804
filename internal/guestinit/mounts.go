package guestinit

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// pseudoMount describes one of the standard filesystems the guest init
// mounts before anything else can run, per §4.7 step 1.
type pseudoMount struct {
	source string
	target string
	fstype string
	data   string
}

var pseudoMounts = []pseudoMount{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "devpts", target: "/dev/pts", fstype: "devpts", data: "newinstance,ptmxmode=0666"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs"},
}

// mountPseudoFilesystems mounts proc/sysfs/devtmpfs/devpts/tmpfs, logging
// (not failing) on error — a missing pseudo-fs is a degraded boot, not a
// fatal one, matching the original's eprintln-and-continue behavior.
func (g *Guest) mountPseudoFilesystems() {
	for _, m := range pseudoMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			g.logger.Warn("mkdir %s: %v", m.target, err)
			continue
		}
		if err := unix.Mount(m.source, m.target, m.fstype, 0, m.data); err != nil {
			g.logger.Warn("mount %s on %s: %v", m.source, m.target, err)
		}
	}
}

// mountSpec is one parsed "tag:guest-path:ro|rw" entry from the
// shuru.mounts= kernel cmdline field vmconfig.mountsCmdline built.
type mountSpec struct {
	tag      string
	target   string
	readOnly bool
}

// parseCmdlineMounts extracts shuru.mounts= from the raw kernel command
// line and parses its comma-separated tag:path:mode entries.
func parseCmdlineMounts(cmdline string) ([]mountSpec, error) {
	var raw string
	for _, field := range strings.Fields(cmdline) {
		if v, ok := strings.CutPrefix(field, "shuru.mounts="); ok {
			raw = v
			break
		}
	}
	if raw == "" {
		return nil, nil
	}

	var specs []mountSpec
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("guestinit: malformed shuru.mounts entry %q", entry)
		}
		specs = append(specs, mountSpec{
			tag:      parts[0],
			target:   parts[1],
			readOnly: parts[2] == "ro",
		})
	}
	return specs, nil
}

// applyVirtioFSMounts mounts each tagged virtiofs share at its guest path,
// per §4.7 step 4. Read-only mounts get an overlay so the guest can write
// ephemerally on top of a share the host exported read-only; read-write
// mounts are mounted directly.
func (g *Guest) applyVirtioFSMounts(specs []mountSpec) {
	for _, spec := range specs {
		if err := os.MkdirAll(spec.target, 0o755); err != nil {
			g.logger.Warn("mkdir mount target %s: %v", spec.target, err)
			continue
		}

		if !spec.readOnly {
			if err := unix.Mount(spec.tag, spec.target, "virtiofs", 0, ""); err != nil {
				g.logger.Warn("mount virtiofs %s on %s: %v", spec.tag, spec.target, err)
			}
			continue
		}

		if err := g.mountOverlayOnReadOnlyShare(spec); err != nil {
			g.logger.Warn("overlay mount for %s: %v", spec.tag, err)
		}
	}
}

func (g *Guest) mountOverlayOnReadOnlyShare(spec mountSpec) error {
	base := "/run/shuru-overlay/" + spec.tag
	lower := base + "/lower"
	upper := base + "/upper"
	work := base + "/work"

	for _, dir := range []string{lower, upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	if err := unix.Mount(spec.tag, lower, "virtiofs", unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("mount virtiofs %s: %w", spec.tag, err)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", spec.target, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount overlay on %s: %w", spec.target, err)
	}
	return nil
}
