// Package assets implements the Asset Resolver: locating the kernel,
// rootfs, and initrd images a VM needs, in the precedence order from
// EXTERNAL INTERFACES (env vars, then the XDG-style data directory), and
// sanity-checking the rootfs image before handing it to the VM
// Configurator.
//
// Adapted from the teacher's internal/artifacts.Manager, which located
// (and, on miss, downloaded or built) a kernel and rootfs under
// ~/.faize/artifacts. Shuru's spec draws asset acquisition as explicitly
// out of scope (§1 Non-goals: "Building, downloading... kernel/rootfs
// images"), so download/build logic is dropped; what remains is the
// locate-and-validate half, now driven by SHURU_KERNEL/SHURU_ROOTFS/
// SHURU_INITRD and $HOME/.local/share/shuru per §6, and strengthened with
// an actual filesystem-superblock check (github.com/diskfs/go-diskfs)
// in place of the teacher's no-op presence check.
package assets

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/diskfs/go-diskfs"
	"github.com/mitchellh/go-homedir"

	"github.com/shuru-sandbox/shuru/internal/shuruerr"
)

const (
	envKernel = "SHURU_KERNEL"
	envRootfs = "SHURU_ROOTFS"
	envInitrd = "SHURU_INITRD"
)

// Set is the resolved location of every asset a VM boot needs.
type Set struct {
	KernelPath string
	RootfsPath string
	InitrdPath string // optional; empty when the kernel embeds its own init
}

// Resolver locates VM boot assets under a data directory, honoring
// per-asset environment variable overrides.
type Resolver struct {
	dataDir string
}

// NewResolver returns a Resolver rooted at $HOME/.local/share/shuru, or at
// dataDir if non-empty.
func NewResolver(dataDir string) (*Resolver, error) {
	if dataDir == "" {
		// homedir caches the first answer; re-read $HOME on every call.
		homedir.Reset()
		home, err := homedir.Dir()
		if err != nil {
			return nil, shuruerr.AssetMissingf("resolve home directory: %v", err)
		}
		dataDir = filepath.Join(home, ".local", "share", "shuru")
	}
	return &Resolver{dataDir: dataDir}, nil
}

// DataDir returns the resolver's root data directory.
func (r *Resolver) DataDir() string { return r.dataDir }

// AssetsDir returns the directory holding the kernel, rootfs, and initrd.
// Per §6 these live directly under the data directory, not a subdirectory.
func (r *Resolver) AssetsDir() string { return r.dataDir }

// CheckpointsDir returns the directory holding committed checkpoint images.
func (r *Resolver) CheckpointsDir() string { return filepath.Join(r.dataDir, "checkpoints") }

// InstancesDir returns the directory holding per-session scratch state.
func (r *Resolver) InstancesDir() string { return filepath.Join(r.dataDir, "instances") }

// Resolve locates the kernel, rootfs, and initrd, returning
// shuruerr.KindAssetMissing if a required asset cannot be found.
func (r *Resolver) Resolve() (*Set, error) {
	kernel := r.pick(envKernel, "Image")
	rootfs := r.pick(envRootfs, "rootfs.ext4")
	initrd := r.pick(envInitrd, "initramfs.cpio.gz")

	if err := requireFile(kernel, "kernel"); err != nil {
		return nil, err
	}
	if err := requireFile(rootfs, "rootfs"); err != nil {
		return nil, err
	}
	if err := ValidateRootfsImage(rootfs); err != nil {
		return nil, err
	}

	set := &Set{KernelPath: kernel, RootfsPath: rootfs}
	if _, err := os.Stat(initrd); err == nil {
		set.InitrdPath = initrd
	}

	return set, nil
}

func (r *Resolver) pick(envVar, defaultName string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(r.AssetsDir(), defaultName)
}

func requireFile(path, label string) error {
	info, err := os.Stat(path)
	if err != nil {
		return shuruerr.AssetMissingf("%s not found at %s: %v", label, path, err)
	}
	if info.IsDir() {
		return shuruerr.AssetMissingf("%s at %s is a directory, not a file", label, path)
	}
	return nil
}

// ValidateRootfsImage opens path as a disk image and confirms it carries a
// readable filesystem, catching a truncated download or a corrupt
// checkpoint image before it reaches the VM Configurator.
func ValidateRootfsImage(path string) error {
	disk, err := diskfs.Open(path)
	if err != nil {
		return shuruerr.AssetMissingf("rootfs image %s is not a valid disk image: %v", path, err)
	}
	defer disk.Close()

	if disk.Size <= 0 {
		return shuruerr.AssetMissingf("rootfs image %s has zero size", path)
	}

	if _, err := disk.GetFilesystem(0); err != nil {
		return fmt.Errorf("rootfs image %s: no recognizable filesystem: %w", path, err)
	}

	return nil
}
