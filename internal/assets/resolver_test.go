package assets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverDirLayout(t *testing.T) {
	r, err := NewResolver("/tmp/shuru-test-data")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/shuru-test-data", r.AssetsDir())
	assert.Equal(t, "/tmp/shuru-test-data/checkpoints", r.CheckpointsDir())
	assert.Equal(t, "/tmp/shuru-test-data/instances", r.InstancesDir())
}

func TestResolveMissingKernelErrors(t *testing.T) {
	dir := t.TempDir()
	r, err := NewResolver(dir)
	require.NoError(t, err)

	_, err = r.Resolve()
	assert.Error(t, err)
}

func TestResolveHonorsEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	kernelPath := filepath.Join(dir, "my-kernel")
	rootfsPath := filepath.Join(dir, "my-rootfs.ext4")

	require.NoError(t, os.WriteFile(kernelPath, []byte("kernel-bytes"), 0644))
	require.NoError(t, os.WriteFile(rootfsPath, []byte("not-really-a-filesystem"), 0644))

	t.Setenv("SHURU_KERNEL", kernelPath)
	t.Setenv("SHURU_ROOTFS", rootfsPath)

	r, err := NewResolver(dir)
	require.NoError(t, err)

	// The rootfs stub above is not a real disk image, so Resolve should
	// surface a validation error rather than silently accepting it, and
	// that error names the overridden rootfs path.
	_, err = r.Resolve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), rootfsPath)
}

func TestRequireFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	err := requireFile(dir, "kernel")
	assert.Error(t, err)
}
