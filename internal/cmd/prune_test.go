package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneCmdRemovesStaleInstanceDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	instancesDir := filepath.Join(home, ".local", "share", "shuru", "instances")
	stale := filepath.Join(instancesDir, "abc-123")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "rootfs.ext4"), []byte("x"), 0644))

	require.NoError(t, pruneCmd.RunE(pruneCmd, nil))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneCmdNoInstancesDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	assert.NoError(t, pruneCmd.RunE(pruneCmd, nil))
}
