package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScratch(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scratch.ext4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("my-checkpoint_1.0"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("has a space"))
	assert.Error(t, ValidateName("has/slash"))
}

func TestCommitAndExists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	assert.False(t, store.Exists("base"))

	scratch := writeScratch(t, dir, "rootfs-bytes")
	require.NoError(t, store.Commit("base", "", scratch))

	assert.True(t, store.Exists("base"))
	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err), "scratch file should be consumed by rename")

	data, err := os.ReadFile(store.ImagePath("base"))
	require.NoError(t, err)
	assert.Equal(t, "rootfs-bytes", string(data))
}

func TestCommitRejectsBadName(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	scratch := writeScratch(t, dir, "x")
	err = store.Commit("bad name!", "", scratch)
	assert.Error(t, err)
}

func TestListOrdersByCreatedAtDescending(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Commit("first", "", writeScratchNamed(t, dir, "first.ext4", "a")))
	require.NoError(t, store.Commit("second", "first", writeScratchNamed(t, dir, "second.ext4", "b")))

	manifests, err := store.List()
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, "second", manifests[0].Name)
	assert.Equal(t, "first", manifests[0].Parent)
	assert.Equal(t, "first", manifests[1].Name)
}

func writeScratchNamed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDeleteRemovesImageAndManifest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Commit("gone", "", writeScratch(t, dir, "x")))
	require.NoError(t, store.Delete("gone"))
	assert.False(t, store.Exists("gone"))
}

func TestDeleteMissingErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	assert.Error(t, store.Delete("nope"))
}

func TestDeleteRefusesWhenLocked(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Commit("locked", "", writeScratch(t, dir, "x")))

	unlock, err := store.Lock("locked")
	require.NoError(t, err)

	assert.Error(t, store.Delete("locked"))

	unlock()
	assert.NoError(t, store.Delete("locked"))
}

func TestCopyToScratchDenseFallback(t *testing.T) {
	dir := t.TempDir()
	src := writeScratch(t, dir, "hello-rootfs")
	dst := filepath.Join(dir, "dst.ext4")

	require.NoError(t, denseCopy(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello-rootfs", string(data))
}
