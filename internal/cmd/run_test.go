package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuru-sandbox/shuru/internal/assets"
	"github.com/shuru-sandbox/shuru/internal/checkpoint"
	"github.com/shuru-sandbox/shuru/internal/config"
)

func newTestResolver(t *testing.T, dataDir string) *assets.Resolver {
	t.Helper()
	r, err := assets.NewResolver(dataDir)
	require.NoError(t, err)
	return r
}

func newTestRunCmd(f *runFlags) *cobra.Command {
	c := &cobra.Command{Use: "run"}
	registerRunFlags(c, f)
	return c
}

func TestResolveRunParamsDefaultsFromConfig(t *testing.T) {
	cfg := &config.Config{
		CPUs:     4,
		Memory:   1024,
		DiskSize: 8192,
		AllowNet: true,
		Ports:    []string{"8080:80"},
		Mounts:   []string{"/tmp:/mnt"},
		Env:      map[string]string{"FOO": "bar"},
	}
	var f runFlags
	c := newTestRunCmd(&f)

	p, mounts, env, err := resolveRunParams(c, &f, cfg)
	require.NoError(t, err)

	assert.Equal(t, 4, p.cpus)
	assert.Equal(t, 1024, p.memoryMB)
	assert.Equal(t, 8192, p.diskMB)
	assert.True(t, p.allowNet)
	assert.Equal(t, []string{"8080:80"}, p.ports)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/mnt", mounts[0].Target)
	assert.Equal(t, "bar", env["FOO"])
}

func TestResolveRunParamsFlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{
		CPUs:     4,
		Memory:   1024,
		DiskSize: 8192,
		AllowNet: false,
		Ports:    []string{"8080:80"},
		Mounts:   []string{"/tmp:/mnt"},
	}
	var f runFlags
	c := newTestRunCmd(&f)
	require.NoError(t, c.Flags().Set("cpus", "8"))
	require.NoError(t, c.Flags().Set("memory", "2048"))
	require.NoError(t, c.Flags().Set("disk-size", "16384"))
	require.NoError(t, c.Flags().Set("allow-net", "true"))
	require.NoError(t, c.Flags().Set("mount", "/etc:/cfg:ro"))
	require.NoError(t, c.Flags().Set("port", "9090:90"))

	p, mounts, _, err := resolveRunParams(c, &f, cfg)
	require.NoError(t, err)

	assert.Equal(t, 8, p.cpus)
	assert.Equal(t, 2048, p.memoryMB)
	assert.Equal(t, 16384, p.diskMB)
	assert.True(t, p.allowNet)
	assert.Equal(t, []string{"9090:90"}, p.ports)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/cfg", mounts[0].Target)
}

func TestResolveRunParamsAllowNetUnsetKeepsConfigFalse(t *testing.T) {
	cfg := &config.Config{AllowNet: false}
	var f runFlags
	c := newTestRunCmd(&f)
	f.allowNet = true // zero-value flag var left at a stale true by a caller

	p, _, _, err := resolveRunParams(c, &f, cfg)
	require.NoError(t, err)
	assert.False(t, p.allowNet, "unset --allow-net must not override config")
}

func TestResolveRunParamsInvalidEnv(t *testing.T) {
	cfg := &config.Config{}
	var f runFlags
	c := newTestRunCmd(&f)
	require.NoError(t, c.Flags().Set("env", "NOVALUE"))

	_, _, _, err := resolveRunParams(c, &f, cfg)
	assert.Error(t, err)
}

func TestResolveRunParamsInvalidMount(t *testing.T) {
	cfg := &config.Config{}
	var f runFlags
	c := newTestRunCmd(&f)
	require.NoError(t, c.Flags().Set("mount", ""))

	_, _, _, err := resolveRunParams(c, &f, cfg)
	assert.Error(t, err)
}

func TestParsePortRules(t *testing.T) {
	rules, err := parsePortRules([]string{"8080:80", "2222:22"})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, uint16(8080), rules[0].HostPort)
	assert.Equal(t, uint16(80), rules[0].GuestPort)
}

func TestParsePortRulesInvalid(t *testing.T) {
	_, err := parsePortRules([]string{"not-a-port"})
	assert.Error(t, err)
}

func TestGrowScratchFileExtends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scratch.ext4")
	require.NoError(t, os.WriteFile(path, []byte("small"), 0644))

	require.NoError(t, growScratchFile(path, 4096))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())
}

func TestGrowScratchFileNoopWhenAlreadyLarger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scratch.ext4")
	content := make([]byte, 8192)
	require.NoError(t, os.WriteFile(path, content, 0644))

	require.NoError(t, growScratchFile(path, 4096))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.Size())
}

func TestPrepareRootfsFromBase(t *testing.T) {
	dataDir := t.TempDir()
	instanceDir := t.TempDir()
	base := filepath.Join(dataDir, "rootfs.ext4")
	require.NoError(t, os.WriteFile(base, []byte("base-bytes"), 0644))

	resolver := newTestResolver(t, dataDir)

	path, err := prepareRootfs(resolver, "", instanceDir, base, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "base-bytes", string(data))
}

func TestPrepareRootfsFromCheckpoint(t *testing.T) {
	dataDir := t.TempDir()
	instanceDir := t.TempDir()
	resolver := newTestResolver(t, dataDir)

	store, err := checkpoint.NewStore(resolver.CheckpointsDir())
	require.NoError(t, err)
	scratch := filepath.Join(dataDir, "cp-scratch.ext4")
	require.NoError(t, os.WriteFile(scratch, []byte("checkpoint-bytes"), 0644))
	require.NoError(t, store.Commit("golden", "", scratch))

	path, err := prepareRootfs(resolver, "golden", instanceDir, filepath.Join(dataDir, "rootfs.ext4"), 0)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-bytes", string(data))
}

func TestPrepareRootfsUnknownCheckpoint(t *testing.T) {
	dataDir := t.TempDir()
	instanceDir := t.TempDir()
	resolver := newTestResolver(t, dataDir)

	_, err := prepareRootfs(resolver, "missing", instanceDir, filepath.Join(dataDir, "rootfs.ext4"), 0)
	assert.Error(t, err)
}

func TestCommitCheckpointRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	resolver := newTestResolver(t, dataDir)

	scratch := filepath.Join(dataDir, "run-scratch.ext4")
	require.NoError(t, os.WriteFile(scratch, []byte("committed-bytes"), 0644))

	require.NoError(t, commitCheckpoint(resolver, "snap1", "", scratch))

	store, err := checkpoint.NewStore(resolver.CheckpointsDir())
	require.NoError(t, err)
	assert.True(t, store.Exists("snap1"))
}

func TestCommitCheckpointRejectsBadName(t *testing.T) {
	dataDir := t.TempDir()
	resolver := newTestResolver(t, dataDir)

	scratch := filepath.Join(dataDir, "run-scratch.ext4")
	require.NoError(t, os.WriteFile(scratch, []byte("x"), 0644))

	err := commitCheckpoint(resolver, "bad name", "", scratch)
	assert.Error(t, err)
}
