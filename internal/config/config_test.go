package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsNoFile(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, DefaultCPUs, cfg.CPUs)
	assert.Equal(t, DefaultMemoryMB, cfg.Memory)
	assert.Equal(t, DefaultDiskMB, cfg.DiskSize)
	assert.False(t, cfg.AllowNet)
	assert.Empty(t, cfg.Ports)
	assert.Empty(t, cfg.Mounts)
	assert.Empty(t, cfg.Command)
}

func TestLoadExplicitMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shuru.json")
	const body = `{
		"cpus": 4,
		"memory": 8192,
		"allow_net": true,
		"ports": ["8080:80"],
		"mounts": ["~/code:/workspace:rw"],
		"env": {"FOO": "bar"},
		"command": ["sh", "-c", "echo hi"]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.CPUs)
	assert.Equal(t, 8192, cfg.Memory)
	assert.True(t, cfg.AllowNet)
	assert.Equal(t, []string{"8080:80"}, cfg.Ports)
	assert.Equal(t, "bar", cfg.Env["FOO"])
	assert.Equal(t, []string{"sh", "-c", "echo hi"}, cfg.Command)

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(home, "code") + ":/workspace:rw"}, cfg.Mounts)
}

func TestExpandMountHostPaths(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"bare path", []string{"~/.npmrc"}, []string{filepath.Join(home, ".npmrc")}},
		{"with guest and mode", []string{"~/src:/workspace:ro"}, []string{filepath.Join(home, "src") + ":/workspace:ro"}},
		{"absolute host path untouched", []string{"/tmp/x:/w:rw"}, []string{"/tmp/x:/w:rw"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandMountHostPaths(tt.in))
		})
	}
}
