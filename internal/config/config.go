// Package config loads shuru.json: the ambient configuration layer the
// CLI merges underneath its flags. Adapted from the teacher's
// internal/config, which bound viper to a YAML dotfile under ~/.faize;
// Shuru's config file name and JSON format are fixed by EXTERNAL
// INTERFACES, so this keeps viper (the pack's idiom for config merging)
// but binds it to JSON and a literal file name instead of an XDG-style
// search path, and drops the faize-specific Claude/BlockedPaths sections
// entirely (see DESIGN.md).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the shuru.json schema from EXTERNAL INTERFACES.
type Config struct {
	CPUs     int               `mapstructure:"cpus"`
	Memory   int               `mapstructure:"memory"`
	DiskSize int               `mapstructure:"disk_size"`
	AllowNet bool              `mapstructure:"allow_net"`
	Ports    []string          `mapstructure:"ports"`
	Mounts   []string          `mapstructure:"mounts"`
	Env      map[string]string `mapstructure:"env"`
	Command  []string          `mapstructure:"command"`
}

// Defaults the config layer falls back to when shuru.json is absent or a
// key is unset, per VM Configurator (§4.2) and VmConfig (§3).
const (
	DefaultCPUs     = 2
	DefaultMemoryMB = 2048
	DefaultDiskMB   = 4096
)

// Load reads configPath (or "./shuru.json" if empty) and returns a Config
// populated with defaults for any key the file doesn't set. A missing file
// at the default path is not an error; a missing file at an explicitly
// requested path is.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	explicit := configPath != ""
	if explicit {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("shuru")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", configLabel(configPath), err)
		}
		if explicit {
			return nil, fmt.Errorf("config: file not found: %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// viper lower-cases map keys, including the variable names inside
	// "env"; those are case-sensitive, so env is decoded from the file.
	if path := v.ConfigFileUsed(); path != "" {
		var file struct {
			Env map[string]string `json:"env"`
		}
		raw, err := os.ReadFile(path)
		if err == nil {
			err = json.Unmarshal(raw, &file)
		}
		if err != nil {
			return nil, fmt.Errorf("config: read env from %s: %w", path, err)
		}
		if file.Env != nil {
			cfg.Env = file.Env
		}
	}

	cfg.Mounts = expandMountHostPaths(cfg.Mounts)

	return &cfg, nil
}

func configLabel(path string) string {
	if path == "" {
		return "./shuru.json"
	}
	return path
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cpus", DefaultCPUs)
	v.SetDefault("memory", DefaultMemoryMB)
	v.SetDefault("disk_size", DefaultDiskMB)
	v.SetDefault("allow_net", false)
	v.SetDefault("ports", []string{})
	v.SetDefault("mounts", []string{})
	v.SetDefault("env", map[string]string{})
	v.SetDefault("command", []string{})
}

// expandMountHostPaths expands a leading "~" in the host-path portion of
// each "HOST:GUEST[:ro|:rw]" spec, leaving the rest of the spec untouched,
// the same split-then-reattach approach as the teacher's expandPaths.
func expandMountHostPaths(specs []string) []string {
	expanded := make([]string, len(specs))
	for i, spec := range specs {
		host, rest, hasRest := cutFirstColon(spec)
		expandedHost, err := homedir.Expand(host)
		if err != nil {
			expanded[i] = spec
			continue
		}
		if hasRest {
			expanded[i] = expandedHost + ":" + rest
		} else {
			expanded[i] = expandedHost
		}
	}
	return expanded
}

func cutFirstColon(s string) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
