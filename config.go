package modrun

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RuntimeConfig configures a Runtime instance. It is typically loaded
// from a TOML or YAML file but can be built in code.
type RuntimeConfig struct {
	// CoreVersion is the version modules are checked against.
	CoreVersion string `toml:"core_version" yaml:"core_version"`

	// ModulePaths are directories scanned for module manifests.
	ModulePaths []string `toml:"module_paths" yaml:"module_paths"`

	// AutoDiscover scans ModulePaths during Start.
	AutoDiscover bool `toml:"auto_discover" yaml:"auto_discover"`

	// WatchModules keeps watching ModulePaths for manifest changes
	// after Start.
	WatchModules bool `toml:"watch_modules" yaml:"watch_modules"`

	// AutoLoad names modules loaded during Start, in addition to
	// their dependencies.
	AutoLoad []string `toml:"auto_load" yaml:"auto_load"`

	// AutoActivate names modules activated after loading.
	AutoActivate []string `toml:"auto_activate" yaml:"auto_activate"`

	// ModuleConfigs holds per-module config overrides merged over
	// each manifest's defaults.
	ModuleConfigs map[string]map[string]any `toml:"module_configs" yaml:"module_configs"`

	// AuditMaxEntries bounds the in-memory audit trail.
	AuditMaxEntries int `toml:"audit_max_entries" yaml:"audit_max_entries"`

	// Admins are actors granted full permissions at startup.
	Admins []string `toml:"admins" yaml:"admins"`
}

// DefaultRuntimeConfig returns a config suitable for development.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		CoreVersion:     "1.0.0",
		AutoDiscover:    true,
		AuditMaxEntries: defaultAuditCapacity,
	}
}

// LoadRuntimeConfig reads a config file, dispatching on extension.
// Supported formats are TOML (.toml) and YAML (.yaml, .yml). Missing
// fields keep their defaults.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}

	if cfg.CoreVersion == "" {
		cfg.CoreVersion = "1.0.0"
	}
	return cfg, nil
}
