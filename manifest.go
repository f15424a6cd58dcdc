package modrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModuleType categorizes a module by the role it plays in the system.
type ModuleType string

const (
	ModuleTypeCore        ModuleType = "core"
	ModuleTypeConnector   ModuleType = "connector"
	ModuleTypeUI          ModuleType = "ui"
	ModuleTypeUtility     ModuleType = "utility"
	ModuleTypeAnalytics   ModuleType = "analytics"
	ModuleTypeSecurity    ModuleType = "security"
	ModuleTypeIntegration ModuleType = "integration"
)

// Valid reports whether t is one of the known module types.
func (t ModuleType) Valid() bool {
	switch t {
	case ModuleTypeCore, ModuleTypeConnector, ModuleTypeUI, ModuleTypeUtility,
		ModuleTypeAnalytics, ModuleTypeSecurity, ModuleTypeIntegration:
		return true
	}
	return false
}

// ModuleStatus is the lifecycle status of a registered module.
// Exactly one status exists per registered module name; it is owned by the
// Registry and mutated only by the Loader.
type ModuleStatus string

const (
	StatusUnknown  ModuleStatus = "unknown"
	StatusLoading  ModuleStatus = "loading"
	StatusInactive ModuleStatus = "inactive"
	StatusActive   ModuleStatus = "active"
	StatusError    ModuleStatus = "error"
)

// ModuleManifest is the static description of a module: identity, version
// compatibility, dependencies, capabilities, permissions, and default
// configuration. A manifest is immutable once registered; replacing it
// requires explicit re-registration.
type ModuleManifest struct {
	Name        string     `json:"name" yaml:"name"`
	Version     string     `json:"version" yaml:"version"`
	Description string     `json:"description" yaml:"description"`
	Author      string     `json:"author" yaml:"author"`
	ModuleType  ModuleType `json:"module_type" yaml:"module_type"`

	// Compatibility with the running core version.
	CoreVersionMin string `json:"core_version_min" yaml:"core_version_min"`
	CoreVersionMax string `json:"core_version_max,omitempty" yaml:"core_version_max,omitempty"`

	// Dependencies on other modules, by name.
	RequiredModules []string `json:"required_modules,omitempty" yaml:"required_modules,omitempty"`
	OptionalModules []string `json:"optional_modules,omitempty" yaml:"optional_modules,omitempty"`

	// Capabilities used for soft compatibility checks.
	ProvidesCapabilities []string `json:"provides_capabilities,omitempty" yaml:"provides_capabilities,omitempty"`
	RequiresCapabilities []string `json:"requires_capabilities,omitempty" yaml:"requires_capabilities,omitempty"`

	// Permissions the module needs and grants.
	RequiredPermissions []string `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`
	GrantsPermissions   []string `json:"grants_permissions,omitempty" yaml:"grants_permissions,omitempty"`

	// Configuration: JSON schema plus defaults merged with caller overrides.
	ConfigSchema  map[string]any `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`
	DefaultConfig map[string]any `json:"default_config,omitempty" yaml:"default_config,omitempty"`
}

// Validate checks the structural requirements of a manifest.
func (m *ModuleManifest) Validate() error {
	if m.Name == "" {
		return ErrManifestNameEmpty
	}
	if m.Version == "" {
		return fmt.Errorf("%w: %s", ErrManifestVersionEmpty, m.Name)
	}
	if !m.ModuleType.Valid() {
		return fmt.Errorf("%w: %q for module %s", ErrManifestTypeInvalid, m.ModuleType, m.Name)
	}
	return nil
}

// CompatibleWith reports whether the manifest's declared core version range
// admits coreVersion. The major version must be at least the manifest
// minimum; minors are compared only when majors match; the optional maximum
// bounds the major version.
func (m *ModuleManifest) CompatibleWith(coreVersion string) error {
	coreMajor, coreMinor := splitVersion(coreVersion)

	if m.CoreVersionMin != "" {
		minMajor, minMinor := splitVersion(m.CoreVersionMin)
		if coreMajor < minMajor {
			return fmt.Errorf("%w: %s requires core >= %s, running %s",
				ErrManifestIncompatible, m.Name, m.CoreVersionMin, coreVersion)
		}
		if coreMajor == minMajor && coreMinor < minMinor {
			return fmt.Errorf("%w: %s requires core >= %s, running %s",
				ErrManifestIncompatible, m.Name, m.CoreVersionMin, coreVersion)
		}
	}

	if m.CoreVersionMax != "" {
		maxMajor, _ := splitVersion(m.CoreVersionMax)
		if coreMajor > maxMajor {
			return fmt.Errorf("%w: %s requires core <= %s, running %s",
				ErrManifestIncompatible, m.Name, m.CoreVersionMax, coreVersion)
		}
	}

	return nil
}

// EffectiveConfig merges the manifest defaults with an override map.
// Neither input is mutated; override values win.
func (m *ModuleManifest) EffectiveConfig(override map[string]any) map[string]any {
	cfg := make(map[string]any, len(m.DefaultConfig)+len(override))
	for k, v := range m.DefaultConfig {
		cfg[k] = v
	}
	for k, v := range override {
		cfg[k] = v
	}
	return cfg
}

// ManifestFileNames are the file names discovery looks for inside a module
// directory, in priority order.
var ManifestFileNames = []string{"module.json", "module.yaml", "module.yml"}

// LoadManifestFile reads and parses a manifest from a JSON or YAML file.
func LoadManifestFile(path string) (*ModuleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrManifestFileNotFound, path)
	}

	manifest := &ModuleManifest{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, manifest); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrManifestParseFailed, path, err)
		}
	default:
		if err := json.Unmarshal(data, manifest); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrManifestParseFailed, path, err)
		}
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// splitVersion extracts major and minor components from a dotted version
// string. Missing or malformed components parse as zero.
func splitVersion(version string) (major, minor int) {
	parts := strings.Split(version, ".")
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}
