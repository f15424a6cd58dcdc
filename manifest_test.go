package modrun

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest(name string) *ModuleManifest {
	return &ModuleManifest{
		Name:           name,
		Version:        "1.0.0",
		ModuleType:     ModuleTypeUtility,
		CoreVersionMin: "1.0.0",
	}
}

func TestManifestValidate(t *testing.T) {
	t.Run("valid manifest passes", func(t *testing.T) {
		assert.NoError(t, validManifest("demo").Validate())
	})

	t.Run("empty name", func(t *testing.T) {
		m := validManifest("demo")
		m.Name = ""
		assert.ErrorIs(t, m.Validate(), ErrManifestNameEmpty)
	})

	t.Run("empty version", func(t *testing.T) {
		m := validManifest("demo")
		m.Version = ""
		assert.ErrorIs(t, m.Validate(), ErrManifestVersionEmpty)
	})

	t.Run("unknown type", func(t *testing.T) {
		m := validManifest("demo")
		m.ModuleType = "gadget"
		assert.ErrorIs(t, m.Validate(), ErrManifestTypeInvalid)
	})
}

func TestManifestCompatibleWith(t *testing.T) {
	tests := []struct {
		name     string
		min, max string
		core     string
		wantErr  bool
	}{
		{name: "exact minimum", min: "1.0.0", core: "1.0.0"},
		{name: "newer minor ok", min: "1.0.0", core: "1.5.0"},
		{name: "newer major ok without max", min: "1.0.0", core: "2.0.0"},
		{name: "older major rejected", min: "2.0.0", core: "1.9.0", wantErr: true},
		{name: "older minor same major rejected", min: "1.4.0", core: "1.2.0", wantErr: true},
		{name: "max bounds major", min: "1.0.0", max: "1.9.0", core: "2.0.0", wantErr: true},
		{name: "within max", min: "1.0.0", max: "2.0.0", core: "2.3.0"},
		{name: "no bounds", core: "0.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest("demo")
			m.CoreVersionMin = tt.min
			m.CoreVersionMax = tt.max
			err := m.CompatibleWith(tt.core)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrManifestIncompatible)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManifestEffectiveConfig(t *testing.T) {
	m := validManifest("demo")
	m.DefaultConfig = map[string]any{"interval": 30, "enabled": true}

	cfg := m.EffectiveConfig(map[string]any{"interval": 60, "extra": "x"})

	assert.Equal(t, 60, cfg["interval"])
	assert.Equal(t, true, cfg["enabled"])
	assert.Equal(t, "x", cfg["extra"])
	// defaults untouched
	assert.Equal(t, 30, m.DefaultConfig["interval"])
}

func TestLoadManifestFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "module.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"name": "demo",
			"version": "1.2.0",
			"module_type": "connector",
			"core_version_min": "1.0.0",
			"required_modules": ["base"]
		}`), 0o644))

		m, err := LoadManifestFile(path)
		require.NoError(t, err)
		assert.Equal(t, "demo", m.Name)
		assert.Equal(t, ModuleTypeConnector, m.ModuleType)
		assert.Equal(t, []string{"base"}, m.RequiredModules)
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "module.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"name: demo-yaml\nversion: 0.3.0\nmodule_type: analytics\ndefault_config:\n  window: 5\n"), 0o644))

		m, err := LoadManifestFile(path)
		require.NoError(t, err)
		assert.Equal(t, "demo-yaml", m.Name)
		assert.Equal(t, ModuleTypeAnalytics, m.ModuleType)
		assert.Equal(t, 5, m.DefaultConfig["window"])
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadManifestFile(filepath.Join(dir, "nope.json"))
		assert.ErrorIs(t, err, ErrManifestFileNotFound)
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
		_, err := LoadManifestFile(path)
		assert.ErrorIs(t, err, ErrManifestParseFailed)
	})
}
