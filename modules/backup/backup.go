// Package backup is a built-in module that snapshots the runtime's
// registry and module states to disk and restores them later. When
// the host wires an encryption provider, backup files are encrypted
// at rest.
package backup

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/datadeck/modrun"
)

// ModuleName is the name the module registers under.
const ModuleName = "backup"

// Snapshot is the on-disk backup payload.
type Snapshot struct {
	Label     string                        `json:"label,omitempty"`
	CreatedAt time.Time                     `json:"created_at"`
	Registry  *modrun.RegistrySnapshot      `json:"registry"`
	States    map[string]modrun.ModuleState `json:"states"`
}

// Manifest describes the module to the registry.
func Manifest() *modrun.ModuleManifest {
	return &modrun.ModuleManifest{
		Name:                 ModuleName,
		Version:              "1.0.0",
		Description:          "Snapshots and restores runtime state",
		Author:               "datadeck",
		ModuleType:           modrun.ModuleTypeUtility,
		CoreVersionMin:       "1.0.0",
		ProvidesCapabilities: []string{"backup"},
		GrantsPermissions:    []string{"backup.create", "backup.restore"},
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"backup_dir": map[string]any{"type": "string"},
				"keep":       map[string]any{"type": "integer", "minimum": 1},
			},
		},
		DefaultConfig: map[string]any{
			"backup_dir": "backups",
			"keep":       10,
		},
	}
}

// NewConstructor returns a module constructor bound to the runtime
// whose state it snapshots. The binding happens at registration time
// because modules otherwise only see the narrow host surface.
func NewConstructor(rt *modrun.Runtime) modrun.ModuleConstructor {
	return func(ctx *modrun.ModuleContext) (modrun.ModulePlugin, error) {
		return &Module{runtime: rt}, nil
	}
}

// Module implements the backup plugin.
type Module struct {
	modrun.PluginBase

	runtime *modrun.Runtime
	dir     string
	keep    int
}

// OnInitialize resolves the backup directory.
func (m *Module) OnInitialize(ctx *modrun.ModuleContext) error {
	if err := m.PluginBase.OnInitialize(ctx); err != nil {
		return err
	}
	m.dir = ctx.ConfigString("backup_dir", "backups")
	m.keep = ctx.ConfigInt("keep", 10)
	return os.MkdirAll(m.dir, 0o755)
}

// Actions contributes the backup actions. Both are targetless.
func (m *Module) Actions() []modrun.Action {
	return []modrun.Action{
		&modrun.ActionFunc{
			ActionName: "backup.create",
			ActionDesc: "Snapshot the registry and module states to disk",
			ActionCat:  "backup",
			Params: []modrun.ActionParameter{
				{Name: "label", Type: modrun.ParamString, Default: ""},
			},
			Perms: []string{"backup.create"},
			Fn:    m.createAction,
		},
		&modrun.ActionFunc{
			ActionName: "backup.restore",
			ActionDesc: "Restore the registry and module states from a backup file",
			ActionCat:  "backup",
			Params: []modrun.ActionParameter{
				{Name: "file", Type: modrun.ParamString, Required: true},
			},
			Perms: []string{"backup.restore"},
			Fn:    m.restoreAction,
		},
	}
}

func (m *Module) createAction(ec *modrun.ExecutionContext, _ string) (map[string]any, error) {
	label, _ := ec.Parameter("label")
	if ec.DryRun() {
		return map[string]any{"would_backup": len(m.runtime.Modules().LoadedModules(false))}, nil
	}
	path, err := m.Create(fmt.Sprint(label))
	if err != nil {
		return nil, err
	}
	ec.LogAudit("backup.create", map[string]any{"file": path})
	return map[string]any{"file": path}, nil
}

func (m *Module) restoreAction(ec *modrun.ExecutionContext, _ string) (map[string]any, error) {
	file, _ := ec.Parameter("file")
	if ec.DryRun() {
		return map[string]any{"would_restore": file}, nil
	}
	restored, err := m.Restore(fmt.Sprint(file))
	if err != nil {
		return nil, err
	}
	ec.LogAudit("backup.restore", map[string]any{"file": file, "modules": len(restored)})
	return map[string]any{"restored": restored}, nil
}

// Create writes a snapshot file and returns its path. Old backups
// beyond the keep count are pruned.
func (m *Module) Create(label string) (string, error) {
	snap := Snapshot{
		Label:     label,
		CreatedAt: time.Now(),
		Registry:  m.runtime.Registry().Export(),
		States:    m.runtime.Modules().ExportStates(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding backup: %w", err)
	}

	if enc := m.Context().Encryption(); enc != nil {
		if data, err = enc.Encrypt(data); err != nil {
			return "", fmt.Errorf("encrypting backup: %w", err)
		}
	}

	name := fmt.Sprintf("backup-%s.json", snap.CreatedAt.Format("20060102-150405"))
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	m.prune()
	return path, nil
}

// Restore loads a snapshot file back into the runtime and returns the
// modules whose state was restored.
func (m *Module) Restore(file string) ([]string, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, file)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	if enc := m.Context().Encryption(); enc != nil {
		if data, err = enc.Decrypt(data); err != nil {
			return nil, fmt.Errorf("decrypting backup: %w", err)
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding backup: %w", err)
	}
	if snap.Registry != nil {
		m.runtime.Registry().Import(snap.Registry)
	}
	results := m.runtime.Modules().RestoreStates(snap.States)

	restored := make([]string, 0, len(results))
	for name, ok := range results {
		if ok {
			restored = append(restored, name)
		}
	}
	sort.Strings(restored)
	return restored, nil
}

// List returns backup file names in the backup directory, newest
// first.
func (m *Module) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "backup-") {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (m *Module) prune() {
	names, err := m.List()
	if err != nil || m.keep <= 0 {
		return
	}
	for _, name := range names[min(m.keep, len(names)):] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			m.Context().Logger().Warn("backup prune failed", "file", name, "error", err)
		}
	}
}

// APIEndpoints exposes the backup list under the module API.
func (m *Module) APIEndpoints() []modrun.APIEndpoint {
	return []modrun.APIEndpoint{
		{Method: http.MethodGet, Pattern: "/backups", Handler: func(w http.ResponseWriter, _ *http.Request) {
			names, err := m.List()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(names)
		}},
	}
}
