package modrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConstructorLookup answers whether a module implementation is available.
// Discovery uses it to skip manifests whose entry point was never
// registered; the Loader is the usual implementation.
type ConstructorLookup interface {
	HasConstructor(name string) bool
}

// Discoverer scans search paths for module directories. A module directory
// contains a manifest file (module.json, module.yaml or module.yml); the
// module's implementation must be available through the constructor
// registry. Malformed manifests and manifests without a constructor are
// skipped with a logged warning, never a fatal error.
type Discoverer struct {
	mu           sync.Mutex
	registry     *Registry
	constructors ConstructorLookup
	searchPaths  []string
	logger       Logger
}

// NewDiscoverer creates a discoverer feeding the given registry.
func NewDiscoverer(registry *Registry, constructors ConstructorLookup, logger Logger) *Discoverer {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Discoverer{
		registry:     registry,
		constructors: constructors,
		logger:       logger,
	}
}

// AddSearchPath adds a directory to scan for modules. Non-directories are
// rejected with a warning and ignored.
func (d *Discoverer) AddSearchPath(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		d.logger.Warn("Invalid module search path", "path", path)
		return
	}
	d.mu.Lock()
	d.searchPaths = append(d.searchPaths, path)
	d.mu.Unlock()
	d.logger.Info("Added module search path", "path", path)
}

// SearchPaths returns the configured search paths.
func (d *Discoverer) SearchPaths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.searchPaths...)
}

// Discover scans every search path and registers the manifests it finds.
// Names already registered are skipped unless forceRefresh is set, so
// re-running discovery over unchanged locations never rewrites a stored
// manifest. It returns the names newly registered by this pass.
func (d *Discoverer) Discover(forceRefresh bool) []string {
	var discovered []string

	for _, searchPath := range d.SearchPaths() {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			d.logger.Warn("Cannot scan module search path", "path", searchPath, "error", err)
			continue
		}
		d.logger.Debug("Scanning for modules", "path", searchPath)

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			moduleDir := filepath.Join(searchPath, entry.Name())

			manifestPath, ok := findManifestFile(moduleDir)
			if !ok {
				continue
			}

			manifest, err := LoadManifestFile(manifestPath)
			if err != nil {
				d.logger.Warn("Skipping malformed manifest", "path", manifestPath, "error", err)
				continue
			}

			if d.registry.Manifest(manifest.Name) != nil && !forceRefresh {
				continue
			}

			if d.constructors != nil && !d.constructors.HasConstructor(manifest.Name) {
				d.logger.Warn("Skipping module without registered implementation",
					"module", manifest.Name, "path", moduleDir)
				continue
			}

			if err := d.registry.Register(manifest, moduleDir); err != nil {
				d.logger.Warn("Skipping module", "module", manifest.Name, "error", err)
				continue
			}
			discovered = append(discovered, manifest.Name)
			d.logger.Info("Discovered module", "module", manifest.Name, "version", manifest.Version)
		}
	}

	d.logger.Info("Discovery complete", "found", len(discovered))
	return discovered
}

// Watch re-runs discovery whenever a manifest file in a search path
// changes. It blocks until ctx is cancelled. Rediscovery uses forceRefresh
// so edited manifests replace their stored versions.
func (d *Discoverer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create discovery watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range d.SearchPaths() {
		if err := watcher.Add(path); err != nil {
			d.logger.Warn("Cannot watch search path", "path", path, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				// New module directory: watch it for its manifest.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						d.logger.Warn("Cannot watch module directory", "path", event.Name, "error", err)
					}
				}
			}
			if isManifestFile(event.Name) && event.Op.Has(fsnotify.Create|fsnotify.Write) {
				d.logger.Debug("Manifest change detected", "path", event.Name)
				d.Discover(true)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("Discovery watcher error", "error", err)
		}
	}
}

func findManifestFile(dir string) (string, bool) {
	for _, name := range ManifestFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

func isManifestFile(path string) bool {
	base := filepath.Base(path)
	for _, name := range ManifestFileNames {
		if base == name {
			return true
		}
	}
	return false
}
