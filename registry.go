package modrun

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the central store of module manifests. It tracks per-module
// status and registration location, maintains the dependency graph and its
// transpose, and computes safe load order.
//
// Status reads are frequent, so shared state is guarded by a read/write
// lock; structural mutations (register/unregister) take the exclusive
// section.
type Registry struct {
	mu          sync.RWMutex
	coreVersion string
	manifests   map[string]*ModuleManifest
	locations   map[string]string
	statuses    map[string]ModuleStatus
	deps        map[string]map[string]struct{} // name -> required names
	dependents  map[string]map[string]struct{} // name -> names requiring it
	logger      Logger
}

// NewRegistry creates a registry for the given running core version.
func NewRegistry(coreVersion string, logger Logger) *Registry {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Registry{
		coreVersion: coreVersion,
		manifests:   make(map[string]*ModuleManifest),
		locations:   make(map[string]string),
		statuses:    make(map[string]ModuleStatus),
		deps:        make(map[string]map[string]struct{}),
		dependents:  make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// CoreVersion returns the running core version the registry validates
// manifests against.
func (r *Registry) CoreVersion() string { return r.coreVersion }

// Register validates a manifest and adds it to the registry with status
// inactive. Registering a name that already exists replaces its manifest;
// that is the explicit re-registration path.
func (r *Registry) Register(manifest *ModuleManifest, location string) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	if err := manifest.CompatibleWith(r.coreVersion); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.manifests[manifest.Name] = manifest
	r.locations[manifest.Name] = location
	r.statuses[manifest.Name] = StatusInactive
	r.rebuildEdges(manifest)

	r.logger.Info("Registered module", "module", manifest.Name, "version", manifest.Version)
	return nil
}

// Unregister removes a module from the registry. It fails when any active
// module still depends on the target; registered-but-inactive dependents do
// not block removal.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.manifests[name]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, name)
	}

	var blockers []string
	for dep := range r.dependents[name] {
		if r.statuses[dep] == StatusActive {
			blockers = append(blockers, dep)
		}
	}
	if len(blockers) > 0 {
		sort.Strings(blockers)
		return fmt.Errorf("%w: cannot unregister %s, %v", ErrActiveDependents, name, blockers)
	}

	delete(r.manifests, name)
	delete(r.locations, name)
	delete(r.statuses, name)
	delete(r.deps, name)
	for _, set := range r.deps {
		delete(set, name)
	}
	delete(r.dependents, name)
	for _, set := range r.dependents {
		delete(set, name)
	}

	r.logger.Info("Unregistered module", "module", name)
	return nil
}

// Manifest returns a registered manifest, or nil if the name is unknown.
func (r *Registry) Manifest(name string) *ModuleManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifests[name]
}

// Location returns the filesystem location a module was registered from.
func (r *Registry) Location(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locations[name]
}

// Status returns a module's lifecycle status, StatusUnknown for
// unregistered names.
func (r *Registry) Status(name string) ModuleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if status, ok := r.statuses[name]; ok {
		return status
	}
	return StatusUnknown
}

// SetStatus records a module's status. Unregistered names are ignored; the
// loader is the only intended caller.
func (r *Registry) SetStatus(name string, status ModuleStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.manifests[name]; ok {
		r.statuses[name] = status
		r.logger.Debug("Module status changed", "module", name, "status", status)
	}
}

// List returns registered module names, sorted, optionally filtered by type
// and status. Zero values match everything.
func (r *Registry) List(moduleType ModuleType, status ModuleStatus) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, manifest := range r.manifests {
		if moduleType != "" && manifest.ModuleType != moduleType {
			continue
		}
		if status != "" && r.statuses[name] != status {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindByCapability returns the modules whose manifests provide the named
// capability, sorted.
func (r *Registry) FindByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, manifest := range r.manifests {
		for _, provided := range manifest.ProvidesCapabilities {
			if provided == capability {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Dependents returns the names of modules that directly require name.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for dep := range r.dependents[name] {
		names = append(names, dep)
	}
	sort.Strings(names)
	return names
}

// ResolveDependencies returns name's transitive dependency closure in load
// order (dependencies first, name last). It fails with a dependency error
// on a cycle or a missing dependency, without mutating the registry.
func (r *Registry) ResolveDependencies(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.manifests[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotRegistered, name)
	}
	return r.sortLocked([]string{name}, false)
}

// LoadOrder performs a depth-first topological sort over the transitive
// dependency closure of the requested names. Every dependency precedes its
// dependents in the result. A cycle fails the whole call.
func (r *Registry) LoadOrder(names []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		if _, ok := r.manifests[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotRegistered, name)
		}
	}
	return r.sortLocked(names, false)
}

// sortLocked topologically sorts the transitive closure of roots.
// Call with at least a read lock held. When ignoreMissing is false a
// dependency outside the registry fails the sort.
func (r *Registry) sortLocked(roots []string, ignoreMissing bool) ([]string, error) {
	var order []string
	visited := make(map[string]bool)
	inProgress := make(map[string]bool)

	var visit func(string) error
	visit = func(node string) error {
		if inProgress[node] {
			return fmt.Errorf("%w: involving %s", ErrCircularDependency, node)
		}
		if visited[node] {
			return nil
		}
		inProgress[node] = true

		for dep := range r.deps[node] {
			if _, ok := r.manifests[dep]; !ok {
				if ignoreMissing {
					continue
				}
				return fmt.Errorf("%w: %s required by %s", ErrDependencyMissing, dep, node)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		inProgress[node] = false
		visited[node] = true
		order = append(order, node)
		return nil
	}

	// Sort roots for a deterministic order between independent subtrees.
	sortedRoots := append([]string(nil), roots...)
	sort.Strings(sortedRoots)
	for _, root := range sortedRoots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ValidateSet checks that a set of modules can be loaded together: all
// registered, dependency-resolvable without cycles, and free of capability
// conflicts. It returns the accumulated list of problems, empty when the
// set is valid.
func (r *Registry) ValidateSet(names []string) []error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if _, ok := r.manifests[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrModuleNotRegistered, name))
		}
	}
	if len(errs) > 0 {
		return errs
	}

	if _, err := r.sortLocked(names, false); err != nil {
		errs = append(errs, err)
	}

	providers := make(map[string]string)
	sortedNames := append([]string(nil), names...)
	sort.Strings(sortedNames)
	for _, name := range sortedNames {
		for _, provided := range r.manifests[name].ProvidesCapabilities {
			if other, ok := providers[provided]; ok {
				errs = append(errs, fmt.Errorf("%w: %s provided by both %s and %s",
					ErrCapabilityConflict, provided, other, name))
			} else {
				providers[provided] = name
			}
		}
	}
	return errs
}

// RegistrySnapshot is an exported view of registry state for backup or
// transfer between processes.
type RegistrySnapshot struct {
	CoreVersion string                     `json:"core_version"`
	Manifests   map[string]*ModuleManifest `json:"manifests"`
	Locations   map[string]string          `json:"locations"`
	Statuses    map[string]ModuleStatus    `json:"statuses"`
}

// Export captures the registry state.
func (r *Registry) Export() *RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &RegistrySnapshot{
		CoreVersion: r.coreVersion,
		Manifests:   make(map[string]*ModuleManifest, len(r.manifests)),
		Locations:   make(map[string]string, len(r.locations)),
		Statuses:    make(map[string]ModuleStatus, len(r.statuses)),
	}
	for name, manifest := range r.manifests {
		snap.Manifests[name] = manifest
		snap.Locations[name] = r.locations[name]
		snap.Statuses[name] = r.statuses[name]
	}
	return snap
}

// Import replaces the registry state with a snapshot. Manifests that fail
// validation or compatibility are skipped with a warning.
func (r *Registry) Import(snap *RegistrySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.manifests = make(map[string]*ModuleManifest)
	r.locations = make(map[string]string)
	r.statuses = make(map[string]ModuleStatus)
	r.deps = make(map[string]map[string]struct{})
	r.dependents = make(map[string]map[string]struct{})

	for name, manifest := range snap.Manifests {
		if err := manifest.Validate(); err != nil {
			r.logger.Warn("Skipping invalid manifest on import", "module", name, "error", err)
			continue
		}
		if err := manifest.CompatibleWith(r.coreVersion); err != nil {
			r.logger.Warn("Skipping incompatible manifest on import", "module", name, "error", err)
			continue
		}
		r.manifests[name] = manifest
		r.locations[name] = snap.Locations[name]
		status, ok := snap.Statuses[name]
		if !ok {
			status = StatusInactive
		}
		r.statuses[name] = status
		r.rebuildEdges(manifest)
	}
	r.logger.Info("Imported registry snapshot", "modules", len(r.manifests))
}

// rebuildEdges refreshes the dependency edges for one manifest.
// Call with the write lock held.
func (r *Registry) rebuildEdges(manifest *ModuleManifest) {
	name := manifest.Name

	// Drop stale reverse edges from a prior registration.
	for dep := range r.deps[name] {
		delete(r.dependents[dep], name)
	}

	required := make(map[string]struct{}, len(manifest.RequiredModules))
	for _, dep := range manifest.RequiredModules {
		required[dep] = struct{}{}
		if r.dependents[dep] == nil {
			r.dependents[dep] = make(map[string]struct{})
		}
		r.dependents[dep][name] = struct{}{}
	}
	r.deps[name] = required
}
