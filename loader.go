package modrun

import (
	"fmt"
	"sort"
	"sync"
)

// LoadedModule is the runtime instance bound to a manifest. It is created
// by the Loader on load and destroyed on unload; the orchestrator only
// holds lookups by name, never ownership.
type LoadedModule struct {
	manifest *ModuleManifest
	plugin   ModulePlugin
	context  *ModuleContext

	mu          sync.Mutex
	initialized bool
	active      bool
}

// Manifest returns the manifest the instance was loaded from.
func (m *LoadedModule) Manifest() *ModuleManifest { return m.manifest }

// Plugin returns the module implementation.
func (m *LoadedModule) Plugin() ModulePlugin { return m.plugin }

// Config returns the effective configuration the module was loaded with.
func (m *LoadedModule) Config() map[string]any { return m.context.Config() }

// Initialized reports whether OnInitialize completed.
func (m *LoadedModule) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Active reports whether the module is currently active.
func (m *LoadedModule) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *LoadedModule) setActive(active bool) {
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
}

// ModuleState is a snapshot of one loaded module's state, used by restart.
type ModuleState struct {
	Loaded bool           `json:"loaded"`
	Active bool           `json:"active"`
	Config map[string]any `json:"config,omitempty"`
}

// Loader instantiates module code against manifests and drives lifecycle
// transitions: load, activate, deactivate, unload, reload. Module failures
// are caught, stored as a failure reason keyed by module name, and never
// terminate the loader itself.
//
// Each module name has its own lock, so operations on independent modules
// proceed concurrently while load/unload/reload of one module serialize.
type Loader struct {
	registry *Registry
	host     ModuleHost
	logger   Logger

	mu           sync.Mutex
	constructors map[string]ModuleConstructor
	loaded       map[string]*LoadedModule
	locks        map[string]*sync.Mutex
	failures     map[string]string
}

// NewLoader creates a loader feeding off the given registry. The host is
// handed to every module context; pass the Runtime.
func NewLoader(registry *Registry, host ModuleHost, logger Logger) *Loader {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Loader{
		registry:     registry,
		host:         host,
		logger:       logger,
		constructors: make(map[string]ModuleConstructor),
		loaded:       make(map[string]*LoadedModule),
		locks:        make(map[string]*sync.Mutex),
		failures:     make(map[string]string),
	}
}

// RegisterConstructor binds a module name to its implementation
// constructor. Discovery skips manifests without one.
func (l *Loader) RegisterConstructor(name string, constructor ModuleConstructor) {
	l.mu.Lock()
	l.constructors[name] = constructor
	l.mu.Unlock()
}

// HasConstructor implements ConstructorLookup.
func (l *Loader) HasConstructor(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.constructors[name]
	return ok
}

func (l *Loader) moduleLock(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[name] = lock
	}
	return lock
}

// Load loads a module by name, loading its required modules first,
// depth-first. Loading an already-loaded module is a no-op success. On any
// failure the module's status becomes error, the first failure reason is
// retrievable via FailureReason, and Load returns false.
func (l *Loader) Load(name string, configOverride map[string]any) bool {
	return l.load(name, configOverride, make(map[string]bool))
}

// load carries the visiting set of the current load chain so manifest
// dependency cycles fail instead of recursing forever. Only cycles within
// one chain are fatal; an unrelated concurrent caller blocks on the module
// lock and then sees the module already loaded.
func (l *Loader) load(name string, configOverride map[string]any, visiting map[string]bool) bool {
	if visiting[name] {
		l.failSoft(name, fmt.Sprintf("dependency cycle through module %s", name))
		return false
	}

	l.mu.Lock()
	if _, ok := l.loaded[name]; ok {
		l.mu.Unlock()
		l.logger.Debug("Module already loaded", "module", name)
		return true
	}
	l.mu.Unlock()

	visiting[name] = true
	defer delete(visiting, name)

	lock := l.moduleLock(name)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the module lock: another caller may have finished.
	l.mu.Lock()
	_, alreadyLoaded := l.loaded[name]
	l.mu.Unlock()
	if alreadyLoaded {
		return true
	}

	return l.loadLocked(name, configOverride, visiting)
}

func (l *Loader) loadLocked(name string, configOverride map[string]any, visiting map[string]bool) bool {
	l.registry.SetStatus(name, StatusLoading)

	manifest := l.registry.Manifest(name)
	if manifest == nil {
		l.fail(name, fmt.Sprintf("module %s not found in registry", name))
		return false
	}

	l.logger.Info("Loading module", "module", name, "version", manifest.Version)

	// Dependencies first. A dependency failure aborts with no partial
	// registration of the requester.
	for _, dep := range manifest.RequiredModules {
		if l.IsLoaded(dep) {
			continue
		}
		l.logger.Debug("Loading dependency", "module", name, "dependency", dep)
		if !l.load(dep, nil, visiting) {
			reason := fmt.Sprintf("failed to load dependency %s", dep)
			if depReason, ok := l.FailureReason(dep); ok {
				reason = fmt.Sprintf("failed to load dependency %s: %s", dep, depReason)
			}
			l.fail(name, reason)
			return false
		}
	}

	instance, err := l.instantiate(manifest, configOverride)
	if err != nil {
		l.fail(name, err.Error())
		return false
	}

	l.mu.Lock()
	l.loaded[name] = instance
	delete(l.failures, name)
	l.mu.Unlock()

	l.registry.SetStatus(name, StatusInactive)
	l.logger.Info("Loaded module", "module", name)
	return true
}

func (l *Loader) instantiate(manifest *ModuleManifest, configOverride map[string]any) (*LoadedModule, error) {
	l.mu.Lock()
	constructor, ok := l.constructors[manifest.Name]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConstructorNotFound, manifest.Name)
	}

	override := coerceOverrides(manifest.DefaultConfig, configOverride)
	config := manifest.EffectiveConfig(override)

	if len(manifest.ConfigSchema) > 0 {
		if err := ValidateConfigSchema(manifest.ConfigSchema, config); err != nil {
			return nil, fmt.Errorf("%w: module %s: %v", ErrModuleLoadFailed, manifest.Name, err)
		}
	}

	ctx := NewModuleContext(manifest.Name, config, l.host)

	plugin, err := safeConstruct(constructor, ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModuleLoadFailed, manifest.Name, err)
	}

	if err := safeHook(func() error { return plugin.OnInitialize(ctx) }); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModuleInitFailed, manifest.Name, err)
	}

	return &LoadedModule{
		manifest:    manifest,
		plugin:      plugin,
		context:     ctx,
		initialized: true,
	}, nil
}

// Unload removes a module from the loaded set. Without force it fails when
// active dependents exist. With force it proceeds regardless, runs cleanup
// best-effort even when hooks fail, and always removes the module.
func (l *Loader) Unload(name string, force bool) bool {
	l.mu.Lock()
	instance, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		l.logger.Debug("Module not loaded, nothing to unload", "module", name)
		return true
	}

	if !force {
		var activeDependents []string
		for _, dep := range l.registry.Dependents(name) {
			if l.mustInstance(dep) != nil && l.mustInstance(dep).Active() {
				activeDependents = append(activeDependents, dep)
			}
		}
		if len(activeDependents) > 0 {
			sort.Strings(activeDependents)
			l.failSoft(name, fmt.Sprintf("cannot unload %s: active dependents %v", name, activeDependents))
			return false
		}
	}

	lock := l.moduleLock(name)
	lock.Lock()
	defer lock.Unlock()

	return l.unloadLocked(name, instance, force)
}

func (l *Loader) unloadLocked(name string, instance *LoadedModule, force bool) bool {
	if instance.Active() {
		if err := safeHook(instance.plugin.OnDeactivate); err != nil {
			if !force {
				l.failSoft(name, fmt.Sprintf("deactivation failed: %v", err))
				return false
			}
			l.logger.Warn("Forcing unload despite deactivation failure", "module", name, "error", err)
		}
		instance.setActive(false)
	}

	cleanupErr := safeHook(instance.plugin.OnCleanup)
	if cleanupErr != nil {
		l.logger.Error("Module cleanup failed", "module", name, "error", cleanupErr)
		if !force {
			l.failSoft(name, fmt.Sprintf("cleanup failed: %v", cleanupErr))
			return false
		}
	}

	l.mu.Lock()
	delete(l.loaded, name)
	l.mu.Unlock()

	if cleanupErr != nil {
		l.registry.SetStatus(name, StatusError)
	} else {
		l.registry.SetStatus(name, StatusInactive)
	}

	l.logger.Info("Unloaded module", "module", name, "forced", force)
	return true
}

// Reload unloads and loads a module again (hot reload). The module's
// active state from before the reload is restored after a successful load;
// a module that was not loaded is simply loaded.
func (l *Loader) Reload(name string, configOverride map[string]any) bool {
	l.mu.Lock()
	instance, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		return l.Load(name, configOverride)
	}

	l.logger.Info("Reloading module", "module", name)
	wasActive := instance.Active()

	if !l.Unload(name, false) {
		return false
	}
	if !l.Load(name, configOverride) {
		return false
	}
	if wasActive {
		return l.Activate(name)
	}
	return true
}

// Activate transitions a loaded module from inactive to active. Activating
// an already-active module is a no-op success.
func (l *Loader) Activate(name string) bool {
	l.mu.Lock()
	instance, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		l.failSoft(name, fmt.Sprintf("module %s is not loaded", name))
		return false
	}
	if instance.Active() {
		l.logger.Debug("Module already active", "module", name)
		return true
	}

	if err := safeHook(instance.plugin.OnActivate); err != nil {
		l.fail(name, fmt.Sprintf("activation failed: %v", err))
		return false
	}

	instance.setActive(true)
	l.registry.SetStatus(name, StatusActive)
	l.logger.Info("Activated module", "module", name)
	return true
}

// Deactivate transitions an active module back to inactive. Deactivating
// an inactive module is a no-op success.
func (l *Loader) Deactivate(name string) bool {
	l.mu.Lock()
	instance, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		l.failSoft(name, fmt.Sprintf("module %s is not loaded", name))
		return false
	}
	if !instance.Active() {
		l.logger.Debug("Module already inactive", "module", name)
		return true
	}

	if err := safeHook(instance.plugin.OnDeactivate); err != nil {
		l.failSoft(name, fmt.Sprintf("deactivation failed: %v", err))
		return false
	}

	instance.setActive(false)
	l.registry.SetStatus(name, StatusInactive)
	l.logger.Info("Deactivated module", "module", name)
	return true
}

// Health returns a module's health report. Modules implementing
// HealthReporter answer for themselves; others are healthy iff active. The
// second return is false when the module is not loaded.
func (l *Loader) Health(name string) (ModuleHealth, bool) {
	l.mu.Lock()
	instance, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		return ModuleHealth{}, false
	}

	if reporter, isReporter := instance.plugin.(HealthReporter); isReporter {
		var health ModuleHealth
		err := safeHook(func() error {
			health = reporter.HealthStatus()
			return nil
		})
		if err != nil {
			return ModuleHealth{
				Status:  StatusError,
				Healthy: false,
				Details: map[string]any{"error": err.Error()},
			}, true
		}
		return health, true
	}

	status := l.registry.Status(name)
	return ModuleHealth{Status: status, Healthy: instance.Active()}, true
}

// Instance returns a loaded module by name.
func (l *Loader) Instance(name string) (*LoadedModule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	instance, ok := l.loaded[name]
	return instance, ok
}

func (l *Loader) mustInstance(name string) *LoadedModule {
	instance, _ := l.Instance(name)
	return instance
}

// IsLoaded reports whether a module is in the loaded set.
func (l *Loader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[name]
	return ok
}

// LoadedModules lists loaded module names, sorted. With activeOnly only
// active modules are listed.
func (l *Loader) LoadedModules(activeOnly bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var names []string
	for name, instance := range l.loaded {
		if activeOnly && !instance.Active() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailureReason returns the stored failure reason for a module.
func (l *Loader) FailureReason(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason, ok := l.failures[name]
	return reason, ok
}

// FailedModules returns the names of modules with stored failures, sorted.
func (l *Loader) FailedModules() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for name := range l.failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearFailures drops all stored failure reasons.
func (l *Loader) ClearFailures() {
	l.mu.Lock()
	l.failures = make(map[string]string)
	l.mu.Unlock()
}

// LoadSet loads several modules in registry load order, stopping the batch
// at the first failure. It returns per-module results for the modules
// attempted.
func (l *Loader) LoadSet(names []string, overrides map[string]map[string]any) map[string]bool {
	results := make(map[string]bool)

	order, err := l.registry.LoadOrder(names)
	if err != nil {
		l.logger.Error("Cannot resolve load order for module set", "modules", names, "error", err)
		return results
	}

	for _, name := range order {
		ok := l.Load(name, overrides[name])
		results[name] = ok
		if !ok {
			l.logger.Error("Stopping module set load after failure", "module", name)
			break
		}
	}
	return results
}

// ActivateSet activates the named modules, returning per-module results.
// Modules that are not loaded fail without affecting the rest.
func (l *Loader) ActivateSet(names []string) map[string]bool {
	results := make(map[string]bool)
	for _, name := range names {
		if l.IsLoaded(name) {
			results[name] = l.Activate(name)
		} else {
			results[name] = false
		}
	}
	return results
}

// ExportStates snapshots each loaded module's loaded/active/config state.
func (l *Loader) ExportStates() map[string]ModuleState {
	l.mu.Lock()
	defer l.mu.Unlock()

	states := make(map[string]ModuleState, len(l.loaded))
	for name, instance := range l.loaded {
		states[name] = ModuleState{
			Loaded: true,
			Active: instance.Active(),
			Config: instance.Config(),
		}
	}
	return states
}

// RestoreStates replays a snapshot: loads each recorded module with its
// recorded config and re-activates the ones that were active.
func (l *Loader) RestoreStates(states map[string]ModuleState) map[string]bool {
	names := make([]string, 0, len(states))
	for name, state := range states {
		if state.Loaded {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	results := make(map[string]bool, len(names))
	for _, name := range names {
		state := states[name]
		ok := l.Load(name, state.Config)
		results[name] = ok
		if ok && state.Active {
			results[name] = l.Activate(name)
		}
	}
	return results
}

// fail records a failure reason, marks the module errored and logs it.
// Used for load and activation failures, which land the module in the
// error state.
func (l *Loader) fail(name, reason string) {
	l.failSoft(name, reason)
	l.registry.SetStatus(name, StatusError)
}

// failSoft records a failure reason without touching the module's status.
// Refused operations (blocked unload, deactivation failure) leave the
// module exactly where it was.
func (l *Loader) failSoft(name, reason string) {
	l.mu.Lock()
	l.failures[name] = reason
	l.mu.Unlock()
	l.logger.Error("Module operation failed", "module", name, "reason", reason)
}

// safeHook runs a lifecycle hook, converting panics into errors so a
// misbehaving module never takes the loader down.
func safeHook(hook func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook()
}

func safeConstruct(constructor ModuleConstructor, ctx *ModuleContext) (plugin ModulePlugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructor panicked: %v", r)
		}
	}()
	return constructor(ctx)
}
