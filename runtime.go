// Runtime wires the registry, loader, discovery, security, population,
// action and event components into one host object. It implements
// ModuleHost, so module contexts reach runtime services through it
// without any package-level state.

package modrun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Runtime is the top-level host. Create one with NewRuntime, register
// module constructors, then Start it.
type Runtime struct {
	config     *RuntimeConfig
	logger     Logger
	registry   *Registry
	loader     *Loader
	discoverer *Discoverer
	population *PopulationManager
	security   *SecurityManager
	audit      *AuditLog
	events     *EventBus
	framework  *ActionFramework
	scheduler  *ActionScheduler
	api        *APIRouter

	mu          sync.RWMutex
	started     bool
	startedAt   time.Time
	database    DatabaseProvider
	encryption  EncryptionProvider
	uiRegistry  map[string][]UIComponent
	watchCancel context.CancelFunc
}

// NewRuntime builds an unstarted runtime from the config. A nil
// config uses defaults; a nil logger logs through slog.
func NewRuntime(cfg *RuntimeConfig, logger Logger) *Runtime {
	if cfg == nil {
		cfg = DefaultRuntimeConfig()
	}
	if logger == nil {
		logger = NewSlogLogger(nil)
	}

	r := &Runtime{
		config:     cfg,
		logger:     logger,
		registry:   NewRegistry(cfg.CoreVersion, logger),
		population: NewPopulationManager(logger),
		security:   NewSecurityManager(logger),
		audit:      NewAuditLog(cfg.AuditMaxEntries, logger),
		events:     NewEventBus(logger),
		uiRegistry: make(map[string][]UIComponent),
	}
	r.loader = NewLoader(r.registry, r, logger)
	r.discoverer = NewDiscoverer(r.registry, r.loader, logger)
	r.framework = NewActionFramework(r.population, r.security, r.audit, r.events, logger)
	r.scheduler = NewActionScheduler(r.framework, logger)
	r.api = NewAPIRouter(logger)
	r.registerCoreRoutes()
	return r
}

// Component accessors. Tests and embedding applications use these to
// reach the parts directly.

func (r *Runtime) Registry() *Registry             { return r.registry }
func (r *Runtime) Modules() *Loader                { return r.loader }
func (r *Runtime) Discovery() *Discoverer          { return r.discoverer }
func (r *Runtime) Population() *PopulationManager  { return r.population }
func (r *Runtime) Security() *SecurityManager      { return r.security }
func (r *Runtime) Actions() *ActionFramework       { return r.framework }
func (r *Runtime) Scheduler() *ActionScheduler     { return r.scheduler }
func (r *Runtime) Events() *EventBus               { return r.events }
func (r *Runtime) AuditTrail() *AuditLog           { return r.audit }
func (r *Runtime) Handler() http.Handler           { return r.api }

// SetDatabase wires a database provider modules can reach through
// their context.
func (r *Runtime) SetDatabase(db DatabaseProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.database = db
}

// SetEncryption wires an encryption provider.
func (r *Runtime) SetEncryption(enc EncryptionProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encryption = enc
}

// RegisterConstructor makes a module constructor available to the
// loader and discovery.
func (r *Runtime) RegisterConstructor(name string, constructor ModuleConstructor) {
	r.loader.RegisterConstructor(name, constructor)
}

// ModuleHost implementation.

// LoadedModule returns another loaded module's plugin.
func (r *Runtime) LoadedModule(name string) (ModulePlugin, bool) {
	instance, ok := r.loader.Instance(name)
	if !ok {
		return nil, false
	}
	return instance.Plugin(), true
}

// EmitEvent publishes a CloudEvent on the runtime bus.
func (r *Runtime) EmitEvent(ctx context.Context, eventType string, data map[string]any) {
	r.events.Emit(ctx, NewCloudEvent(eventType, "runtime", data))
}

// SubscribeEvent registers an event handler and returns its
// subscription ID.
func (r *Runtime) SubscribeEvent(eventType string, handler EventHandler) string {
	return r.events.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes an event subscription.
func (r *Runtime) UnsubscribeEvent(subscriptionID string) {
	r.events.Unsubscribe(subscriptionID)
}

// Database returns the wired database provider, nil when none.
func (r *Runtime) Database() DatabaseProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.database
}

// Encryption returns the wired encryption provider, nil when none.
func (r *Runtime) Encryption() EncryptionProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.encryption
}

// Audit returns the runtime audit sink.
func (r *Runtime) Audit() AuditSink { return r.audit }

// Logger returns the runtime logger.
func (r *Runtime) Logger() Logger { return r.logger }

// Start brings the runtime up: grants admin permissions, discovers
// modules, loads and activates the configured sets and starts the
// scheduler. Starting twice is an error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRuntimeAlreadyStarted
	}
	r.started = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	for _, actor := range r.config.Admins {
		if err := r.security.Grant(actor, AdminAll); err != nil {
			r.logger.Warn("admin grant failed", "actor", actor, "error", err)
		}
	}

	for _, path := range r.config.ModulePaths {
		r.discoverer.AddSearchPath(path)
	}
	if r.config.AutoDiscover {
		discovered := r.discoverer.Discover(false)
		r.logger.Info("module discovery complete", "discovered", len(discovered))
	}
	if r.config.WatchModules {
		watchCtx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.watchCancel = cancel
		r.mu.Unlock()
		go func() {
			if err := r.discoverer.Watch(watchCtx); err != nil {
				r.logger.Error("module watch failed", "error", err)
			}
		}()
	}

	if len(r.config.AutoLoad) > 0 {
		results := r.loader.LoadSet(r.config.AutoLoad, r.config.ModuleConfigs)
		for name, ok := range results {
			if !ok {
				reason, _ := r.loader.FailureReason(name)
				r.logger.Error("auto-load failed", "module", name, "reason", reason)
			}
		}
	}
	for _, name := range r.config.AutoActivate {
		if !r.ActivateModule(name) {
			reason, _ := r.loader.FailureReason(name)
			r.logger.Error("auto-activate failed", "module", name, "reason", reason)
		}
	}

	r.scheduler.Start()
	r.audit.LogAudit("runtime.start", map[string]any{"coreVersion": r.config.CoreVersion}, "runtime", "")
	r.EmitEvent(ctx, EventTypeRuntimeStarted, map[string]any{"coreVersion": r.config.CoreVersion})
	r.logger.Info("runtime started", "coreVersion", r.config.CoreVersion)
	return nil
}

// Started reports whether Start has completed and Shutdown has not.
func (r *Runtime) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// Shutdown stops the scheduler and watcher and unloads every loaded
// module in reverse dependency order. Without force, a module that
// refuses to unload aborts the shutdown with the runtime still
// running; with force, everything is torn down regardless.
func (r *Runtime) Shutdown(ctx context.Context, force bool) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrRuntimeNotStarted
	}
	watchCancel := r.watchCancel
	r.watchCancel = nil
	r.mu.Unlock()

	if watchCancel != nil {
		watchCancel()
	}
	r.scheduler.Stop()

	order, err := r.registry.LoadOrder(r.loader.LoadedModules(false))
	if err != nil {
		order = r.loader.LoadedModules(false)
	}
	slices.Reverse(order)

	for _, name := range order {
		if !r.UnloadModule(name, force) {
			reason, _ := r.loader.FailureReason(name)
			return fmt.Errorf("%w: module %q refused to unload: %s", ErrShutdownAborted, name, reason)
		}
	}

	r.mu.Lock()
	r.started = false
	r.mu.Unlock()

	r.audit.LogAudit("runtime.shutdown", map[string]any{"force": force}, "runtime", "")
	r.EmitEvent(ctx, EventTypeRuntimeStopped, nil)
	r.logger.Info("runtime stopped", "force", force)
	return nil
}

// Restart tears down all loaded modules and brings them back in
// dependency order, preserving which were active and their configs.
func (r *Runtime) Restart(ctx context.Context) error {
	if !r.Started() {
		return ErrRuntimeNotStarted
	}

	states := r.loader.ExportStates()

	order, err := r.registry.LoadOrder(r.loader.LoadedModules(false))
	if err != nil {
		order = r.loader.LoadedModules(false)
	}
	unloadOrder := append([]string(nil), order...)
	slices.Reverse(unloadOrder)
	for _, name := range unloadOrder {
		r.UnloadModule(name, true)
	}

	restored := r.loader.RestoreStates(states)
	failed := make([]string, 0)
	for name, ok := range restored {
		if !ok {
			failed = append(failed, name)
			continue
		}
		if instance, loaded := r.loader.Instance(name); loaded && instance.Active() {
			r.wireExtensions(name, instance.Plugin())
		}
	}
	sort.Strings(failed)
	if len(failed) > 0 {
		return fmt.Errorf("%w: restart left modules down: %v", ErrModuleLoadFailed, failed)
	}

	r.audit.LogAudit("runtime.restart", map[string]any{"modules": len(states)}, "runtime", "")
	r.logger.Info("runtime restarted", "modules", len(states))
	return nil
}

// Module lifecycle. These wrap the loader so extension registration,
// events and audit stay consistent; callers should prefer them over
// the loader's methods.

// LoadModule loads a module and its dependencies.
func (r *Runtime) LoadModule(name string, configOverride map[string]any) bool {
	if ok := r.loader.Load(name, configOverride); !ok {
		r.emitModuleFailure(name)
		return false
	}
	r.audit.LogAudit("module.load", map[string]any{"module": name}, "runtime", "")
	r.EmitEvent(context.Background(), EventTypeModuleLoaded, map[string]any{"module": name})
	return true
}

// UnloadModule unloads a module, tearing down its contributed
// actions, API endpoints and UI components.
func (r *Runtime) UnloadModule(name string, force bool) bool {
	wasLoaded := r.loader.IsLoaded(name)
	if ok := r.loader.Unload(name, force); !ok {
		return false
	}
	if wasLoaded {
		r.unwireExtensions(name)
		removed := r.framework.UnregisterModuleActions(name)
		if len(removed) > 0 {
			r.logger.Debug("module actions removed", "module", name, "actions", removed)
		}
		r.audit.LogAudit("module.unload", map[string]any{"module": name, "force": force}, "runtime", "")
		r.EmitEvent(context.Background(), EventTypeModuleUnloaded, map[string]any{"module": name})
	}
	return true
}

// ActivateModule activates a loaded module and registers its
// contributed extensions.
func (r *Runtime) ActivateModule(name string) bool {
	if ok := r.loader.Activate(name); !ok {
		r.emitModuleFailure(name)
		return false
	}
	if instance, loaded := r.loader.Instance(name); loaded {
		r.wireExtensions(name, instance.Plugin())
	}
	r.audit.LogAudit("module.activate", map[string]any{"module": name}, "runtime", "")
	r.EmitEvent(context.Background(), EventTypeModuleActivated, map[string]any{"module": name})
	return true
}

// DeactivateModule deactivates a module. Its API endpoints and UI
// components are unmounted; its actions stay registered until the
// module is unloaded, so queued executions still resolve.
func (r *Runtime) DeactivateModule(name string) bool {
	if ok := r.loader.Deactivate(name); !ok {
		return false
	}
	r.unwireExtensions(name)
	r.audit.LogAudit("module.deactivate", map[string]any{"module": name}, "runtime", "")
	r.EmitEvent(context.Background(), EventTypeModuleDeactivated, map[string]any{"module": name})
	return true
}

// ReloadModule reloads a module in place, preserving its active
// state, and rewires extensions.
func (r *Runtime) ReloadModule(name string, configOverride map[string]any) bool {
	r.unwireExtensions(name)
	r.framework.UnregisterModuleActions(name)
	if ok := r.loader.Reload(name, configOverride); !ok {
		r.emitModuleFailure(name)
		return false
	}
	if instance, loaded := r.loader.Instance(name); loaded && instance.Active() {
		r.wireExtensions(name, instance.Plugin())
	}
	r.audit.LogAudit("module.reload", map[string]any{"module": name}, "runtime", "")
	return true
}

func (r *Runtime) emitModuleFailure(name string) {
	reason, _ := r.loader.FailureReason(name)
	r.EmitEvent(context.Background(), EventTypeModuleFailed, map[string]any{
		"module": name,
		"reason": reason,
	})
}

// wireExtensions registers everything an active module contributes.
func (r *Runtime) wireExtensions(name string, plugin ModulePlugin) {
	if provider, ok := plugin.(ActionProvider); ok {
		for _, action := range provider.Actions() {
			r.framework.RegisterAction(name, action)
		}
	}
	if provider, ok := plugin.(APIProvider); ok {
		r.api.MountModule(name, provider.APIEndpoints())
	}
	if provider, ok := plugin.(UIProvider); ok {
		r.mu.Lock()
		r.uiRegistry[name] = provider.UIComponents()
		r.mu.Unlock()
	}
}

// unwireExtensions removes a module's API and UI contributions.
// Actions are left to the caller since unload and deactivate differ
// there.
func (r *Runtime) unwireExtensions(name string) {
	r.api.UnmountModule(name)
	r.mu.Lock()
	delete(r.uiRegistry, name)
	r.mu.Unlock()
}

// UIComponents returns the components contributed by active modules,
// sorted by module then declaration order.
func (r *Runtime) UIComponents() []UIComponent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.uiRegistry))
	for name := range r.uiRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []UIComponent
	for _, name := range names {
		out = append(out, r.uiRegistry[name]...)
	}
	return out
}

// ModuleStatusReport is one row in the system status listing.
type ModuleStatusReport struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Type    ModuleType   `json:"type"`
	Status  ModuleStatus `json:"status"`
	Loaded  bool         `json:"loaded"`
	Active  bool         `json:"active"`
	Failure string       `json:"failure,omitempty"`
}

// SystemStatus is a point-in-time view of the whole runtime.
type SystemStatus struct {
	Started       bool                    `json:"started"`
	StartedAt     time.Time               `json:"started_at,omitempty"`
	CoreVersion   string                  `json:"core_version"`
	Modules       []ModuleStatusReport    `json:"modules"`
	Actions       int                     `json:"actions"`
	Executions    map[ExecutionStatus]int `json:"executions"`
	Schedules     int                     `json:"schedules"`
	Subscriptions int                     `json:"subscriptions"`
	AuditEntries  int                     `json:"audit_entries"`
}

// Status assembles the runtime status report.
func (r *Runtime) Status() SystemStatus {
	r.mu.RLock()
	started := r.started
	startedAt := r.startedAt
	r.mu.RUnlock()

	status := SystemStatus{
		Started:       started,
		StartedAt:     startedAt,
		CoreVersion:   r.config.CoreVersion,
		Actions:       len(r.framework.ListActions()),
		Executions:    make(map[ExecutionStatus]int),
		Schedules:     len(r.scheduler.Schedules()),
		Subscriptions: len(r.events.Subscriptions()),
		AuditEntries:  r.audit.Len(),
	}
	for _, record := range r.framework.ListExecutions(ExecutionFilter{}) {
		status.Executions[record.Status]++
	}
	for _, name := range r.registry.List("", "") {
		manifest := r.registry.Manifest(name)
		if manifest == nil {
			continue
		}
		report := ModuleStatusReport{
			Name:    manifest.Name,
			Version: manifest.Version,
			Type:    manifest.ModuleType,
			Status:  r.registry.Status(manifest.Name),
			Loaded:  r.loader.IsLoaded(manifest.Name),
		}
		if instance, ok := r.loader.Instance(manifest.Name); ok {
			report.Active = instance.Active()
		}
		if reason, failed := r.loader.FailureReason(manifest.Name); failed {
			report.Failure = reason
		}
		status.Modules = append(status.Modules, report)
	}
	return status
}

// HealthReport returns per-module health for loaded modules.
func (r *Runtime) HealthReport() map[string]ModuleHealth {
	out := make(map[string]ModuleHealth)
	for _, name := range r.loader.LoadedModules(false) {
		if health, ok := r.loader.Health(name); ok {
			out[name] = health
		}
	}
	return out
}

// HTTP admin surface. Mutating routes read the acting identity from
// the X-Actor header and enforce module permissions; read routes are
// open.

func (r *Runtime) registerCoreRoutes() {
	r.api.HandleCore(http.MethodGet, "/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.Status())
	})
	r.api.HandleCore(http.MethodGet, "/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.HealthReport())
	})
	r.api.HandleCore(http.MethodGet, "/actions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.framework.Catalog())
	})
	r.api.HandleCore(http.MethodGet, "/executions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.framework.ListExecutions(ExecutionFilter{}))
	})
	r.api.HandleCore(http.MethodPost, "/modules/{name}/load", r.moduleOpHandler(PermModuleLoad, func(name string) bool {
		return r.LoadModule(name, r.config.ModuleConfigs[name])
	}))
	r.api.HandleCore(http.MethodPost, "/modules/{name}/activate", r.moduleOpHandler(PermModuleActivate, r.ActivateModule))
	r.api.HandleCore(http.MethodPost, "/modules/{name}/deactivate", r.moduleOpHandler(PermModuleActivate, r.DeactivateModule))
	r.api.HandleCore(http.MethodPost, "/modules/{name}/unload", r.moduleOpHandler(PermModuleLoad, func(name string) bool {
		return r.UnloadModule(name, false)
	}))
	r.api.HandleCore(http.MethodPost, "/actions/{name}/execute", r.executeHandler())
}

func (r *Runtime) moduleOpHandler(permission string, op func(name string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		actor := requestActor(req)
		if !r.security.HasPermission(actor, permission) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": ErrPermissionMissing.Error(), "permission": permission})
			return
		}
		name := chi.URLParam(req, "name")
		if !op(name) {
			reason, _ := r.loader.FailureReason(name)
			writeJSON(w, http.StatusConflict, map[string]any{"module": name, "ok": false, "reason": reason})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"module": name, "ok": true})
	}
}

func (r *Runtime) executeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Parameters map[string]any   `json:"parameters"`
			Target     PopulationTarget `json:"target"`
			DryRun     bool             `json:"dry_run"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		record, err := r.framework.Run(req.Context(), ExecutionRequest{
			ActionName: chi.URLParam(req, "name"),
			Actor:      requestActor(req),
			Parameters: body.Parameters,
			Target:     body.Target,
			DryRun:     body.DryRun,
		})
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

func requestActor(req *http.Request) string {
	if actor := req.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
