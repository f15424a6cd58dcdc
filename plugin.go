// Package modrun is a modular plugin runtime with an action-dispatch engine.
//
// The runtime discovers module manifests, registers them in a dependency-aware
// registry, loads and activates module plugins in dependency order, and lets
// activated modules expose parameterized actions that run against dynamically
// resolved sets of target objects (populations).
//
// Basic usage:
//
//	cfg := &modrun.RuntimeConfig{
//		CoreVersion:  "1.0.0",
//		AutoLoad:     []string{"alerts"},
//		AutoActivate: []string{"alerts"},
//	}
//	rt := modrun.NewRuntime(cfg, logger)
//	rt.RegisterConstructor("alerts", alerts.New)
//	if err := rt.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Shutdown(ctx, false)
package modrun

import (
	"net/http"
)

// ModulePlugin is the contract every module implementation must satisfy.
// The loader drives the lifecycle hooks: OnInitialize when the module is
// loaded, OnActivate/OnDeactivate as it transitions between inactive and
// active, and OnCleanup before it is unloaded.
//
// Implementations are resolved through a typed registry of constructors
// keyed by module name (Loader.RegisterConstructor), not by runtime
// introspection. Most modules should embed PluginBase and override only the
// hooks they need.
type ModulePlugin interface {
	// OnInitialize prepares the module. It is called exactly once per load,
	// after all required modules have loaded, with the module's context.
	OnInitialize(ctx *ModuleContext) error

	// OnActivate starts the module providing its services.
	OnActivate() error

	// OnDeactivate stops the module providing its services.
	OnDeactivate() error

	// OnCleanup releases module resources. It is called before unload, even
	// when earlier hooks failed.
	OnCleanup() error
}

// ActionProvider is an optional interface for modules that contribute
// actions. Contributed actions are registered with the action framework when
// the module activates. They deliberately stay registered on deactivation so
// executions in flight keep a valid action to run.
type ActionProvider interface {
	Actions() []Action
}

// UIProvider is an optional interface for modules that contribute UI
// components to the host application. The runtime only brokers the
// registrations; it never renders anything.
type UIProvider interface {
	UIComponents() []UIComponent
}

// APIProvider is an optional interface for modules that contribute HTTP API
// endpoints. Endpoints are mounted under /modules/<name>/ on the runtime's
// router while the module is active.
type APIProvider interface {
	APIEndpoints() []APIEndpoint
}

// HealthReporter is an optional interface for modules that report their own
// health. Modules that do not implement it are reported healthy whenever
// they are active.
type HealthReporter interface {
	HealthStatus() ModuleHealth
}

// UIComponent describes a UI contribution from a module. Component is an
// opaque handle the rendering layer knows how to interpret.
type UIComponent struct {
	Type      string `json:"type"` // "page", "widget" or "menu_item"
	Name      string `json:"name"`
	Component any    `json:"-"`
}

// APIEndpoint describes an HTTP endpoint contributed by a module.
type APIEndpoint struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// ModuleHealth is a module's self-reported health.
type ModuleHealth struct {
	Status  ModuleStatus   `json:"status"`
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details,omitempty"`
}

// ModuleConstructor builds a plugin instance for a module. The context
// carries the effective configuration and scoped collaborators; constructors
// should be cheap and defer real work to OnInitialize.
type ModuleConstructor func(ctx *ModuleContext) (ModulePlugin, error)

// PluginBase is a no-op implementation of ModulePlugin intended for
// embedding. It keeps its ModuleContext from OnInitialize so embedders can
// reach their logger, config and runtime services.
type PluginBase struct {
	ctx *ModuleContext
}

// Context returns the module context captured during OnInitialize.
func (b *PluginBase) Context() *ModuleContext { return b.ctx }

func (b *PluginBase) OnInitialize(ctx *ModuleContext) error {
	b.ctx = ctx
	return nil
}

func (b *PluginBase) OnActivate() error   { return nil }
func (b *PluginBase) OnDeactivate() error { return nil }
func (b *PluginBase) OnCleanup() error    { return nil }
