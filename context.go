package modrun

import (
	"context"
	"fmt"
	"reflect"

	"github.com/golobby/cast"
)

// ModuleHost is the runtime surface exposed to module contexts. The
// Runtime implements it; loaders only need this narrow view.
type ModuleHost interface {
	// LoadedModule looks up another loaded module by name.
	LoadedModule(name string) (ModulePlugin, bool)

	// EmitEvent publishes an event on the runtime bus.
	EmitEvent(ctx context.Context, eventType string, data map[string]any)

	// SubscribeEvent registers a handler for an event type and returns the
	// subscription id.
	SubscribeEvent(eventType string, handler EventHandler) string

	// UnsubscribeEvent removes a subscription by id.
	UnsubscribeEvent(subscriptionID string)

	// Database returns the host's database provider, nil when none is wired.
	Database() DatabaseProvider

	// Encryption returns the host's encryption provider, nil when none is
	// wired.
	Encryption() EncryptionProvider

	// Audit returns the host's audit sink, never nil.
	Audit() AuditSink

	// Logger returns the runtime logger.
	Logger() Logger
}

// ModuleContext is handed to each module plugin. It carries the module's
// effective configuration and scoped access to runtime services.
type ModuleContext struct {
	name   string
	config map[string]any
	logger Logger
	host   ModuleHost
}

// NewModuleContext builds a context for a module. Intended for the loader
// and for tests that exercise plugins directly.
func NewModuleContext(name string, config map[string]any, host ModuleHost) *ModuleContext {
	var base Logger
	if host != nil {
		base = host.Logger()
	}
	if base == nil {
		base = NewSlogLogger(nil)
	}
	if config == nil {
		config = map[string]any{}
	}
	return &ModuleContext{
		name:   name,
		config: config,
		logger: newNamedLogger(name, base),
		host:   host,
	}
}

// ModuleName returns the owning module's name.
func (c *ModuleContext) ModuleName() string { return c.name }

// Logger returns the module-scoped logger.
func (c *ModuleContext) Logger() Logger { return c.logger }

// Config returns the module's effective configuration map (manifest
// defaults merged with caller overrides).
func (c *ModuleContext) Config() map[string]any { return c.config }

// ConfigValue returns a raw configuration value.
func (c *ModuleContext) ConfigValue(key string) (any, bool) {
	v, ok := c.config[key]
	return v, ok
}

// ConfigString returns a config value as a string, or fallback when absent.
func (c *ModuleContext) ConfigString(key, fallback string) string {
	v, ok := c.config[key]
	if !ok {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ConfigInt returns a config value as an int, coercing string values.
// It returns fallback when the key is absent or not coercible.
func (c *ModuleContext) ConfigInt(key string, fallback int) int {
	v, ok := c.config[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		converted, err := cast.FromType(n, reflect.TypeOf(0))
		if err != nil {
			return fallback
		}
		return converted.(int)
	}
	return fallback
}

// ConfigBool returns a config value as a bool, coercing string values.
func (c *ModuleContext) ConfigBool(key string, fallback bool) bool {
	v, ok := c.config[key]
	if !ok {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		converted, err := cast.FromType(b, reflect.TypeOf(false))
		if err != nil {
			return fallback
		}
		return converted.(bool)
	}
	return fallback
}

// Module returns another loaded module by name.
func (c *ModuleContext) Module(name string) (ModulePlugin, bool) {
	if c.host == nil {
		return nil, false
	}
	return c.host.LoadedModule(name)
}

// EmitEvent publishes an event on the runtime bus, attributed to this
// module.
func (c *ModuleContext) EmitEvent(ctx context.Context, eventType string, data map[string]any) {
	if c.host == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["source_module"] = c.name
	c.host.EmitEvent(ctx, eventType, data)
}

// SubscribeEvent registers a handler for runtime events.
func (c *ModuleContext) SubscribeEvent(eventType string, handler EventHandler) string {
	if c.host == nil {
		return ""
	}
	return c.host.SubscribeEvent(eventType, handler)
}

// UnsubscribeEvent removes a previously registered handler.
func (c *ModuleContext) UnsubscribeEvent(subscriptionID string) {
	if c.host == nil {
		return
	}
	c.host.UnsubscribeEvent(subscriptionID)
}

// DatabaseSession returns a database session from the host provider.
func (c *ModuleContext) DatabaseSession(ctx context.Context) (any, error) {
	if c.host == nil || c.host.Database() == nil {
		return nil, fmt.Errorf("database provider not configured for module %s", c.name)
	}
	return c.host.Database().Session(ctx)
}

// Encryption returns the host's encryption provider, nil when none is
// wired. The runtime forwards blobs opaquely; interpretation is the
// caller's business.
func (c *ModuleContext) Encryption() EncryptionProvider {
	if c.host == nil {
		return nil
	}
	return c.host.Encryption()
}

// LogAudit records an audit event attributed to this module.
func (c *ModuleContext) LogAudit(action string, details map[string]any) {
	if c.host == nil {
		return
	}
	c.host.Audit().LogAudit(action, details, "module:"+c.name, "")
}

// coerceOverrides aligns string-typed override values with the type of the
// manifest default for the same key, so overrides sourced from env vars or
// flags merge cleanly. Values without a typed default pass through as-is.
func coerceOverrides(defaults, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return overrides
	}
	out := make(map[string]any, len(overrides))
	for key, value := range overrides {
		str, isString := value.(string)
		def, hasDefault := defaults[key]
		if !isString || !hasDefault {
			out[key] = value
			continue
		}
		if _, defIsString := def.(string); defIsString {
			out[key] = value
			continue
		}
		converted, err := cast.FromType(str, reflect.TypeOf(def))
		if err != nil {
			out[key] = value
			continue
		}
		out[key] = converted
	}
	return out
}
