package modrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHost is a minimal ModuleHost for exercising the loader without a
// full runtime.
type testHost struct {
	loader *Loader
	events *EventBus
	audit  *AuditLog
}

func newTestHost() *testHost {
	return &testHost{
		events: NewEventBus(nil),
		audit:  NewAuditLog(100, nil),
	}
}

func (h *testHost) LoadedModule(name string) (ModulePlugin, bool) {
	if h.loader == nil {
		return nil, false
	}
	instance, ok := h.loader.Instance(name)
	if !ok {
		return nil, false
	}
	return instance.Plugin(), true
}

func (h *testHost) EmitEvent(ctx context.Context, eventType string, data map[string]any) {
	h.events.Emit(ctx, NewCloudEvent(eventType, "test", data))
}

func (h *testHost) SubscribeEvent(eventType string, handler EventHandler) string {
	return h.events.Subscribe(eventType, handler)
}

func (h *testHost) UnsubscribeEvent(subscriptionID string) { h.events.Unsubscribe(subscriptionID) }
func (h *testHost) Database() DatabaseProvider             { return nil }
func (h *testHost) Encryption() EncryptionProvider         { return nil }
func (h *testHost) Audit() AuditSink                       { return h.audit }
func (h *testHost) Logger() Logger                         { return NewSlogLogger(nil) }

// fakePlugin records lifecycle calls and fails on demand.
type fakePlugin struct {
	PluginBase

	calls         *[]string
	name          string
	initErr       error
	activateErr   error
	deactivateErr error
	cleanupErr    error
	panicOn       string
}

func (p *fakePlugin) record(call string) {
	if p.calls != nil {
		*p.calls = append(*p.calls, p.name+"."+call)
	}
	if p.panicOn == call {
		panic("boom in " + call)
	}
}

func (p *fakePlugin) OnInitialize(ctx *ModuleContext) error {
	p.record("init")
	if p.initErr != nil {
		return p.initErr
	}
	return p.PluginBase.OnInitialize(ctx)
}

func (p *fakePlugin) OnActivate() error {
	p.record("activate")
	return p.activateErr
}

func (p *fakePlugin) OnDeactivate() error {
	p.record("deactivate")
	return p.deactivateErr
}

func (p *fakePlugin) OnCleanup() error {
	p.record("cleanup")
	return p.cleanupErr
}

type loaderFixture struct {
	registry *Registry
	loader   *Loader
	calls    []string
}

func newLoaderFixture(t *testing.T) *loaderFixture {
	t.Helper()
	host := newTestHost()
	f := &loaderFixture{registry: NewRegistry("1.0.0", nil)}
	f.loader = NewLoader(f.registry, host, nil)
	host.loader = f.loader
	return f
}

// addModule registers a manifest and a constructor producing a fresh
// fakePlugin per load.
func (f *loaderFixture) addModule(t *testing.T, manifest *ModuleManifest, tweak func(*fakePlugin)) {
	t.Helper()
	require.NoError(t, f.registry.Register(manifest, "test"))
	name := manifest.Name
	f.loader.RegisterConstructor(name, func(ctx *ModuleContext) (ModulePlugin, error) {
		p := &fakePlugin{calls: &f.calls, name: name}
		if tweak != nil {
			tweak(p)
		}
		return p, nil
	})
}

func TestLoaderLoad(t *testing.T) {
	t.Run("loads and initializes", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("a"), nil)

		assert.True(t, f.loader.Load("a", nil))
		assert.True(t, f.loader.IsLoaded("a"))
		assert.Equal(t, StatusInactive, f.registry.Status("a"))
		assert.Equal(t, []string{"a.init"}, f.calls)
	})

	t.Run("idempotent", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("a"), nil)

		assert.True(t, f.loader.Load("a", nil))
		assert.True(t, f.loader.Load("a", nil))
		assert.Equal(t, []string{"a.init"}, f.calls)
	})

	t.Run("unregistered module", func(t *testing.T) {
		f := newLoaderFixture(t)
		assert.False(t, f.loader.Load("ghost", nil))
		reason, ok := f.loader.FailureReason("ghost")
		require.True(t, ok)
		assert.Contains(t, reason, "not found in registry")
	})

	t.Run("missing constructor", func(t *testing.T) {
		f := newLoaderFixture(t)
		require.NoError(t, f.registry.Register(validManifest("nc"), "test"))

		assert.False(t, f.loader.Load("nc", nil))
		assert.Equal(t, StatusError, f.registry.Status("nc"))
		reason, _ := f.loader.FailureReason("nc")
		assert.Contains(t, reason, "constructor")
	})

	t.Run("init failure", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("bad"), func(p *fakePlugin) {
			p.initErr = errors.New("no database")
		})

		assert.False(t, f.loader.Load("bad", nil))
		assert.False(t, f.loader.IsLoaded("bad"))
		assert.Equal(t, StatusError, f.registry.Status("bad"))
		reason, _ := f.loader.FailureReason("bad")
		assert.Contains(t, reason, "no database")
	})

	t.Run("init panic is contained", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("explosive"), func(p *fakePlugin) {
			p.panicOn = "init"
		})

		assert.False(t, f.loader.Load("explosive", nil))
		reason, _ := f.loader.FailureReason("explosive")
		assert.Contains(t, reason, "panicked")
	})

	t.Run("successful load clears old failure", func(t *testing.T) {
		f := newLoaderFixture(t)
		fail := true
		f.addModule(t, validManifest("flaky"), func(p *fakePlugin) {
			if fail {
				p.initErr = errors.New("transient")
			}
		})

		assert.False(t, f.loader.Load("flaky", nil))
		fail = false
		assert.True(t, f.loader.Load("flaky", nil))
		_, hasFailure := f.loader.FailureReason("flaky")
		assert.False(t, hasFailure)
	})
}

func TestLoaderDependencies(t *testing.T) {
	t.Run("dependencies load first", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("db"), nil)
		app := validManifest("app")
		app.RequiredModules = []string{"db"}
		f.addModule(t, app, nil)

		assert.True(t, f.loader.Load("app", nil))
		assert.Equal(t, []string{"db.init", "app.init"}, f.calls)
	})

	t.Run("dependency failure chains the reason", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("db"), func(p *fakePlugin) {
			p.initErr = errors.New("connection refused")
		})
		app := validManifest("app")
		app.RequiredModules = []string{"db"}
		f.addModule(t, app, nil)

		assert.False(t, f.loader.Load("app", nil))
		assert.False(t, f.loader.IsLoaded("app"))
		assert.Equal(t, StatusError, f.registry.Status("app"))
		assert.Equal(t, StatusError, f.registry.Status("db"))

		reason, _ := f.loader.FailureReason("app")
		assert.Contains(t, reason, "dependency db")
		assert.Contains(t, reason, "connection refused")
	})

	t.Run("declared cycle fails instead of deadlocking", func(t *testing.T) {
		f := newLoaderFixture(t)
		a := validManifest("a")
		a.RequiredModules = []string{"b"}
		b := validManifest("b")
		b.RequiredModules = []string{"a"}
		f.addModule(t, a, nil)
		f.addModule(t, b, nil)

		assert.False(t, f.loader.Load("a", nil))
	})

	t.Run("concurrent load of the same module waits and succeeds", func(t *testing.T) {
		f := newLoaderFixture(t)
		require.NoError(t, f.registry.Register(validManifest("slow"), "test"))

		entered := make(chan struct{})
		release := make(chan struct{})
		f.loader.RegisterConstructor("slow", func(ctx *ModuleContext) (ModulePlugin, error) {
			close(entered)
			<-release
			return &fakePlugin{}, nil
		})

		first := make(chan bool, 1)
		go func() { first <- f.loader.Load("slow", nil) }()
		<-entered

		// The second caller must block on the module lock, not fail fast.
		second := make(chan bool, 1)
		go func() { second <- f.loader.Load("slow", nil) }()
		select {
		case <-second:
			t.Fatal("second load returned while the first was still in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		assert.True(t, <-first)
		assert.True(t, <-second)
		assert.True(t, f.loader.IsLoaded("slow"))
		_, failed := f.loader.FailureReason("slow")
		assert.False(t, failed)
	})
}

func TestLoaderConfig(t *testing.T) {
	t.Run("override merges over defaults", func(t *testing.T) {
		f := newLoaderFixture(t)
		m := validManifest("cfg")
		m.DefaultConfig = map[string]any{"interval": 30, "mode": "safe"}
		f.addModule(t, m, nil)

		require.True(t, f.loader.Load("cfg", map[string]any{"interval": 60}))
		instance, _ := f.loader.Instance("cfg")
		assert.Equal(t, 60, instance.Config()["interval"])
		assert.Equal(t, "safe", instance.Config()["mode"])
	})

	t.Run("string override coerced to default type", func(t *testing.T) {
		f := newLoaderFixture(t)
		m := validManifest("cfg2")
		m.DefaultConfig = map[string]any{"interval": 30}
		f.addModule(t, m, nil)

		require.True(t, f.loader.Load("cfg2", map[string]any{"interval": "45"}))
		instance, _ := f.loader.Instance("cfg2")
		assert.Equal(t, 45, instance.Config()["interval"])
	})

	t.Run("schema violation blocks the load", func(t *testing.T) {
		f := newLoaderFixture(t)
		m := validManifest("strict")
		m.ConfigSchema = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"interval": map[string]any{"type": "integer", "minimum": 1},
			},
		}
		m.DefaultConfig = map[string]any{"interval": 30}
		f.addModule(t, m, nil)

		assert.False(t, f.loader.Load("strict", map[string]any{"interval": 0}))
		assert.Equal(t, StatusError, f.registry.Status("strict"))
		reason, _ := f.loader.FailureReason("strict")
		assert.Contains(t, reason, "config")
	})
}

func TestLoaderActivate(t *testing.T) {
	t.Run("activate and repeat", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("a"), nil)
		require.True(t, f.loader.Load("a", nil))

		assert.True(t, f.loader.Activate("a"))
		assert.Equal(t, StatusActive, f.registry.Status("a"))
		assert.True(t, f.loader.Activate("a"))
		assert.Equal(t, []string{"a.init", "a.activate"}, f.calls)
	})

	t.Run("activate unloaded module", func(t *testing.T) {
		f := newLoaderFixture(t)
		assert.False(t, f.loader.Activate("nope"))
	})

	t.Run("activation failure lands in error state", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("a"), func(p *fakePlugin) {
			p.activateErr = errors.New("port in use")
		})
		require.True(t, f.loader.Load("a", nil))

		assert.False(t, f.loader.Activate("a"))
		assert.Equal(t, StatusError, f.registry.Status("a"))
		instance, _ := f.loader.Instance("a")
		assert.False(t, instance.Active())
	})

	t.Run("deactivation failure keeps module active", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("a"), func(p *fakePlugin) {
			p.deactivateErr = errors.New("drain in progress")
		})
		require.True(t, f.loader.Load("a", nil))
		require.True(t, f.loader.Activate("a"))

		assert.False(t, f.loader.Deactivate("a"))
		instance, _ := f.loader.Instance("a")
		assert.True(t, instance.Active())
		assert.Equal(t, StatusActive, f.registry.Status("a"))
	})
}

func TestLoaderUnload(t *testing.T) {
	t.Run("not loaded is a no-op success", func(t *testing.T) {
		f := newLoaderFixture(t)
		assert.True(t, f.loader.Unload("nothing", false))
	})

	t.Run("active dependents block without force", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("base"), nil)
		app := validManifest("app")
		app.RequiredModules = []string{"base"}
		f.addModule(t, app, nil)
		require.True(t, f.loader.Load("app", nil))
		require.True(t, f.loader.Activate("app"))
		require.True(t, f.loader.Activate("base"))

		assert.False(t, f.loader.Unload("base", false))
		assert.True(t, f.loader.IsLoaded("base"))
		assert.Equal(t, StatusActive, f.registry.Status("base"))

		appInstance, _ := f.loader.Instance("app")
		assert.True(t, appInstance.Active())

		t.Run("force overrides", func(t *testing.T) {
			assert.True(t, f.loader.Unload("base", true))
			assert.False(t, f.loader.IsLoaded("base"))
		})
	})

	t.Run("unload deactivates then cleans up", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("a"), nil)
		require.True(t, f.loader.Load("a", nil))
		require.True(t, f.loader.Activate("a"))

		assert.True(t, f.loader.Unload("a", false))
		assert.Equal(t, []string{"a.init", "a.activate", "a.deactivate", "a.cleanup"}, f.calls)
		assert.Equal(t, StatusInactive, f.registry.Status("a"))
	})

	t.Run("cleanup failure blocks without force", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("sticky"), func(p *fakePlugin) {
			p.cleanupErr = errors.New("files in use")
		})
		require.True(t, f.loader.Load("sticky", nil))

		assert.False(t, f.loader.Unload("sticky", false))
		assert.True(t, f.loader.IsLoaded("sticky"))

		t.Run("forced cleanup failure still removes", func(t *testing.T) {
			assert.True(t, f.loader.Unload("sticky", true))
			assert.False(t, f.loader.IsLoaded("sticky"))
			assert.Equal(t, StatusError, f.registry.Status("sticky"))
		})
	})
}

func TestLoaderReload(t *testing.T) {
	f := newLoaderFixture(t)
	m := validManifest("svc")
	m.DefaultConfig = map[string]any{"interval": 30}
	f.addModule(t, m, nil)
	require.True(t, f.loader.Load("svc", nil))
	require.True(t, f.loader.Activate("svc"))

	assert.True(t, f.loader.Reload("svc", map[string]any{"interval": 90}))

	instance, ok := f.loader.Instance("svc")
	require.True(t, ok)
	assert.True(t, instance.Active(), "reload preserves active state")
	assert.Equal(t, 90, instance.Config()["interval"])
	assert.Equal(t, StatusActive, f.registry.Status("svc"))
}

func TestLoaderSets(t *testing.T) {
	t.Run("load set in dependency order", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("db"), nil)
		api := validManifest("api")
		api.RequiredModules = []string{"db"}
		f.addModule(t, api, nil)

		results := f.loader.LoadSet([]string{"api"}, nil)
		assert.True(t, results["api"])
		assert.True(t, results["db"])
		assert.Equal(t, []string{"db.init", "api.init"}, f.calls)
	})

	t.Run("stops at first failure", func(t *testing.T) {
		f := newLoaderFixture(t)
		f.addModule(t, validManifest("a"), func(p *fakePlugin) {
			p.initErr = errors.New("nope")
		})
		f.addModule(t, validManifest("b"), nil)

		results := f.loader.LoadSet([]string{"a", "b"}, nil)
		assert.False(t, results["a"])
		_, attempted := results["b"]
		assert.False(t, attempted)
	})
}

func TestLoaderStateRoundTrip(t *testing.T) {
	f := newLoaderFixture(t)
	m := validManifest("svc")
	m.DefaultConfig = map[string]any{"interval": 30}
	f.addModule(t, m, nil)
	f.addModule(t, validManifest("idle"), nil)

	require.True(t, f.loader.Load("svc", map[string]any{"interval": 75}))
	require.True(t, f.loader.Load("idle", nil))
	require.True(t, f.loader.Activate("svc"))

	states := f.loader.ExportStates()
	require.True(t, f.loader.Unload("svc", true))
	require.True(t, f.loader.Unload("idle", true))

	results := f.loader.RestoreStates(states)
	assert.True(t, results["svc"])
	assert.True(t, results["idle"])

	svc, _ := f.loader.Instance("svc")
	assert.True(t, svc.Active())
	assert.Equal(t, 75, svc.Config()["interval"])
	idle, _ := f.loader.Instance("idle")
	assert.False(t, idle.Active())
}

func TestLoaderHealth(t *testing.T) {
	f := newLoaderFixture(t)
	f.addModule(t, validManifest("plain"), nil)
	require.True(t, f.loader.Load("plain", nil))

	health, ok := f.loader.Health("plain")
	require.True(t, ok)
	assert.False(t, health.Healthy)

	require.True(t, f.loader.Activate("plain"))
	health, _ = f.loader.Health("plain")
	assert.True(t, health.Healthy)

	_, ok = f.loader.Health("missing")
	assert.False(t, ok)
}
