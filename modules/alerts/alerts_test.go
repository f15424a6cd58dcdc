package alerts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadeck/modrun"
)

func newAlertsRuntime(t *testing.T, configOverride map[string]any) (*modrun.Runtime, *Module) {
	t.Helper()
	cfg := modrun.DefaultRuntimeConfig()
	cfg.AutoDiscover = false
	rt := modrun.NewRuntime(cfg, nil)
	rt.RegisterConstructor(ModuleName, New)
	require.NoError(t, rt.Registry().Register(Manifest(), "builtin"))
	require.NoError(t, rt.Security().Grant("ops", "alerts.raise"))
	require.NoError(t, rt.Security().Grant("ops", "alerts.silence"))

	require.True(t, rt.LoadModule(ModuleName, configOverride))
	require.True(t, rt.ActivateModule(ModuleName))

	plugin, ok := rt.Modules().Instance(ModuleName)
	require.True(t, ok)
	module, ok := plugin.Plugin().(*Module)
	require.True(t, ok)
	return rt, module
}

func TestManifest(t *testing.T) {
	manifest := Manifest()
	require.NoError(t, manifest.Validate())
	assert.NoError(t, manifest.CompatibleWith("1.0.0"))
	assert.Contains(t, manifest.ProvidesCapabilities, "alerting")
}

func TestRaiseAction(t *testing.T) {
	rt, module := newAlertsRuntime(t, nil)

	record, err := rt.Actions().Run(context.Background(), modrun.ExecutionRequest{
		ActionName: "alerts.raise",
		Actor:      "ops",
		Parameters: map[string]any{"message": "disk filling up"},
	})
	require.NoError(t, err)
	require.Equal(t, modrun.ExecCompleted, record.Status)

	active := module.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "disk filling up", active[0].Message)
	assert.Equal(t, SeverityWarning, active[0].Severity, "configured default severity applies")
	assert.Equal(t, "action", active[0].Source)
}

func TestRaiseActionDryRun(t *testing.T) {
	rt, module := newAlertsRuntime(t, nil)

	record, err := rt.Actions().Run(context.Background(), modrun.ExecutionRequest{
		ActionName: "alerts.raise",
		Actor:      "ops",
		Parameters: map[string]any{"message": "nothing yet"},
		DryRun:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, modrun.ExecCompleted, record.Status)
	assert.Empty(t, module.Active())
}

func TestSilenceAction(t *testing.T) {
	rt, module := newAlertsRuntime(t, nil)

	for _, msg := range []string{"one", "two"} {
		_, err := rt.Actions().Run(context.Background(), modrun.ExecutionRequest{
			ActionName: "alerts.raise",
			Actor:      "ops",
			Parameters: map[string]any{"message": msg},
		})
		require.NoError(t, err)
	}
	require.Len(t, module.Active(), 2)

	record, err := rt.Actions().Run(context.Background(), modrun.ExecutionRequest{
		ActionName: "alerts.silence",
		Actor:      "ops",
	})
	require.NoError(t, err)
	require.Equal(t, modrun.ExecCompleted, record.Status)
	assert.Empty(t, module.Active())
}

func TestFailureWatch(t *testing.T) {
	rt, module := newAlertsRuntime(t, nil)

	rt.Events().Emit(context.Background(), modrun.NewCloudEvent(
		modrun.EventTypeExecutionFailed, "actions",
		map[string]any{"executionID": "exec-7", "action": "scan.run"}))

	active := module.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "execution-watch", active[0].Source)
	assert.Contains(t, active[0].Message, "scan.run")
	assert.Equal(t, "exec-7", active[0].Details["execution_id"])

	t.Run("deactivation stops the watch", func(t *testing.T) {
		require.True(t, rt.DeactivateModule(ModuleName))
		rt.Events().Emit(context.Background(), modrun.NewCloudEvent(
			modrun.EventTypeExecutionFailed, "actions",
			map[string]any{"executionID": "exec-8", "action": "scan.run"}))
		assert.Len(t, module.Active(), 1)
	})
}

func TestWatchDisabledByConfig(t *testing.T) {
	rt, module := newAlertsRuntime(t, map[string]any{"watch_failures": false})

	rt.Events().Emit(context.Background(), modrun.NewCloudEvent(
		modrun.EventTypeExecutionFailed, "actions",
		map[string]any{"executionID": "exec-1", "action": "scan.run"}))

	assert.Empty(t, module.Active())
}

func TestMaxActiveTrims(t *testing.T) {
	_, module := newAlertsRuntime(t, map[string]any{"max_active": 2})

	module.raise("", "first", SeverityInfo, "test", nil)
	module.raise("", "second", SeverityInfo, "test", nil)
	module.raise("", "third", SeverityInfo, "test", nil)

	active := module.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "second", active[0].Message)
	assert.Equal(t, "third", active[1].Message)
}

func TestHealthStatus(t *testing.T) {
	_, module := newAlertsRuntime(t, nil)

	assert.True(t, module.HealthStatus().Healthy)

	module.raise("", "cpu on fire", SeverityCritical, "test", nil)
	health := module.HealthStatus()
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.Details["critical"])
}
