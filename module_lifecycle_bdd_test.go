package modrun

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cucumber/godog"
)

// ModuleLifecycleBDDTestContext holds state for module lifecycle BDD tests
type ModuleLifecycleBDDTestContext struct {
	runtime    *Runtime
	record     ExecutionRecord
	execErr    error
	lastUnload bool
}

func (ctx *ModuleLifecycleBDDTestContext) ensureRuntime() {
	if ctx.runtime != nil {
		return
	}
	cfg := DefaultRuntimeConfig()
	cfg.AutoDiscover = false
	ctx.runtime = NewRuntime(cfg, &testBDDLogger{})
}

func (ctx *ModuleLifecycleBDDTestContext) registerModule(name string, requires []string) error {
	ctx.ensureRuntime()
	ctx.runtime.RegisterConstructor(name, func(mc *ModuleContext) (ModulePlugin, error) {
		return &bddSensorPlugin{actionName: name + ".read"}, nil
	})
	manifest := &ModuleManifest{
		Name:            name,
		Version:         "1.0.0",
		ModuleType:      ModuleTypeUtility,
		CoreVersionMin:  "1.0.0",
		RequiredModules: requires,
	}
	if err := ctx.runtime.Registry().Register(manifest, "test"); err != nil {
		return fmt.Errorf("failed to register module %s: %w", name, err)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) aRuntimeWithARegisteredModule(name string) error {
	return ctx.registerModule(name, nil)
}

func (ctx *ModuleLifecycleBDDTestContext) aRegisteredModuleRequiring(name, dependency string) error {
	return ctx.registerModule(name, []string{dependency})
}

func (ctx *ModuleLifecycleBDDTestContext) theActorHasPermission(actor, permission string) error {
	ctx.ensureRuntime()
	return ctx.runtime.Security().Grant(actor, permission)
}

func (ctx *ModuleLifecycleBDDTestContext) iLoadTheModule(name string) error {
	if !ctx.runtime.LoadModule(name, nil) {
		reason, _ := ctx.runtime.Modules().FailureReason(name)
		return fmt.Errorf("failed to load module %s: %s", name, reason)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) iActivateTheModule(name string) error {
	if !ctx.runtime.ActivateModule(name) {
		reason, _ := ctx.runtime.Modules().FailureReason(name)
		return fmt.Errorf("failed to activate module %s: %s", name, reason)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) iDeactivateTheModule(name string) error {
	if !ctx.runtime.DeactivateModule(name) {
		return fmt.Errorf("failed to deactivate module %s", name)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) iUnloadTheModule(name string) error {
	if !ctx.runtime.UnloadModule(name, false) {
		reason, _ := ctx.runtime.Modules().FailureReason(name)
		return fmt.Errorf("failed to unload module %s: %s", name, reason)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) theModuleShouldBeLoaded(name string) error {
	if !ctx.runtime.Modules().IsLoaded(name) {
		return fmt.Errorf("expected module %s to be loaded", name)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) theModuleShouldHaveStatus(name, expected string) error {
	status := ctx.runtime.Registry().Status(name)
	if string(status) != expected {
		return fmt.Errorf("expected module %s to have status %s, got %s", name, expected, status)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) theActionShouldBeRegistered(name string) error {
	if _, err := ctx.runtime.Actions().Action(name); err != nil {
		return fmt.Errorf("expected action %s to be registered: %w", name, err)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) theActionShouldNotBeRegistered(name string) error {
	if _, err := ctx.runtime.Actions().Action(name); err == nil {
		return fmt.Errorf("expected action %s to be gone", name)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) theActorExecutesTheAction(actor, action string) error {
	ctx.record, ctx.execErr = ctx.runtime.Actions().Run(context.Background(), ExecutionRequest{
		ActionName: action,
		Actor:      actor,
	})
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) theExecutionShouldCompleteSuccessfully() error {
	if ctx.execErr != nil {
		return fmt.Errorf("expected execution to succeed, got error: %v", ctx.execErr)
	}
	if ctx.record.Status != ExecCompleted {
		return fmt.Errorf("expected execution status %s, got %s", ExecCompleted, ctx.record.Status)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) theExecutionShouldBeRejected() error {
	if ctx.execErr == nil {
		return fmt.Errorf("expected execution to be rejected")
	}
	if !errors.Is(ctx.execErr, ErrPermissionMissing) {
		return fmt.Errorf("expected a permission error, got: %v", ctx.execErr)
	}
	return nil
}

func (ctx *ModuleLifecycleBDDTestContext) unloadingTheModuleShouldBeRefused(name string) error {
	ctx.lastUnload = ctx.runtime.UnloadModule(name, false)
	if ctx.lastUnload {
		return fmt.Errorf("expected unloading module %s to be refused", name)
	}
	return nil
}

// bddSensorPlugin contributes a single permissioned read action.
type bddSensorPlugin struct {
	PluginBase

	actionName string
}

func (p *bddSensorPlugin) Actions() []Action {
	return []Action{&ActionFunc{
		ActionName: p.actionName,
		ActionDesc: "Read the sensor",
		ActionCat:  "sensors",
		Perms:      []string{p.actionName},
		Fn: func(ec *ExecutionContext, targetID string) (map[string]any, error) {
			return map[string]any{"value": 42}, nil
		},
	}}
}

// testBDDLogger implements a silent logger for BDD tests
type testBDDLogger struct{}

func (l *testBDDLogger) Debug(msg string, args ...any) {}
func (l *testBDDLogger) Info(msg string, args ...any)  {}
func (l *testBDDLogger) Warn(msg string, args ...any)  {}
func (l *testBDDLogger) Error(msg string, args ...any) {}

// Test scenarios initialization
func InitializeModuleLifecycleScenario(ctx *godog.ScenarioContext) {
	bddCtx := &ModuleLifecycleBDDTestContext{}

	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		*bddCtx = ModuleLifecycleBDDTestContext{}
		return c, nil
	})

	ctx.Step(`^a runtime with a registered "([^"]*)" module$`, bddCtx.aRuntimeWithARegisteredModule)
	ctx.Step(`^a registered "([^"]*)" module requiring "([^"]*)"$`, bddCtx.aRegisteredModuleRequiring)
	ctx.Step(`^the actor "([^"]*)" has permission "([^"]*)"$`, bddCtx.theActorHasPermission)
	ctx.Step(`^I load the module "([^"]*)"$`, bddCtx.iLoadTheModule)
	ctx.Step(`^I activate the module "([^"]*)"$`, bddCtx.iActivateTheModule)
	ctx.Step(`^I deactivate the module "([^"]*)"$`, bddCtx.iDeactivateTheModule)
	ctx.Step(`^I unload the module "([^"]*)"$`, bddCtx.iUnloadTheModule)
	ctx.Step(`^the module "([^"]*)" should be loaded$`, bddCtx.theModuleShouldBeLoaded)
	ctx.Step(`^the module "([^"]*)" should have status "([^"]*)"$`, bddCtx.theModuleShouldHaveStatus)
	ctx.Step(`^the action "([^"]*)" should be registered$`, bddCtx.theActionShouldBeRegistered)
	ctx.Step(`^the action "([^"]*)" should not be registered$`, bddCtx.theActionShouldNotBeRegistered)
	ctx.Step(`^the actor "([^"]*)" executes the action "([^"]*)"$`, bddCtx.theActorExecutesTheAction)
	ctx.Step(`^the execution should complete successfully$`, bddCtx.theExecutionShouldCompleteSuccessfully)
	ctx.Step(`^the execution should be rejected$`, bddCtx.theExecutionShouldBeRejected)
	ctx.Step(`^unloading the module "([^"]*)" should be refused$`, bddCtx.unloadingTheModuleShouldBeRefused)
}

// Test runner
func TestModuleLifecycleBDDFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeModuleLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/module_lifecycle.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
