package modrun

import (
	"errors"
)

// Runtime errors, grouped by failure category. Call sites wrap these with
// fmt.Errorf("%w: ...") so callers can match them with errors.Is.
var (
	// Manifest errors
	ErrManifestNameEmpty       = errors.New("manifest name is empty")
	ErrManifestVersionEmpty    = errors.New("manifest version is empty")
	ErrManifestTypeInvalid     = errors.New("manifest module type is invalid")
	ErrManifestIncompatible    = errors.New("module is not compatible with core version")
	ErrManifestParseFailed     = errors.New("failed to parse manifest")
	ErrManifestFileNotFound    = errors.New("manifest file not found")
	ErrModuleNotRegistered     = errors.New("module is not registered")
	ErrModuleAlreadyRegistered = errors.New("module is already registered")

	// Dependency errors
	ErrCircularDependency = errors.New("circular dependency detected")
	ErrDependencyMissing  = errors.New("required dependency is not registered")
	ErrActiveDependents   = errors.New("active modules depend on it")
	ErrCapabilityConflict = errors.New("capability conflict")

	// Loader errors
	ErrModuleLoadFailed     = errors.New("module load failed")
	ErrModuleNotLoaded      = errors.New("module is not loaded")
	ErrConstructorNotFound  = errors.New("no constructor registered for module")
	ErrModuleInitFailed     = errors.New("module initialization failed")
	ErrModuleNotInitialized = errors.New("module is not initialized")
	ErrDeactivateFailed     = errors.New("module deactivation failed")

	// Validation errors
	ErrActionNotFound        = errors.New("action not found")
	ErrParameterMissing      = errors.New("required parameter is missing")
	ErrParameterWrongType    = errors.New("parameter has wrong type")
	ErrTargetTypeUnsupported = errors.New("unsupported target type")
	ErrTargetInvalid         = errors.New("invalid population target")
	ErrGroupNotFound         = errors.New("population group not found")
	ErrGroupExists           = errors.New("population group already exists")
	ErrGroupTypeMismatch     = errors.New("group target type mismatch")
	ErrResolverNotFound      = errors.New("no resolver registered for target type")
	ErrConfigSchemaInvalid   = errors.New("config schema is invalid")
	ErrConfigInvalid         = errors.New("config does not satisfy schema")

	// Permission errors
	ErrPermissionMissing = errors.New("missing required permission")
	ErrPermissionFormat  = errors.New("invalid permission format")

	// Execution errors
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrExecutionNotRunning = errors.New("execution is not running")
	ErrExecutionCancelled  = errors.New("execution cancelled")

	// Runtime errors
	ErrRuntimeNotStarted     = errors.New("runtime is not started")
	ErrRuntimeAlreadyStarted = errors.New("runtime is already started")
	ErrShutdownAborted       = errors.New("shutdown aborted")
	ErrSchedulerStopped      = errors.New("scheduler is not running")
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrScheduleExists        = errors.New("schedule already exists")
)
