package modrun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an action execution.
// Pending and running are transient; the other states are terminal
// and never left once entered.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// TargetResult records the outcome of an action against one target.
type TargetResult struct {
	TargetID string         `json:"target_id"`
	Success  bool           `json:"success"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ExecutionProgress counts processed targets against the resolved
// total.
type ExecutionProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// ExecutionRequest is everything needed to dispatch an action.
type ExecutionRequest struct {
	ActionName string           `json:"action_name"`
	Actor      string           `json:"actor"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	Target     PopulationTarget `json:"target"`
	DryRun     bool             `json:"dry_run,omitempty"`
}

// ActionExecution tracks one dispatched action from creation to a
// terminal state.
type ActionExecution struct {
	mu         sync.RWMutex
	id         string
	actionName string
	actor      string
	params     map[string]any
	target     PopulationTarget
	dryRun     bool
	status     ExecutionStatus
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	progress   ExecutionProgress
	results    []TargetResult
	failure    string
	cancel     context.CancelFunc
}

// ExecutionRecord is an immutable snapshot of an execution's state.
type ExecutionRecord struct {
	ID         string            `json:"id"`
	ActionName string            `json:"action_name"`
	Actor      string            `json:"actor"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Target     PopulationTarget  `json:"target"`
	DryRun     bool              `json:"dry_run,omitempty"`
	Status     ExecutionStatus   `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Progress   ExecutionProgress `json:"progress"`
	Results    []TargetResult    `json:"results,omitempty"`
	Failure    string            `json:"failure,omitempty"`
}

// ID returns the execution's unique identifier.
func (e *ActionExecution) ID() string { return e.id }

// Status returns the current lifecycle state.
func (e *ActionExecution) Status() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Record snapshots the execution.
func (e *ActionExecution) Record() ExecutionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ExecutionRecord{
		ID:         e.id,
		ActionName: e.actionName,
		Actor:      e.actor,
		Parameters: e.params,
		Target:     e.target,
		DryRun:     e.dryRun,
		Status:     e.status,
		CreatedAt:  e.createdAt,
		StartedAt:  e.startedAt,
		FinishedAt: e.finishedAt,
		Progress:   e.progress,
		Results:    append([]TargetResult(nil), e.results...),
		Failure:    e.failure,
	}
}

func (e *ActionExecution) setProgress(done, total int) {
	e.mu.Lock()
	e.progress = ExecutionProgress{Done: done, Total: total}
	e.mu.Unlock()
}

func (e *ActionExecution) appendResult(r TargetResult) {
	e.mu.Lock()
	e.results = append(e.results, r)
	e.mu.Unlock()
}

// ExecutionContext is handed to Action.Execute for each target. It
// carries the validated parameters and gives the action progress
// reporting, cancellation awareness and host facilities.
type ExecutionContext struct {
	ctx       context.Context
	execution *ActionExecution
	logger    Logger
	audit     AuditSink
	events    *EventBus
}

// Context returns the cancellation context for this execution. Long
// running actions should honour it between units of work.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// ExecutionID returns the owning execution's ID.
func (ec *ExecutionContext) ExecutionID() string { return ec.execution.id }

// Actor returns the identity the execution runs as.
func (ec *ExecutionContext) Actor() string { return ec.execution.actor }

// DryRun reports whether the action should avoid side effects and
// only report what it would do.
func (ec *ExecutionContext) DryRun() bool { return ec.execution.dryRun }

// Parameters returns the validated parameter map.
func (ec *ExecutionContext) Parameters() map[string]any { return ec.execution.params }

// Parameter returns one validated parameter value.
func (ec *ExecutionContext) Parameter(name string) (any, bool) {
	v, ok := ec.execution.params[name]
	return v, ok
}

// Logger returns a logger scoped to the execution.
func (ec *ExecutionContext) Logger() Logger { return ec.logger }

// Cancelled reports whether the execution has been cancelled.
func (ec *ExecutionContext) Cancelled() bool {
	return ec.ctx.Err() != nil
}

// LogAudit records an audit entry tied to this execution.
func (ec *ExecutionContext) LogAudit(action string, details map[string]any) {
	if ec.audit != nil {
		ec.audit.LogAudit(action, details, ec.execution.actor, ec.execution.id)
	}
}

// EmitEvent publishes a CloudEvent attributed to the execution.
func (ec *ExecutionContext) EmitEvent(eventType string, data map[string]any) {
	if ec.events == nil {
		return
	}
	ec.events.Emit(ec.ctx, NewCloudEvent(eventType, "execution/"+ec.execution.id, data))
}

// ExecutionFilter narrows ListExecutions. Zero-value fields match
// everything.
type ExecutionFilter struct {
	ActionName string
	Actor      string
	Status     ExecutionStatus
}

// ActionFramework owns the action catalog and the execution
// lifecycle. Registered actions survive their module's deactivation;
// they are removed only when the framework is told to drop a module's
// actions, which hosts do on unload.
type ActionFramework struct {
	mu         sync.RWMutex
	actions    map[string]Action
	owners     map[string]string
	executions map[string]*ActionExecution
	population *PopulationManager
	security   *SecurityManager
	audit      AuditSink
	events     *EventBus
	logger     Logger
}

// NewActionFramework wires the framework to its collaborators. audit
// and events may be nil.
func NewActionFramework(population *PopulationManager, security *SecurityManager, audit AuditSink, events *EventBus, logger Logger) *ActionFramework {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &ActionFramework{
		actions:    make(map[string]Action),
		owners:     make(map[string]string),
		executions: make(map[string]*ActionExecution),
		population: population,
		security:   security,
		audit:      audit,
		events:     events,
		logger:     logger,
	}
}

// RegisterAction adds an action to the catalog on behalf of a module.
// Registering a name that already exists replaces the previous action
// with a warning.
func (f *ActionFramework) RegisterAction(moduleName string, action Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := action.Name()
	if prev, exists := f.owners[name]; exists {
		f.logger.Warn("action replaced", "action", name, "previousModule", prev, "module", moduleName)
	}
	f.actions[name] = action
	f.owners[name] = moduleName
	f.logger.Debug("action registered", "action", name, "module", moduleName)
}

// UnregisterAction removes one action from the catalog.
func (f *ActionFramework) UnregisterAction(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.actions, name)
	delete(f.owners, name)
}

// UnregisterModuleActions removes every action a module contributed
// and returns their names.
func (f *ActionFramework) UnregisterModuleActions(moduleName string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []string
	for name, owner := range f.owners {
		if owner == moduleName {
			delete(f.actions, name)
			delete(f.owners, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Action returns the registered action by name.
func (f *ActionFramework) Action(name string) (Action, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	action, ok := f.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotFound, name)
	}
	return action, nil
}

func (f *ActionFramework) actionInfo(name string) ActionInfo {
	action := f.actions[name]
	return ActionInfo{
		Name:                action.Name(),
		Module:              f.owners[name],
		Description:         action.Description(),
		Category:            action.Category(),
		Parameters:          action.Parameters(),
		TargetTypes:         action.TargetTypes(),
		RequiredPermissions: action.RequiredPermissions(),
	}
}

// ListActions returns the catalog sorted by action name.
func (f *ActionFramework) ListActions() []ActionInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.actions))
	for name := range f.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ActionInfo, 0, len(names))
	for _, name := range names {
		out = append(out, f.actionInfo(name))
	}
	return out
}

// Catalog groups the registered actions by category.
func (f *ActionFramework) Catalog() map[string][]ActionInfo {
	catalog := make(map[string][]ActionInfo)
	for _, info := range f.ListActions() {
		catalog[info.Category] = append(catalog[info.Category], info)
	}
	return catalog
}

// Validate checks a request without creating an execution. An unknown
// action is reported alone; otherwise parameter, target and permission
// problems are all accumulated so the caller sees every defect at
// once. Targetless actions skip the population checks.
func (f *ActionFramework) Validate(req ExecutionRequest) error {
	action, err := f.Action(req.ActionName)
	if err != nil {
		return err
	}

	var errs []error
	if _, err := normalizeParameters(action.Parameters(), req.Parameters, nil); err != nil {
		errs = append(errs, err)
	}
	if err := validateTargetType(action, req.Target); err != nil {
		errs = append(errs, err)
	}
	if f.population != nil && len(action.TargetTypes()) > 0 {
		if err := f.population.Validate(req.Target); err != nil {
			errs = append(errs, err)
		}
	}
	if f.security != nil {
		for _, perm := range action.RequiredPermissions() {
			if !f.security.HasPermission(req.Actor, perm) {
				errs = append(errs, fmt.Errorf("%w: %q", ErrPermissionMissing, perm))
			}
		}
	}
	return errors.Join(errs...)
}

// CreateExecution validates the request and records a pending
// execution. Nothing runs until Execute is called, so callers can
// stage work and inspect it first. Validation failure creates no
// execution.
func (f *ActionFramework) CreateExecution(req ExecutionRequest) (*ActionExecution, error) {
	if err := f.Validate(req); err != nil {
		return nil, err
	}

	action, err := f.Action(req.ActionName)
	if err != nil {
		return nil, err
	}
	params, err := normalizeParameters(action.Parameters(), req.Parameters, f.logger)
	if err != nil {
		return nil, err
	}

	exec := &ActionExecution{
		id:         uuid.NewString(),
		actionName: req.ActionName,
		actor:      req.Actor,
		params:     params,
		target:     req.Target,
		dryRun:     req.DryRun,
		status:     ExecPending,
		createdAt:  time.Now(),
	}

	f.mu.Lock()
	f.executions[exec.id] = exec
	f.mu.Unlock()

	f.auditLog("action.execution.created", map[string]any{"action": req.ActionName}, req.Actor, exec.id)
	f.emit(context.Background(), EventTypeExecutionCreated, exec)
	f.logger.Info("execution created", "execution", exec.id, "action", req.ActionName, "actor", req.Actor)
	return exec, nil
}

// Execute runs a pending execution to a terminal state, invoking the
// action once per resolved target. It is an error to execute an
// execution that is not pending; terminal executions never run again.
func (f *ActionFramework) Execute(ctx context.Context, executionID string) error {
	f.mu.RLock()
	exec, ok := f.executions[executionID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID)
	}

	action, err := f.Action(exec.actionName)
	if err != nil {
		f.finish(exec, ExecFailed, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec.mu.Lock()
	if exec.status != ExecPending {
		status := exec.status
		exec.mu.Unlock()
		return fmt.Errorf("%w: execution %q is %s", ErrExecutionNotRunning, executionID, status)
	}
	exec.status = ExecRunning
	exec.startedAt = time.Now()
	exec.cancel = cancel
	exec.mu.Unlock()

	f.emit(runCtx, EventTypeExecutionStarted, exec)
	f.logger.Info("execution started", "execution", exec.id, "action", exec.actionName)

	targets, err := f.resolveTargets(exec)
	if err != nil {
		f.finish(exec, ExecFailed, err.Error())
		f.emit(ctx, EventTypeExecutionFailed, exec)
		return err
	}

	ec := &ExecutionContext{
		ctx:       runCtx,
		execution: exec,
		logger:    newNamedLogger("execution:"+exec.id, f.logger),
		audit:     f.audit,
		events:    f.events,
	}

	exec.setProgress(0, len(targets))
	failures := 0
	for i, targetID := range targets {
		if runCtx.Err() != nil {
			f.finish(exec, ExecCancelled, "cancelled after "+fmt.Sprint(i)+" of "+fmt.Sprint(len(targets))+" targets")
			f.emit(ctx, EventTypeExecutionCancelled, exec)
			return fmt.Errorf("%w: %q", ErrExecutionCancelled, executionID)
		}
		result := f.runTarget(ec, action, targetID)
		if !result.Success {
			failures++
		}
		exec.appendResult(result)
		exec.setProgress(i+1, len(targets))
	}

	switch {
	case len(targets) > 0 && failures == len(targets):
		f.finish(exec, ExecFailed, "all targets failed")
		f.emit(ctx, EventTypeExecutionFailed, exec)
	default:
		f.finish(exec, ExecCompleted, "")
		f.emit(ctx, EventTypeExecutionFinished, exec)
	}

	f.auditLog("action.execution.finished", map[string]any{
		"action":   exec.actionName,
		"status":   string(exec.Status()),
		"targets":  len(targets),
		"failures": failures,
	}, exec.actor, exec.id)
	return nil
}

// Run is the synchronous convenience path: create then execute.
func (f *ActionFramework) Run(ctx context.Context, req ExecutionRequest) (ExecutionRecord, error) {
	exec, err := f.CreateExecution(req)
	if err != nil {
		return ExecutionRecord{}, err
	}
	if err := f.Execute(ctx, exec.ID()); err != nil {
		return exec.Record(), err
	}
	return exec.Record(), nil
}

// runTarget invokes the action for one target, converting panics into
// a failed result so a misbehaving action cannot take down the run.
func (f *ActionFramework) runTarget(ec *ExecutionContext, action Action, targetID string) (result TargetResult) {
	result.TargetID = targetID
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
			f.logger.Error("action panicked", "action", action.Name(), "target", targetID, "panic", r)
		}
	}()

	output, err := action.Execute(ec, targetID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Output = output
	return result
}

func (f *ActionFramework) resolveTargets(exec *ActionExecution) ([]string, error) {
	if f.population == nil || exec.target.TargetType == "" {
		return []string{""}, nil
	}
	return f.population.Resolve(exec.target)
}

// Cancel requests cancellation of a running execution. Pending and
// terminal executions cannot be cancelled.
func (f *ActionFramework) Cancel(executionID, actor string) error {
	f.mu.RLock()
	exec, ok := f.executions[executionID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID)
	}

	exec.mu.Lock()
	if exec.status != ExecRunning || exec.cancel == nil {
		status := exec.status
		exec.mu.Unlock()
		return fmt.Errorf("%w: execution %q is %s", ErrExecutionNotRunning, executionID, status)
	}
	cancel := exec.cancel
	exec.mu.Unlock()

	cancel()
	f.auditLog("action.execution.cancel", nil, actor, executionID)
	f.logger.Info("execution cancel requested", "execution", executionID, "actor", actor)
	return nil
}

// Execution returns a snapshot of one execution.
func (f *ActionFramework) Execution(executionID string) (ExecutionRecord, error) {
	f.mu.RLock()
	exec, ok := f.executions[executionID]
	f.mu.RUnlock()
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID)
	}
	return exec.Record(), nil
}

// ListExecutions returns executions matching the filter, oldest
// first.
func (f *ActionFramework) ListExecutions(filter ExecutionFilter) []ExecutionRecord {
	f.mu.RLock()
	records := make([]ExecutionRecord, 0, len(f.executions))
	for _, exec := range f.executions {
		records = append(records, exec.Record())
	}
	f.mu.RUnlock()

	out := records[:0]
	for _, r := range records {
		if filter.ActionName != "" && r.ActionName != filter.ActionName {
			continue
		}
		if filter.Actor != "" && r.Actor != filter.Actor {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PruneExecutions drops terminal executions older than cutoff and
// returns how many were removed.
func (f *ActionFramework) PruneExecutions(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, exec := range f.executions {
		record := exec.Record()
		if record.Status.Terminal() && record.FinishedAt.Before(cutoff) {
			delete(f.executions, id)
			removed++
		}
	}
	return removed
}

func (f *ActionFramework) finish(exec *ActionExecution, status ExecutionStatus, failure string) {
	exec.mu.Lock()
	if exec.status.Terminal() {
		exec.mu.Unlock()
		return
	}
	exec.status = status
	exec.failure = failure
	exec.finishedAt = time.Now()
	exec.cancel = nil
	exec.mu.Unlock()
	f.logger.Info("execution finished", "execution", exec.id, "status", string(status))
}

func (f *ActionFramework) auditLog(action string, details map[string]any, actor, executionID string) {
	if f.audit != nil {
		f.audit.LogAudit(action, details, actor, executionID)
	}
}

func (f *ActionFramework) emit(ctx context.Context, eventType string, exec *ActionExecution) {
	if f.events == nil {
		return
	}
	record := exec.Record()
	f.events.Emit(ctx, NewCloudEvent(eventType, "actions", map[string]any{
		"executionID": record.ID,
		"action":      record.ActionName,
		"status":      string(record.Status),
	}))
}
