// Package alerts is a built-in module that raises and tracks alerts.
// It contributes alert actions to the catalog, watches the event bus
// for failed executions and exposes the active alert list over the
// module API.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/datadeck/modrun"
)

// ModuleName is the name the module registers under.
const ModuleName = "alerts"

// Severity levels, lowest to highest.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one raised alert.
type Alert struct {
	ID        int            `json:"id"`
	Target    string         `json:"target,omitempty"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
	RaisedAt  time.Time      `json:"raised_at"`
	Silenced  bool           `json:"silenced"`
	SilenceTo time.Time      `json:"silence_to,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Manifest describes the module to the registry.
func Manifest() *modrun.ModuleManifest {
	return &modrun.ModuleManifest{
		Name:                 ModuleName,
		Version:              "1.0.0",
		Description:          "Raises, lists and silences operational alerts",
		Author:               "datadeck",
		ModuleType:           modrun.ModuleTypeUtility,
		CoreVersionMin:       "1.0.0",
		ProvidesCapabilities: []string{"alerting"},
		GrantsPermissions:    []string{"alerts.raise", "alerts.silence"},
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"max_active":       map[string]any{"type": "integer", "minimum": 1},
				"watch_failures":   map[string]any{"type": "boolean"},
				"default_severity": map[string]any{"type": "string"},
			},
		},
		DefaultConfig: map[string]any{
			"max_active":       500,
			"watch_failures":   true,
			"default_severity": SeverityWarning,
		},
	}
}

// New is the module constructor registered with the runtime.
func New(ctx *modrun.ModuleContext) (modrun.ModulePlugin, error) {
	return &Module{}, nil
}

// Module implements the alerts plugin.
type Module struct {
	modrun.PluginBase

	mu        sync.Mutex
	alerts    []*Alert
	nextID    int
	maxActive int
	subID     string
}

// OnInitialize reads config and prepares state.
func (m *Module) OnInitialize(ctx *modrun.ModuleContext) error {
	if err := m.PluginBase.OnInitialize(ctx); err != nil {
		return err
	}
	m.maxActive = ctx.ConfigInt("max_active", 500)
	m.nextID = 1
	return nil
}

// OnActivate starts watching for failed executions when configured.
func (m *Module) OnActivate() error {
	ctx := m.Context()
	if ctx.ConfigBool("watch_failures", true) {
		m.subID = ctx.SubscribeEvent(modrun.EventTypeExecutionFailed, m.onExecutionFailed)
	}
	return nil
}

// OnDeactivate stops the failure watch.
func (m *Module) OnDeactivate() error {
	if m.subID != "" {
		m.Context().UnsubscribeEvent(m.subID)
		m.subID = ""
	}
	return nil
}

func (m *Module) onExecutionFailed(_ context.Context, event modrun.CloudEvent) error {
	var data struct {
		ExecutionID string `json:"executionID"`
		Action      string `json:"action"`
	}
	if err := json.Unmarshal(event.Data(), &data); err != nil {
		return nil
	}
	m.raise("", fmt.Sprintf("execution of %s failed", data.Action), SeverityWarning, "execution-watch",
		map[string]any{"execution_id": data.ExecutionID})
	return nil
}

// Actions contributes the alert actions.
func (m *Module) Actions() []modrun.Action {
	severity := modrun.ActionParameter{
		Name:    "severity",
		Type:    modrun.ParamString,
		Default: m.defaultSeverity(),
		Choices: []any{SeverityInfo, SeverityWarning, SeverityCritical},
	}
	return []modrun.Action{
		&modrun.ActionFunc{
			ActionName: "alerts.raise",
			ActionDesc: "Raise an alert against each resolved target",
			ActionCat:  "alerts",
			Params: []modrun.ActionParameter{
				{Name: "message", Type: modrun.ParamString, Required: true},
				severity,
			},
			Perms: []string{"alerts.raise"},
			Fn:    m.raiseAction,
		},
		&modrun.ActionFunc{
			ActionName: "alerts.silence",
			ActionDesc: "Silence active alerts for the resolved targets",
			ActionCat:  "alerts",
			Params: []modrun.ActionParameter{
				{Name: "duration_minutes", Type: modrun.ParamInt, Default: 60},
			},
			Perms: []string{"alerts.silence"},
			Fn:    m.silenceAction,
		},
	}
}

func (m *Module) raiseAction(ec *modrun.ExecutionContext, targetID string) (map[string]any, error) {
	message, _ := ec.Parameter("message")
	severity, _ := ec.Parameter("severity")
	if ec.DryRun() {
		return map[string]any{"would_raise": message}, nil
	}
	alert := m.raise(targetID, fmt.Sprint(message), fmt.Sprint(severity), "action", nil)
	ec.LogAudit("alerts.raise", map[string]any{"alert": alert.ID, "target": targetID})
	return map[string]any{"alert_id": alert.ID}, nil
}

func (m *Module) silenceAction(ec *modrun.ExecutionContext, targetID string) (map[string]any, error) {
	minutes := 60
	if v, ok := ec.Parameter("duration_minutes"); ok {
		if n, isInt := v.(int); isInt {
			minutes = n
		}
	}
	until := time.Now().Add(time.Duration(minutes) * time.Minute)
	silenced := m.silence(targetID, until)
	ec.LogAudit("alerts.silence", map[string]any{"target": targetID, "count": silenced})
	return map[string]any{"silenced": silenced, "until": until}, nil
}

func (m *Module) defaultSeverity() string {
	if ctx := m.Context(); ctx != nil {
		return ctx.ConfigString("default_severity", SeverityWarning)
	}
	return SeverityWarning
}

func (m *Module) raise(target, message, severity, source string, details map[string]any) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert := &Alert{
		ID:       m.nextID,
		Target:   target,
		Message:  message,
		Severity: severity,
		Source:   source,
		RaisedAt: time.Now(),
		Details:  details,
	}
	m.nextID++
	m.alerts = append(m.alerts, alert)
	if over := len(m.alerts) - m.maxActive; over > 0 {
		m.alerts = append(m.alerts[:0:0], m.alerts[over:]...)
	}
	return alert
}

func (m *Module) silence(target string, until time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, alert := range m.alerts {
		if target == "" || alert.Target == target {
			alert.Silenced = true
			alert.SilenceTo = until
			count++
		}
	}
	return count
}

// Active returns unsilenced alerts sorted by ID.
func (m *Module) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if alert.Silenced && now.Before(alert.SilenceTo) {
			continue
		}
		out = append(out, *alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// APIEndpoints exposes the alert list under the module API.
func (m *Module) APIEndpoints() []modrun.APIEndpoint {
	return []modrun.APIEndpoint{
		{Method: http.MethodGet, Pattern: "/alerts", Handler: func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(m.Active())
		}},
	}
}

// HealthStatus reports degraded when critical alerts are active.
func (m *Module) HealthStatus() modrun.ModuleHealth {
	critical := 0
	active := m.Active()
	for _, alert := range active {
		if alert.Severity == SeverityCritical {
			critical++
		}
	}
	return modrun.ModuleHealth{
		Status:  modrun.StatusActive,
		Healthy: critical == 0,
		Details: map[string]any{"active": len(active), "critical": critical},
	}
}
