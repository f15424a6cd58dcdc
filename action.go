package modrun

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/golobby/cast"
)

// ParameterType constrains the value of an ActionParameter.
type ParameterType string

const (
	ParamString ParameterType = "string"
	ParamInt    ParameterType = "int"
	ParamFloat  ParameterType = "float"
	ParamBool   ParameterType = "bool"
	ParamList   ParameterType = "list"
	ParamMap    ParameterType = "map"
)

// ActionParameter declares one named input an action accepts.
// Required parameters without a default must be supplied by the
// caller; optional parameters fall back to Default.
type ActionParameter struct {
	Name        string        `json:"name" yaml:"name"`
	Type        ParameterType `json:"type" yaml:"type"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool          `json:"required" yaml:"required"`
	Default     any           `json:"default,omitempty" yaml:"default,omitempty"`
	Choices     []any         `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// Action is a unit of dispatchable work contributed by a module.
// Implementations declare their identity and contract through the
// metadata methods and perform the work in Execute, which receives
// one resolved target ID at a time.
type Action interface {
	// Name is the unique action identifier, conventionally
	// "<module>.<verb>".
	Name() string

	// Description is a human-readable summary for catalogs.
	Description() string

	// Category groups related actions in catalog listings.
	Category() string

	// Parameters declares the inputs the action accepts.
	Parameters() []ActionParameter

	// TargetTypes lists the population target types the action can
	// run against. Empty means the action is targetless.
	TargetTypes() []string

	// RequiredPermissions lists the permissions an actor needs to
	// execute the action.
	RequiredPermissions() []string

	// Execute performs the action against a single target. The
	// ExecutionContext carries parameters, progress reporting and
	// cancellation.
	Execute(ec *ExecutionContext, targetID string) (map[string]any, error)
}

// ActionInfo is the catalog entry for a registered action.
type ActionInfo struct {
	Name                string            `json:"name"`
	Module              string            `json:"module"`
	Description         string            `json:"description"`
	Category            string            `json:"category"`
	Parameters          []ActionParameter `json:"parameters"`
	TargetTypes         []string          `json:"target_types"`
	RequiredPermissions []string          `json:"required_permissions"`
}

// ActionFunc adapts a plain function plus metadata into an Action.
// Modules that contribute a single simple action can use it instead
// of defining a type.
type ActionFunc struct {
	ActionName string
	ActionDesc string
	ActionCat  string
	Params     []ActionParameter
	Targets    []string
	Perms      []string
	Fn         func(ec *ExecutionContext, targetID string) (map[string]any, error)
}

func (a *ActionFunc) Name() string                  { return a.ActionName }
func (a *ActionFunc) Description() string           { return a.ActionDesc }
func (a *ActionFunc) Category() string              { return a.ActionCat }
func (a *ActionFunc) Parameters() []ActionParameter { return a.Params }
func (a *ActionFunc) TargetTypes() []string         { return a.Targets }
func (a *ActionFunc) RequiredPermissions() []string { return a.Perms }

func (a *ActionFunc) Execute(ec *ExecutionContext, targetID string) (map[string]any, error) {
	return a.Fn(ec, targetID)
}

// normalizeParameters fills defaults and type-checks the supplied
// parameter values against the declared contract. Problems with
// every parameter are accumulated and returned joined, in declaration
// order. The returned map is a new map containing only declared
// parameters; undeclared inputs are dropped with a warning.
func normalizeParameters(decls []ActionParameter, supplied map[string]any, logger Logger) (map[string]any, error) {
	declared := make(map[string]struct{}, len(decls))
	out := make(map[string]any, len(decls))
	var errs []error

	for _, decl := range decls {
		declared[decl.Name] = struct{}{}
		value, present := supplied[decl.Name]
		if !present {
			if decl.Default != nil {
				out[decl.Name] = decl.Default
				continue
			}
			if decl.Required {
				errs = append(errs, fmt.Errorf("%w: %q", ErrParameterMissing, decl.Name))
			}
			continue
		}

		coerced, err := coerceParameter(decl, value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(decl.Choices) > 0 && !containsChoice(decl.Choices, coerced) {
			errs = append(errs, fmt.Errorf("%w: %q must be one of %v", ErrParameterWrongType, decl.Name, decl.Choices))
			continue
		}
		out[decl.Name] = coerced
	}

	for name := range supplied {
		if _, ok := declared[name]; !ok && logger != nil {
			logger.Warn("ignoring undeclared parameter", "parameter", name)
		}
	}

	return out, errors.Join(errs...)
}

// coerceParameter converts value to the declared type where a safe
// conversion exists, and rejects it otherwise. String inputs are
// cast to scalar types so parameters arriving from config files or
// query strings still type-check.
func coerceParameter(decl ActionParameter, value any) (any, error) {
	wrongType := func() error {
		return fmt.Errorf("%w: %q expects %s, got %T", ErrParameterWrongType, decl.Name, decl.Type, value)
	}

	switch decl.Type {
	case ParamString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, wrongType()
	case ParamInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
			return nil, wrongType()
		case string:
			n, err := cast.FromType(v, reflect.TypeOf(0))
			if err != nil {
				return nil, wrongType()
			}
			return n, nil
		}
		return nil, wrongType()
	case ParamFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case string:
			f, err := cast.FromType(v, reflect.TypeOf(float64(0)))
			if err != nil {
				return nil, wrongType()
			}
			return f, nil
		}
		return nil, wrongType()
	case ParamBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := cast.FromType(v, reflect.TypeOf(false))
			if err != nil {
				return nil, wrongType()
			}
			return b, nil
		}
		return nil, wrongType()
	case ParamList:
		if reflect.ValueOf(value).Kind() == reflect.Slice {
			return value, nil
		}
		return nil, wrongType()
	case ParamMap:
		if _, ok := value.(map[string]any); ok {
			return value, nil
		}
		return nil, wrongType()
	default:
		return value, nil
	}
}

func containsChoice(choices []any, value any) bool {
	for _, c := range choices {
		if reflect.DeepEqual(c, value) {
			return true
		}
	}
	return false
}

// validateTargetType checks that the action supports the target's
// type. Targetless actions (no declared types) accept any target.
func validateTargetType(action Action, target PopulationTarget) error {
	types := action.TargetTypes()
	if len(types) == 0 {
		return nil
	}
	for _, t := range types {
		if t == target.TargetType {
			return nil
		}
	}
	sorted := append([]string(nil), types...)
	sort.Strings(sorted)
	return fmt.Errorf("%w: action %q supports %v, got %q",
		ErrTargetTypeUnsupported, action.Name(), sorted, target.TargetType)
}
