package modrun

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// PopulationScope selects how a PopulationTarget is expanded into
// concrete target identifiers.
type PopulationScope string

const (
	ScopeSingle   PopulationScope = "single"
	ScopeMultiple PopulationScope = "multiple"
	ScopeGroup    PopulationScope = "group"
	ScopeFiltered PopulationScope = "filtered"
	ScopeAll      PopulationScope = "all"
)

// Valid reports whether s is a known scope.
func (s PopulationScope) Valid() bool {
	switch s {
	case ScopeSingle, ScopeMultiple, ScopeGroup, ScopeFiltered, ScopeAll:
		return true
	}
	return false
}

// PopulationTarget describes the set of entities an action should run
// against. TargetType names the entity kind (for example "cluster" or
// "user") and must match a registered resolver.
type PopulationTarget struct {
	Scope      PopulationScope `json:"scope" yaml:"scope"`
	TargetType string          `json:"target_type" yaml:"target_type"`
	TargetIDs  []string        `json:"target_ids,omitempty" yaml:"target_ids,omitempty"`
	Filters    map[string]any  `json:"filters,omitempty" yaml:"filters,omitempty"`
	GroupName  string          `json:"group_name,omitempty" yaml:"group_name,omitempty"`
}

// PopulationGroup is a named, reusable selection of targets. Members
// and filters are combined: resolution takes the union of the stored
// member IDs and the group target's IDs, then intersects with the
// stored filters when present.
type PopulationGroup struct {
	Name        string         `json:"name" yaml:"name"`
	TargetType  string         `json:"target_type" yaml:"target_type"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	MemberIDs   []string       `json:"member_ids,omitempty" yaml:"member_ids,omitempty"`
	Filters     map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// TargetResolver expands target selections for one target type.
// Implementations are registered with the PopulationManager per type
// and typically wrap an inventory source such as a database table.
type TargetResolver interface {
	// ResolveAll returns every known target ID for the type.
	ResolveAll() ([]string, error)

	// ResolveByIDs returns the subset of ids that exist, preserving
	// the input order.
	ResolveByIDs(ids []string) ([]string, error)

	// ResolveByFilters returns the IDs of targets matching every
	// filter key/value pair.
	ResolveByFilters(filters map[string]any) ([]string, error)

	// TargetInfo returns descriptive attributes for a single target,
	// or nil when the target is unknown.
	TargetInfo(id string) (map[string]any, error)
}

// PopulationPreview is a bounded sample of a resolution, used to show
// the operator what an action would touch before it runs.
type PopulationPreview struct {
	TotalCount int              `json:"total_count"`
	Truncated  bool             `json:"truncated"`
	Targets    []map[string]any `json:"targets"`
}

// PopulationManager resolves population targets to concrete IDs and
// manages named groups. Resolvers are keyed by target type.
type PopulationManager struct {
	mu        sync.RWMutex
	resolvers map[string]TargetResolver
	groups    map[string]*PopulationGroup
	logger    Logger
}

// NewPopulationManager creates an empty manager.
func NewPopulationManager(logger Logger) *PopulationManager {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &PopulationManager{
		resolvers: make(map[string]TargetResolver),
		groups:    make(map[string]*PopulationGroup),
		logger:    logger,
	}
}

// RegisterResolver installs the resolver for a target type, replacing
// any previous one.
func (m *PopulationManager) RegisterResolver(targetType string, resolver TargetResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[targetType] = resolver
	m.logger.Debug("population resolver registered", "target_type", targetType)
}

// UnregisterResolver removes the resolver for a target type.
func (m *PopulationManager) UnregisterResolver(targetType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resolvers, targetType)
}

// ResolverTypes lists the registered target types, sorted.
func (m *PopulationManager) ResolverTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.resolvers))
	for t := range m.resolvers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve expands target into the list of concrete target IDs. An
// unknown target type or group name resolves to an empty list with a
// warning rather than an error, so a stale reference never aborts a
// dispatch that validated earlier.
func (m *PopulationManager) Resolve(target PopulationTarget) ([]string, error) {
	m.mu.RLock()
	resolver, ok := m.resolvers[target.TargetType]
	var group *PopulationGroup
	if target.Scope == ScopeGroup {
		group = m.groups[target.GroupName]
	}
	m.mu.RUnlock()

	if !ok {
		m.logger.Warn("no resolver for target type", "target_type", target.TargetType)
		return nil, nil
	}

	switch target.Scope {
	case ScopeSingle:
		if len(target.TargetIDs) == 0 {
			return nil, nil
		}
		return resolver.ResolveByIDs(target.TargetIDs[:1])
	case ScopeMultiple:
		if len(target.TargetIDs) == 0 {
			return nil, nil
		}
		return resolver.ResolveByIDs(target.TargetIDs)
	case ScopeGroup:
		if group == nil {
			m.logger.Warn("population group not found", "group", target.GroupName)
			return nil, nil
		}
		if group.TargetType != target.TargetType {
			m.logger.Warn("population group has different target type",
				"group", target.GroupName, "group_type", group.TargetType, "target_type", target.TargetType)
			return nil, nil
		}
		return m.resolveGroup(resolver, group, target)
	case ScopeFiltered:
		return resolver.ResolveByFilters(target.Filters)
	case ScopeAll:
		return resolver.ResolveAll()
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrTargetInvalid, target.Scope)
	}
}

// resolveGroup unions the group's members with any additional IDs on
// the target, then intersects with the target's filters when present.
func (m *PopulationManager) resolveGroup(resolver TargetResolver, group *PopulationGroup, target PopulationTarget) ([]string, error) {
	seen := make(map[string]struct{})
	union := make([]string, 0, len(group.MemberIDs)+len(target.TargetIDs))
	for _, id := range group.MemberIDs {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	for _, id := range target.TargetIDs {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}

	resolved, err := resolver.ResolveByIDs(union)
	if err != nil {
		return nil, err
	}
	if len(target.Filters) == 0 {
		return resolved, nil
	}

	filtered, err := resolver.ResolveByFilters(target.Filters)
	if err != nil {
		return nil, err
	}
	inFilter := make(map[string]struct{}, len(filtered))
	for _, id := range filtered {
		inFilter[id] = struct{}{}
	}
	out := resolved[:0]
	for _, id := range resolved {
		if _, ok := inFilter[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Preview resolves the target and returns up to limit target detail
// records along with the true total count. TotalCount always reflects
// the full resolution even when the sample is truncated.
func (m *PopulationManager) Preview(target PopulationTarget, limit int) (*PopulationPreview, error) {
	ids, err := m.Resolve(target)
	if err != nil {
		return nil, err
	}

	preview := &PopulationPreview{TotalCount: len(ids)}
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	preview.Truncated = limit < len(ids)

	m.mu.RLock()
	resolver := m.resolvers[target.TargetType]
	m.mu.RUnlock()

	preview.Targets = make([]map[string]any, 0, limit)
	for _, id := range ids[:limit] {
		info := map[string]any{"id": id}
		if resolver != nil {
			details, err := resolver.TargetInfo(id)
			if err != nil {
				m.logger.Warn("target info lookup failed", "target", id, "error", err)
			} else if details != nil {
				info = details
			}
		}
		preview.Targets = append(preview.Targets, info)
	}
	return preview, nil
}

// Validate checks the target for structural problems without resolving
// it. All problems found are returned joined, not just the first.
func (m *PopulationManager) Validate(target PopulationTarget) error {
	var errs []error

	if !target.Scope.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown scope %q", ErrTargetInvalid, target.Scope))
	}

	m.mu.RLock()
	_, hasResolver := m.resolvers[target.TargetType]
	group := m.groups[target.GroupName]
	m.mu.RUnlock()

	if !hasResolver {
		errs = append(errs, fmt.Errorf("%w: %q", ErrTargetTypeUnsupported, target.TargetType))
	}

	switch target.Scope {
	case ScopeSingle:
		if len(target.TargetIDs) != 1 {
			errs = append(errs, fmt.Errorf("%w: scope single requires exactly one target id", ErrTargetInvalid))
		}
	case ScopeMultiple:
		if len(target.TargetIDs) == 0 {
			errs = append(errs, fmt.Errorf("%w: scope multiple requires at least one target id", ErrTargetInvalid))
		}
	case ScopeGroup:
		if target.GroupName == "" {
			errs = append(errs, fmt.Errorf("%w: scope group requires a group name", ErrTargetInvalid))
		} else if group == nil {
			errs = append(errs, fmt.Errorf("%w: %q", ErrGroupNotFound, target.GroupName))
		} else if group.TargetType != target.TargetType {
			errs = append(errs, fmt.Errorf("%w: group %q holds %q targets", ErrGroupTypeMismatch, target.GroupName, group.TargetType))
		}
	case ScopeFiltered:
		if len(target.Filters) == 0 {
			errs = append(errs, fmt.Errorf("%w: scope filtered requires at least one filter", ErrTargetInvalid))
		}
	}

	return errors.Join(errs...)
}

// CreateGroup stores a new named group. The name must be unused and
// the target type must have a registered resolver.
func (m *PopulationManager) CreateGroup(group PopulationGroup) error {
	if group.Name == "" {
		return fmt.Errorf("%w: group name cannot be empty", ErrTargetInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[group.Name]; exists {
		return fmt.Errorf("%w: %q", ErrGroupExists, group.Name)
	}
	if _, ok := m.resolvers[group.TargetType]; !ok {
		return fmt.Errorf("%w: %q", ErrTargetTypeUnsupported, group.TargetType)
	}
	stored := group
	m.groups[group.Name] = &stored
	m.logger.Info("population group created", "group", group.Name, "target_type", group.TargetType)
	return nil
}

// UpdateGroup replaces an existing group's definition. The target
// type cannot change.
func (m *PopulationManager) UpdateGroup(group PopulationGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.groups[group.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, group.Name)
	}
	if group.TargetType != existing.TargetType {
		return fmt.Errorf("%w: group %q is for %q", ErrGroupTypeMismatch, group.Name, existing.TargetType)
	}
	stored := group
	m.groups[group.Name] = &stored
	return nil
}

// DeleteGroup removes a named group.
func (m *PopulationManager) DeleteGroup(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[name]; !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	delete(m.groups, name)
	return nil
}

// Group returns a copy of the named group.
func (m *PopulationManager) Group(name string) (PopulationGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groups[name]
	if !ok {
		return PopulationGroup{}, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	return *group, nil
}

// Groups lists all groups sorted by name.
func (m *PopulationManager) Groups() []PopulationGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PopulationGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddGroupMembers appends IDs to a group, skipping duplicates.
func (m *PopulationManager) AddGroupMembers(name string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	existing := make(map[string]struct{}, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		existing[id] = struct{}{}
	}
	for _, id := range ids {
		if _, dup := existing[id]; !dup {
			existing[id] = struct{}{}
			group.MemberIDs = append(group.MemberIDs, id)
		}
	}
	return nil
}

// RemoveGroupMembers strips IDs from a group.
func (m *PopulationManager) RemoveGroupMembers(name string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := group.MemberIDs[:0]
	for _, id := range group.MemberIDs {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	group.MemberIDs = kept
	return nil
}
