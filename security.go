package modrun

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known permission identifiers. Permissions are "resource.action"
// strings; AdminAll is a wildcard that bypasses every check.
const (
	AdminAll           = "admin.all"
	PermModuleLoad     = "module.load"
	PermModuleActivate = "module.activate"
	PermActionExecute  = "action.execute"
)

// SecurityManager answers "does actor X hold permission Y" for module
// activation and action execution. Permissions are held directly by an
// actor or inherited through role membership. This is a capability gate,
// not a security boundary: it only decides, it does not enforce isolation.
type SecurityManager struct {
	mu         sync.RWMutex
	actorPerms map[string]map[string]struct{}
	rolePerms  map[string]map[string]struct{}
	actorRoles map[string]map[string]struct{}
	logger     Logger
}

// NewSecurityManager creates an empty permission store.
func NewSecurityManager(logger Logger) *SecurityManager {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &SecurityManager{
		actorPerms: make(map[string]map[string]struct{}),
		rolePerms:  make(map[string]map[string]struct{}),
		actorRoles: make(map[string]map[string]struct{}),
		logger:     logger,
	}
}

// HasPermission reports whether the actor holds the permission, directly,
// through a role, or through the admin.all wildcard.
func (s *SecurityManager) HasPermission(actor, permission string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	direct := s.actorPerms[actor]
	if _, ok := direct[AdminAll]; ok {
		return true
	}
	if _, ok := direct[permission]; ok {
		return true
	}

	for role := range s.actorRoles[actor] {
		perms := s.rolePerms[role]
		if _, ok := perms[AdminAll]; ok {
			return true
		}
		if _, ok := perms[permission]; ok {
			return true
		}
	}

	s.logger.Debug("Permission denied", "actor", actor, "permission", permission)
	return false
}

// ActorPermissions returns every permission the actor holds, direct and
// role-inherited, sorted.
func (s *SecurityManager) ActorPermissions(actor string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for perm := range s.actorPerms[actor] {
		set[perm] = struct{}{}
	}
	for role := range s.actorRoles[actor] {
		for perm := range s.rolePerms[role] {
			set[perm] = struct{}{}
		}
	}

	perms := make([]string, 0, len(set))
	for perm := range set {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms
}

// Grant gives the actor a permission directly.
func (s *SecurityManager) Grant(actor, permission string) error {
	if err := ValidatePermission(permission); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actorPerms[actor] == nil {
		s.actorPerms[actor] = make(map[string]struct{})
	}
	s.actorPerms[actor][permission] = struct{}{}
	s.logger.Info("Granted permission", "actor", actor, "permission", permission)
	return nil
}

// Revoke removes a directly held permission from the actor.
func (s *SecurityManager) Revoke(actor, permission string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actorPerms[actor], permission)
	s.logger.Info("Revoked permission", "actor", actor, "permission", permission)
}

// CreateRole defines a role with a set of permissions, replacing any
// existing definition.
func (s *SecurityManager) CreateRole(role string, permissions []string) error {
	for _, perm := range permissions {
		if err := ValidatePermission(perm); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(permissions))
	for _, perm := range permissions {
		set[perm] = struct{}{}
	}
	s.rolePerms[role] = set
	s.logger.Info("Created role", "role", role, "permissions", len(permissions))
	return nil
}

// RolePermissions returns a role's permissions, sorted.
func (s *SecurityManager) RolePermissions(role string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]string, 0, len(s.rolePerms[role]))
	for perm := range s.rolePerms[role] {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms
}

// AssignRole adds the actor to a role.
func (s *SecurityManager) AssignRole(actor, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actorRoles[actor] == nil {
		s.actorRoles[actor] = make(map[string]struct{})
	}
	s.actorRoles[actor][role] = struct{}{}
	s.logger.Info("Assigned role", "actor", actor, "role", role)
}

// RemoveRole removes the actor from a role.
func (s *SecurityManager) RemoveRole(actor, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actorRoles[actor], role)
	s.logger.Info("Removed role", "actor", actor, "role", role)
}

// Actors lists every actor with any grant or role, sorted.
func (s *SecurityManager) Actors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for actor := range s.actorPerms {
		set[actor] = struct{}{}
	}
	for actor := range s.actorRoles {
		set[actor] = struct{}{}
	}
	actors := make([]string, 0, len(set))
	for actor := range set {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// Roles lists every defined role, sorted.
func (s *SecurityManager) Roles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make([]string, 0, len(s.rolePerms))
	for role := range s.rolePerms {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// SecurityReport summarizes the permission store.
type SecurityReport struct {
	Actors          int            `json:"actors"`
	Roles           int            `json:"roles"`
	ActorsWithAdmin int            `json:"actors_with_admin"`
	RoleSizes       map[string]int `json:"role_sizes"`
}

// Report produces a summary of the current security configuration.
func (s *SecurityManager) Report() SecurityReport {
	actors := s.Actors()
	report := SecurityReport{
		Actors:    len(actors),
		Roles:     len(s.Roles()),
		RoleSizes: make(map[string]int),
	}
	for _, actor := range actors {
		if s.HasPermission(actor, AdminAll) {
			report.ActorsWithAdmin++
		}
	}
	s.mu.RLock()
	for role, perms := range s.rolePerms {
		report.RoleSizes[role] = len(perms)
	}
	s.mu.RUnlock()
	return report
}

// ValidatePermission checks the "resource.action" format: exactly two
// non-empty segments of lowercase letters, digits and underscores.
func ValidatePermission(permission string) error {
	parts := strings.Split(permission, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: %q", ErrPermissionFormat, permission)
	}
	for _, part := range parts {
		for _, r := range part {
			valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
			if !valid {
				return fmt.Errorf("%w: %q", ErrPermissionFormat, permission)
			}
		}
	}
	return nil
}
