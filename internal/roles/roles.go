package roles

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies a privilege class. Every privileged vault entrypoint names
// the role it requires in its signature by taking a Capability.
type Role int

const (
	RoleAdmin Role = iota
	RoleOracle
	RoleTreasury
	RolePauser
	RoleUpgrader
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOracle:
		return "oracle"
	case RoleTreasury:
		return "treasury"
	case RolePauser:
		return "pauser"
	case RoleUpgrader:
		return "upgrader"
	default:
		return "unknown"
	}
}

// Capability is a proven authorization for one principal to act in one role.
// It is minted by an Authority at the boundary and checked once per
// operation, so the requirement is visible in the operation signature
// instead of buried in its body.
type Capability struct {
	Principal uuid.UUID
	Role      Role
}

// PermissionError reports a missing role grant.
type PermissionError struct {
	Principal uuid.UUID
	Required  Role
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s requires role %s", e.Principal, e.Required)
}

// Authority answers role membership and mints capabilities.
type Authority interface {
	HasRole(principal uuid.UUID, role Role) bool
	Grant(principal uuid.UUID, role Role) (Capability, error)
}

// StaticAuthority is a fixed role table, loaded once at startup.
type StaticAuthority struct {
	grants map[uuid.UUID]map[Role]bool
}

func NewStaticAuthority() *StaticAuthority {
	return &StaticAuthority{grants: make(map[uuid.UUID]map[Role]bool)}
}

// Assign adds a role to a principal's grant set.
func (a *StaticAuthority) Assign(principal uuid.UUID, role Role) {
	set, ok := a.grants[principal]
	if !ok {
		set = make(map[Role]bool)
		a.grants[principal] = set
	}
	set[role] = true
}

func (a *StaticAuthority) HasRole(principal uuid.UUID, role Role) bool {
	return a.grants[principal][role]
}

func (a *StaticAuthority) Grant(principal uuid.UUID, role Role) (Capability, error) {
	if !a.HasRole(principal, role) {
		return Capability{}, &PermissionError{Principal: principal, Required: role}
	}
	return Capability{Principal: principal, Role: role}, nil
}

// Require verifies that a capability carries the needed role. Vault
// entrypoints call this once before any check or mutation.
func Require(cap Capability, role Role) error {
	if cap.Role != role {
		return &PermissionError{Principal: cap.Principal, Required: role}
	}
	return nil
}
