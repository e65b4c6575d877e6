// Package auth issues and verifies bearer tokens, authenticates credentials
// against the credential store and enforces role checks.
package auth

import "fmt"

// Role is the caller's privilege level.
type Role string

const (
	RoleStandard Role = "standard"
	RoleAdmin    Role = "admin"
)

// Satisfies reports whether r meets needed. Admin satisfies every role.
func (r Role) Satisfies(needed Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == needed
}

// ParseRole accepts "standard" or "admin".
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleStandard, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// RoleFromAdminFlag maps the credential store's is_admin column to a Role.
func RoleFromAdminFlag(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleStandard
}

// Identity is an authenticated caller. It is never built from token claims
// alone; the role always comes from the credential store.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}
