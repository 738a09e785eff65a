package org

import (
	"fmt"
	"strings"
)

// Role is an ordered membership level. Comparison is plain integer ordering:
// Owner > Admin > Member > Viewer > None.
type Role int8

const (
	// RoleNone means no access. It is never stored on a membership.
	RoleNone Role = iota
	RoleViewer
	RoleMember
	RoleAdmin
	RoleOwner
)

var roleNames = [...]string{
	RoleNone:   "none",
	RoleViewer: "viewer",
	RoleMember: "member",
	RoleAdmin:  "admin",
	RoleOwner:  "owner",
}

func (r Role) String() string {
	if r < RoleNone || r > RoleOwner {
		return fmt.Sprintf("role(%d)", int8(r))
	}
	return roleNames[r]
}

// Valid reports whether r may be granted on a membership.
func (r Role) Valid() bool { return r >= RoleViewer && r <= RoleOwner }

// AtLeast reports whether r satisfies min. RoleNone never satisfies anything.
func (r Role) AtLeast(min Role) bool { return r != RoleNone && r >= min }

// Outranks reports whether r is strictly higher than other.
func (r Role) Outranks(other Role) bool { return r > other }

// MaxRole returns the higher of a and b.
func MaxRole(a, b Role) Role {
	if a > b {
		return a
	}
	return b
}

// ParseRole parses a role name case-insensitively. "none" is rejected.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for r := RoleViewer; r <= RoleOwner; r++ {
		if roleNames[r] == name {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	if strings.EqualFold(strings.TrimSpace(string(b)), roleNames[RoleNone]) {
		*r = RoleNone
		return nil
	}
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
