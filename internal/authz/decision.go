package authz

import (
	"errors"
	"fmt"

	"github.com/defiant4/organization-management-service/internal/org"
)

var (
	ErrForbidden = errors.New("authz: forbidden")
	// ErrPrivilegeEscalation refines ErrForbidden: errors.Is matches both.
	ErrPrivilegeEscalation = fmt.Errorf("%w: privilege escalation attempt", ErrForbidden)
)

// DenyReason explains a Deny decision.
type DenyReason int

const (
	ReasonNone DenyReason = iota
	ReasonUnknownAction
	ReasonNoMembership
	ReasonInsufficientRole
	ReasonPrivilegeEscalation
	ReasonArchived
	ReasonInvalidTarget
	ReasonIndeterminate
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnknownAction:
		return "unknown_action"
	case ReasonNoMembership:
		return "no_membership"
	case ReasonInsufficientRole:
		return "insufficient_role"
	case ReasonPrivilegeEscalation:
		return "privilege_escalation"
	case ReasonArchived:
		return "archived"
	case ReasonInvalidTarget:
		return "invalid_target"
	case ReasonIndeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Decision is the outcome of Authorize. The zero value denies.
type Decision struct {
	Allowed        bool
	Reason         DenyReason
	Action         Action
	UserID         string
	OrganizationID string
	// Role is the actor's effective role at the organization.
	Role     org.Role
	Required org.Role
	// TargetRole is the direct role the decision saw for the target
	// membership, or for the actor on leave-org.
	TargetRole org.Role
}

// Err returns nil for Allow and a *ForbiddenError for Deny.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ForbiddenError{Action: d.Action, OrganizationID: d.OrganizationID, Reason: d.Reason}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny(" + d.Reason.String() + ")"
}

// ForbiddenError is returned for denied requests.
type ForbiddenError struct {
	Action         Action
	OrganizationID string
	Reason         DenyReason
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("authz: %s on %s forbidden: %s", e.Action, e.OrganizationID, e.Reason)
}

func (e *ForbiddenError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return true
	case ErrPrivilegeEscalation:
		return e.Reason == ReasonPrivilegeEscalation
	}
	return false
}
