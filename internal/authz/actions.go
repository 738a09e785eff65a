package authz

import (
	"fmt"
	"strings"

	"github.com/defiant4/organization-management-service/internal/org"
)

// Action is an operation checked against an organization scope.
type Action string

const (
	ActionViewOrg      Action = "view-org"
	ActionListMembers  Action = "list-members"
	ActionLeaveOrg     Action = "leave-org"
	ActionCreateSubOrg Action = "create-sub-org"
	ActionInviteMember Action = "invite-member"
	ActionChangeRole   Action = "change-role"
	ActionRemoveMember Action = "remove-member"
	ActionArchiveOrg   Action = "archive-org"
	ActionUnarchiveOrg Action = "unarchive-org"
	ActionMoveOrg      Action = "move-org"
)

var minimumRoles = map[Action]org.Role{
	ActionViewOrg:      org.RoleViewer,
	ActionListMembers:  org.RoleViewer,
	ActionLeaveOrg:     org.RoleViewer,
	ActionCreateSubOrg: org.RoleAdmin,
	ActionInviteMember: org.RoleAdmin,
	ActionChangeRole:   org.RoleAdmin,
	ActionRemoveMember: org.RoleAdmin,
	ActionArchiveOrg:   org.RoleOwner,
	ActionUnarchiveOrg: org.RoleOwner,
	ActionMoveOrg:      org.RoleOwner,
}

// MinimumRole returns the lowest role allowed to perform a.
func MinimumRole(a Action) (org.Role, bool) {
	r, ok := minimumRoles[a]
	return r, ok
}

// Actions lists every known action.
func Actions() []Action {
	return []Action{
		ActionViewOrg, ActionListMembers, ActionLeaveOrg,
		ActionCreateSubOrg, ActionInviteMember, ActionChangeRole, ActionRemoveMember,
		ActionArchiveOrg, ActionUnarchiveOrg, ActionMoveOrg,
	}
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := minimumRoles[a]; !ok {
		return "", fmt.Errorf("authz: unknown action %q", s)
	}
	return a, nil
}

// ReadOnly reports whether a stays allowed inside an archived scope.
func (a Action) ReadOnly() bool {
	switch a {
	case ActionViewOrg, ActionListMembers, ActionLeaveOrg:
		return true
	}
	return false
}

// archiveExempt reports whether a escapes the archived-scope rule. Moving is
// exempt so a descendant can be reparented out; the destination is checked
// separately with create-sub-org.
func (a Action) archiveExempt() bool {
	switch a {
	case ActionArchiveOrg, ActionUnarchiveOrg, ActionMoveOrg:
		return true
	}
	return false
}
