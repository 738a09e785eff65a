// Package authz decides whether a user may perform an action on an
// organization, based on the effective role the hierarchy grants.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/defiant4/organization-management-service/internal/org"
)

// Directory is the read side of the organization hierarchy.
type Directory interface {
	Organization(orgID string) (org.Organization, error)
	EffectiveRole(userID, orgID string) (org.Role, error)
	ArchivedScope(orgID string) (org.Organization, bool, error)
	Membership(userID, orgID string) (org.Membership, error)
}

// Target identifies the membership an action applies to. Role is the role
// being granted by invite-member and change-role.
type Target struct {
	UserID string
	Role   org.Role
}

// Request asks whether UserID may perform Action on OrganizationID.
type Request struct {
	UserID         string
	Action         Action
	OrganizationID string
	Target         *Target
}

// Engine evaluates requests. It holds no state of its own.
type Engine struct {
	dir      Directory
	logger   *slog.Logger
	observer func(Decision)
}

// Option customises an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers fn to be called with every decision.
func WithObserver(fn func(Decision)) Option {
	return func(e *Engine) { e.observer = fn }
}

func NewEngine(dir Directory, opts ...Option) *Engine {
	e := &Engine{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize returns Allow or Deny with a reason. The error is non-nil only
// when the organization does not exist (org.ErrOrganizationNotFound) or the
// directory fails; the accompanying decision always denies.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	d, err := e.evaluate(req)
	if e.observer != nil {
		e.observer(d)
	}
	if !d.Allowed {
		e.logger.DebugContext(ctx, "authorization denied",
			"user_id", req.UserID,
			"action", string(req.Action),
			"organization_id", req.OrganizationID,
			"reason", d.Reason.String(),
		)
	}
	return d, err
}

func (e *Engine) evaluate(req Request) (Decision, error) {
	d := Decision{Action: req.Action, UserID: req.UserID, OrganizationID: req.OrganizationID}

	required, ok := MinimumRole(req.Action)
	if !ok {
		d.Reason = ReasonUnknownAction
		return d, nil
	}
	d.Required = required

	if strings.TrimSpace(req.UserID) == "" {
		d.Reason = ReasonNoMembership
		return d, nil
	}
	if _, err := e.dir.Organization(req.OrganizationID); err != nil {
		return indeterminate(d, err)
	}

	role, err := e.dir.EffectiveRole(req.UserID, req.OrganizationID)
	if err != nil {
		return indeterminate(d, err)
	}
	d.Role = role
	switch {
	case role == org.RoleNone:
		d.Reason = ReasonNoMembership
		return d, nil
	case !role.AtLeast(required):
		d.Reason = ReasonInsufficientRole
		return d, nil
	}

	if !req.Action.ReadOnly() && !req.Action.archiveExempt() {
		_, archived, err := e.dir.ArchivedScope(req.OrganizationID)
		if err != nil {
			return indeterminate(d, err)
		}
		if archived {
			d.Reason = ReasonArchived
			return d, nil
		}
	}

	target, reason, err := e.checkTarget(req, role)
	if err != nil {
		return indeterminate(d, err)
	}
	d.TargetRole = target
	if reason != ReasonNone {
		d.Reason = reason
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// checkTarget applies the membership-level rules: an actor may only touch a
// membership it strictly outranks and may never grant above its own role. It
// also returns the target's current direct role (RoleNone when absent).
func (e *Engine) checkTarget(req Request, actorRole org.Role) (org.Role, DenyReason, error) {
	switch req.Action {
	case ActionLeaveOrg:
		m, err := e.dir.Membership(req.UserID, req.OrganizationID)
		if err != nil {
			if errors.Is(err, org.ErrMembershipNotFound) {
				return org.RoleNone, ReasonInvalidTarget, nil
			}
			return org.RoleNone, ReasonIndeterminate, err
		}
		return m.Role, ReasonNone, nil
	case ActionInviteMember, ActionChangeRole, ActionRemoveMember:
	default:
		return org.RoleNone, ReasonNone, nil
	}

	t := req.Target
	if t == nil || strings.TrimSpace(t.UserID) == "" {
		return org.RoleNone, ReasonInvalidTarget, nil
	}
	if req.Action != ActionRemoveMember {
		if !t.Role.Valid() {
			return org.RoleNone, ReasonInvalidTarget, nil
		}
		if t.Role.Outranks(actorRole) {
			return org.RoleNone, ReasonPrivilegeEscalation, nil
		}
	}

	current, err := e.dir.Membership(t.UserID, req.OrganizationID)
	switch {
	case errors.Is(err, org.ErrMembershipNotFound):
		if req.Action == ActionInviteMember {
			return org.RoleNone, ReasonNone, nil
		}
		return org.RoleNone, ReasonInvalidTarget, nil
	case err != nil:
		return org.RoleNone, ReasonIndeterminate, err
	}
	if !actorRole.Outranks(current.Role) {
		return current.Role, ReasonPrivilegeEscalation, nil
	}
	return current.Role, ReasonNone, nil
}

func indeterminate(d Decision, err error) (Decision, error) {
	d.Allowed = false
	d.Reason = ReasonIndeterminate
	if errors.Is(err, org.ErrOrganizationNotFound) {
		return d, err
	}
	return d, fmt.Errorf("authz: %w", err)
}
