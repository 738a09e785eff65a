package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/authz"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/reqctx"
)

// RootFinder is implemented by hierarchies that can look up roots by name.
type RootFinder interface {
	RootByName(name string) (org.Organization, error)
}

// Onboarding is the result of CreateOrganizationWithOwner.
type Onboarding struct {
	Organization org.Organization `json:"organization"`
	Owner        account.User     `json:"owner"`
}

// CreateOrganizationWithOwner registers (or re-authenticates) the owner
// account, creates a root organization and grants the account Owner on it.
func (f *Facade) CreateOrganizationWithOwner(ctx context.Context, name, email, password string) (Onboarding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Onboarding{}, fmt.Errorf("%w: name is required", org.ErrInvalidInput)
	}
	if finder, ok := f.orgs.(RootFinder); ok {
		if _, err := finder.RootByName(name); err == nil {
			return Onboarding{}, fmt.Errorf("%w: organization %q already exists", org.ErrConflict, name)
		}
	}

	owner, err := f.accounts.FindByEmail(ctx, email)
	switch {
	case err == nil:
		owner, err = f.accounts.Authenticate(ctx, email, password)
		if err != nil {
			return Onboarding{}, err
		}
	case errors.Is(err, account.ErrNotFound):
		owner, err = f.accounts.Register(ctx, email, password)
		if err != nil {
			return Onboarding{}, err
		}
	default:
		return Onboarding{}, err
	}

	o, err := f.createRoot(reqctx.WithActor(ctx, owner.ID), owner.ID, name)
	if err != nil {
		return Onboarding{}, err
	}
	f.logger.InfoContext(ctx, "organization onboarded", "organization_id", o.ID, "owner_id", owner.ID)
	return Onboarding{Organization: o, Owner: owner}, nil
}

func (f *Facade) createRoot(ctx context.Context, ownerID, name string) (org.Organization, error) {
	o, _, err := f.orgs.CreateOrganizationWithOwner(ctx, name, "", ownerID)
	if err != nil {
		return org.Organization{}, err
	}
	return o, nil
}

// CreateOrganization creates a root owned by the caller, or a child of
// parentID when the caller may create-sub-org there.
func (f *Facade) CreateOrganization(ctx context.Context, raw, name, parentID string) (org.Organization, error) {
	id, err := f.Authenticate(ctx, raw)
	if err != nil {
		return org.Organization{}, err
	}
	ctx = reqctx.WithActor(ctx, id.UserID)
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return f.createRoot(ctx, id.UserID, name)
	}
	if _, err := f.Resolve(ctx, id, authz.ActionCreateSubOrg, parentID); err != nil {
		return org.Organization{}, err
	}
	return f.orgs.CreateOrganization(ctx, name, parentID)
}

// AuthorizeMove checks move-org on orgID and, unless the move makes it a
// root, create-sub-org on the new parent.
func (f *Facade) AuthorizeMove(ctx context.Context, id Identity, orgID, newParentID string) (Identity, error) {
	resolved, err := f.Resolve(ctx, id, authz.ActionMoveOrg, orgID)
	if err != nil {
		return Identity{}, err
	}
	if newParentID = strings.TrimSpace(newParentID); newParentID != "" {
		if _, err := f.Resolve(ctx, id, authz.ActionCreateSubOrg, newParentID); err != nil {
			return Identity{}, err
		}
	}
	return resolved, nil
}
