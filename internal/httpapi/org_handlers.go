package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/defiant4/organization-management-service/internal/access"
	"github.com/defiant4/organization-management-service/internal/authz"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/reqctx"
)

type createOrganizationRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

type moveRequest struct {
	ParentID string `json:"parent_id"`
}

type memberRequest struct {
	Role org.Role `json:"role"`
}

// authorize resolves the bearer token and checks action on the {orgID} of
// the route. On failure the response has been written.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, action authz.Action, opts ...access.CheckOption) (access.Identity, bool) {
	id, err := a.deps.Access.CheckAndResolve(r.Context(), bearerFrom(r), action, chi.URLParam(r, "orgID"), opts...)
	if err != nil {
		a.handleError(w, r, err)
		return access.Identity{}, false
	}
	return id, true
}

func (a *API) createOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	o, err := a.deps.Access.CreateOrganization(r.Context(), bearerFrom(r), req.Name, req.ParentID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/organizations/"+o.ID)
	writeJSON(w, http.StatusCreated, o)
}

// listOrganizations returns the root named by ?name=, or every organization
// the caller holds a direct membership in.
func (a *API) listOrganizations(w http.ResponseWriter, r *http.Request) {
	raw := bearerFrom(r)
	id, err := a.deps.Access.Authenticate(r.Context(), raw)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		o, err := a.deps.Orgs.RootByName(name)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		if _, err := a.deps.Access.Resolve(r.Context(), id, authz.ActionViewOrg, o.ID); err != nil {
			a.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
		return
	}

	memberships := a.deps.Orgs.MembershipsForUser(id.UserID)
	out := make([]org.Organization, 0, len(memberships))
	for _, m := range memberships {
		o, err := a.deps.Orgs.Organization(m.OrganizationID)
		if errors.Is(err, org.ErrOrganizationNotFound) {
			continue
		}
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		out = append(out, o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": out})
}

func (a *API) getOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionViewOrg)
	if !ok {
		return
	}
	o, err := a.deps.Orgs.Organization(id.OrganizationID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) ancestors(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionViewOrg)
	if !ok {
		return
	}
	chain, err := a.deps.Orgs.Ancestors(id.OrganizationID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ancestors": chain})
}

func (a *API) children(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionViewOrg)
	if !ok {
		return
	}
	kids, err := a.deps.Orgs.Children(id.OrganizationID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": kids})
}

// me reports the caller's effective role at the organization.
func (a *API) me(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionViewOrg)
	if !ok {
		return
	}
	resp := map[string]any{
		"user_id":         id.UserID,
		"organization_id": id.OrganizationID,
		"role":            id.Role,
	}
	if m, err := a.deps.Orgs.Membership(id.UserID, id.OrganizationID); err == nil {
		resp["direct_role"] = m.Role
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) moveOrganization(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	caller, err := a.deps.Access.Authenticate(r.Context(), bearerFrom(r))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	orgID := chi.URLParam(r, "orgID")
	if _, err := a.deps.Access.AuthorizeMove(r.Context(), caller, orgID, req.ParentID); err != nil {
		a.handleError(w, r, err)
		return
	}
	ctx := reqctx.WithActor(r.Context(), caller.UserID)
	o, err := a.deps.Orgs.MoveOrganization(ctx, orgID, strings.TrimSpace(req.ParentID))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) archiveOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionArchiveOrg)
	if !ok {
		return
	}
	o, err := a.deps.Orgs.ArchiveOrganization(reqctx.WithActor(r.Context(), id.UserID), id.OrganizationID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) unarchiveOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionUnarchiveOrg)
	if !ok {
		return
	}
	o, err := a.deps.Orgs.UnarchiveOrganization(reqctx.WithActor(r.Context(), id.UserID), id.OrganizationID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) listMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionListMembers)
	if !ok {
		return
	}
	members, err := a.deps.Orgs.Members(id.OrganizationID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// putMember invites userID when it has no membership at the organization and
// changes its role otherwise.
func (a *API) putMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if !req.Role.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "role must be viewer, member, admin or owner")
		return
	}
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")

	action := authz.ActionChangeRole
	if _, err := a.deps.Orgs.Membership(userID, orgID); errors.Is(err, org.ErrMembershipNotFound) {
		action = authz.ActionInviteMember
	}
	id, ok := a.authorize(w, r, action, access.WithTarget(userID, req.Role))
	if !ok {
		return
	}
	created := id.TargetRole == org.RoleNone
	if created {
		if _, err := a.deps.Accounts.Get(r.Context(), userID); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	m, err := a.deps.Orgs.SetMember(reqctx.WithActor(r.Context(), id.UserID), userID, orgID, req.Role, id.TargetRole)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

// deleteMember removes userID, or lets the caller leave when userID is the
// caller.
func (a *API) deleteMember(w http.ResponseWriter, r *http.Request) {
	caller, err := a.deps.Access.Authenticate(r.Context(), bearerFrom(r))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	if userID == caller.UserID {
		_, err = a.deps.Access.Resolve(r.Context(), caller, authz.ActionLeaveOrg, orgID)
	} else {
		_, err = a.deps.Access.Resolve(r.Context(), caller, authz.ActionRemoveMember, orgID, access.WithTarget(userID, org.RoleNone))
	}
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.deps.Orgs.RemoveMember(reqctx.WithActor(r.Context(), caller.UserID), userID, orgID); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
