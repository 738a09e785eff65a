package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/defiant4/organization-management-service/internal/access"
	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/reqctx"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type onboardRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	u, err := a.deps.Accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	ctx := reqctx.WithActor(r.Context(), u.ID)
	_ = a.deps.Audit.LogEvent(ctx, "auth.user.registered", map[string]any{"email": u.Email})
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	sess, err := a.deps.Access.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrAuthenticationFailure) || errors.Is(err, access.ErrRateLimited) {
			_ = a.deps.Audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"email":     req.Email,
				"remote_ip": clientIP(r),
				"reason":    err.Error(),
			})
		}
		a.handleError(w, r, err)
		return
	}
	ctx := reqctx.WithActor(r.Context(), sess.User.ID)
	_ = a.deps.Audit.LogEvent(ctx, "auth.login.succeeded", map[string]any{
		"token_id":   sess.TokenID,
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
		"remote_ip":  clientIP(r),
	})
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	raw := bearerFrom(r)
	id, err := a.deps.Access.Authenticate(r.Context(), raw)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.deps.Access.Logout(r.Context(), raw); err != nil {
		a.handleError(w, r, err)
		return
	}
	ctx := reqctx.WithActor(r.Context(), id.UserID)
	_ = a.deps.Audit.LogEvent(ctx, "auth.token.revoked", map[string]any{"token_id": id.TokenID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	id, err := a.deps.Access.Authenticate(r.Context(), bearerFrom(r))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ctx := reqctx.WithActor(r.Context(), id.UserID)
	if err := a.deps.Accounts.ChangePassword(ctx, id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.deps.Audit.LogEvent(ctx, "auth.password.changed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) onboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	res, err := a.deps.Access.CreateOrganizationWithOwner(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/organizations/"+res.Organization.ID)
	writeJSON(w, http.StatusCreated, res)
}
