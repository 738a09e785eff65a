package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/defiant4/organization-management-service/internal/access"
	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/authz"
	"github.com/defiant4/organization-management-service/internal/credential"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/reqctx"
	"github.com/defiant4/organization-management-service/internal/token"
)

type errorEnvelope struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{
		Error:     errorDetail{Code: code, Message: msg},
		RequestID: reqctx.RequestID(r.Context()),
	})
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps domain errors onto statuses. Authentication failures never
// say which check failed.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var forbidden *authz.ForbiddenError
	switch {
	case errors.Is(err, access.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
	case errors.Is(err, account.ErrAuthenticationFailure):
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, access.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many attempts")
	case errors.As(err, &forbidden):
		code := "forbidden"
		if forbidden.Reason == authz.ReasonPrivilegeEscalation {
			code = "privilege_escalation"
		}
		writeError(w, r, http.StatusForbidden, code, forbidden.Error())
	case errors.Is(err, authz.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, org.ErrOrganizationNotFound):
		writeError(w, r, http.StatusNotFound, "organization_not_found", "organization not found")
	case errors.Is(err, org.ErrMembershipNotFound):
		writeError(w, r, http.StatusNotFound, "membership_not_found", "membership not found")
	case errors.Is(err, account.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "user_not_found", "user not found")
	case errors.Is(err, org.ErrCycleDetected):
		writeError(w, r, http.StatusConflict, "cycle_detected", err.Error())
	case errors.Is(err, org.ErrLastOwner):
		writeError(w, r, http.StatusConflict, "last_owner", err.Error())
	case errors.Is(err, org.ErrConflict), errors.Is(err, account.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, org.ErrInvalidInput),
		errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, credential.ErrEmptyPassword),
		errors.Is(err, credential.ErrPasswordTooLong),
		errors.Is(err, token.ErrInvalidTTL):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		a.logger.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
