package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/defiant4/organization-management-service/internal/reqctx"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireBearer rejects requests without a bearer token and stores the raw
// token in the context. Verification happens in the access facade.
func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err == nil && raw == "" {
			raw, err = r.URL.Query().Get("access_token"), nil
		}
		if err != nil || raw == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="oms"`)
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(reqctx.WithToken(r.Context(), raw)))
	})
}

// extractBearerToken returns "" with no error when the header is absent.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func bearerFrom(r *http.Request) string {
	raw, _ := reqctx.Token(r.Context())
	return raw
}
