package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/defiant4/organization-management-service/internal/authz"
	"github.com/defiant4/organization-management-service/internal/org"
)

// events streams hierarchy changes for the organization and its descendants
// as Server-Sent Events. The stream ends when the token expires or the
// caller loses view access.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, authz.ActionViewOrg)
	if !ok {
		return
	}
	if a.deps.Events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	ctx, cancel := context.WithDeadline(r.Context(), id.ExpiresAt)
	defer cancel()

	scope := id.OrganizationID
	ch := a.deps.Events.Subscribe(ctx, func(ev org.Event) bool {
		if ev.OrganizationID == scope {
			return true
		}
		in, err := a.deps.Orgs.IsDescendant(ev.OrganizationID, scope)
		return err == nil && in
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ping := time.NewTicker(a.keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if _, err := a.deps.Access.Resolve(ctx, id, authz.ActionViewOrg, scope); err != nil {
				a.logger.InfoContext(ctx, "event stream closed", "user_id", id.UserID, "organization_id", scope, "error", err)
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, payload)
			flusher.Flush()
		}
	}
}
