// Package audit writes one structured line per security-relevant event.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/defiant4/organization-management-service/internal/clock"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/reqctx"
)

// Logger emits audit entries through a slog handler. It also satisfies
// org.EventSink so hierarchy changes land in the audit trail.
type Logger struct {
	log   *slog.Logger
	clock clock.Clock
}

// New returns an audit logger writing to l (slog.Default when nil).
func New(l *slog.Logger, c clock.Clock) *Logger {
	if l == nil {
		l = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	return &Logger{log: l, clock: c}
}

// LogEvent writes an audit log entry enriched with request and user context.
func (a *Logger) LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
		slog.Time("at", a.clock.Now()),
	}
	if rid := reqctx.RequestID(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if userID, ok := reqctx.Actor(ctx); ok {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	group := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		group = append(group, k, v)
	}
	attrs = append(attrs, slog.Group("fields", group...))
	a.log.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Publish records a hierarchy event.
func (a *Logger) Publish(ctx context.Context, ev org.Event) error {
	fields := map[string]any{
		"event_id":        ev.ID,
		"organization_id": ev.OrganizationID,
		"actor":           ev.Actor,
	}
	if ev.UserID != "" {
		fields["member_id"] = ev.UserID
	}
	if ev.Role != org.RoleNone {
		fields["role"] = ev.Role.String()
	}
	if ev.PreviousRole != org.RoleNone {
		fields["previous_role"] = ev.PreviousRole.String()
	}
	if ev.Type == org.EventOrganizationMoved {
		fields["parent_id"] = ev.ParentID
		fields["previous_parent_id"] = ev.PreviousParentID
	}
	return a.LogEvent(ctx, string(ev.Type), fields)
}
