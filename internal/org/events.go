package org

import (
	"context"
	"errors"
	"time"
)

// EventType names a hierarchy change.
type EventType string

const (
	EventOrganizationCreated    EventType = "organization.created"
	EventOrganizationMoved      EventType = "organization.moved"
	EventOrganizationArchived   EventType = "organization.archived"
	EventOrganizationUnarchived EventType = "organization.unarchived"
	EventMemberAdded            EventType = "membership.added"
	EventMemberRoleChanged      EventType = "membership.role_changed"
	EventMemberRemoved          EventType = "membership.removed"
)

// Event is the payload handed to an EventSink. Delivery is the sink's concern.
type Event struct {
	ID               string    `json:"id"`
	Type             EventType `json:"type"`
	OrganizationID   string    `json:"organization_id"`
	UserID           string    `json:"user_id,omitempty"`
	Actor            string    `json:"actor,omitempty"`
	Role             Role      `json:"role,omitempty"`
	PreviousRole     Role      `json:"previous_role,omitempty"`
	ParentID         string    `json:"parent_id,omitempty"`
	PreviousParentID string    `json:"previous_parent_id,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// EventSink receives change notifications.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// FanOut publishes to every sink and joins their errors.
type FanOut []EventSink

func (f FanOut) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
