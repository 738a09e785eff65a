// Package org models the organization forest and the memberships that grant
// users roles inside it.
package org

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput         = errors.New("org: invalid input")
	ErrOrganizationNotFound = errors.New("org: organization not found")
	ErrMembershipNotFound   = errors.New("org: membership not found")
	ErrCycleDetected        = errors.New("org: cycle detected")
	ErrConflict             = errors.New("org: conflict")
	// ErrLastOwner guards against leaving an organization with nobody able to
	// administer it.
	ErrLastOwner = errors.New("org: last owner")
)

// Status of an organization.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Organization is one node of the forest. ParentID is empty for roots.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

func (o Organization) IsRoot() bool   { return o.ParentID == "" }
func (o Organization) Archived() bool { return o.Status == StatusArchived }

// Membership grants UserID a role at OrganizationID and, by inheritance, at
// every descendant.
type Membership struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
