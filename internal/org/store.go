package org

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is the full persisted state of the forest.
type Snapshot struct {
	Organizations []Organization
	Memberships   []Membership
}

// Store persists organizations and memberships. Implementations must make
// MoveOrganization atomic: the ancestry check and the reparenting happen in
// one transaction, and a move that would create a cycle fails with
// ErrCycleDetected. CreateOrganization writes the organization and, when
// owner is non-nil, its first membership in one step.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	CreateOrganization(ctx context.Context, o Organization, owner *Membership) error
	SaveOrganization(ctx context.Context, o Organization) error
	MoveOrganization(ctx context.Context, orgID, newParentID string, at time.Time, by string) error
	SaveMembership(ctx context.Context, m Membership) error
	DeleteMembership(ctx context.Context, userID, orgID string) error
}

type memberKey struct{ user, org string }

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	orgs    map[string]Organization
	members map[memberKey]Membership
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:    make(map[string]Organization),
		members: make(map[memberKey]Membership),
	}
}

func (s *MemoryStore) Load(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Organizations: make([]Organization, 0, len(s.orgs)),
		Memberships:   make([]Membership, 0, len(s.members)),
	}
	for _, o := range s.orgs {
		snap.Organizations = append(snap.Organizations, o)
	}
	for _, m := range s.members {
		snap.Memberships = append(snap.Memberships, m)
	}
	return snap, nil
}

func (s *MemoryStore) CreateOrganization(_ context.Context, o Organization, owner *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[o.ID]; ok {
		return fmt.Errorf("%w: organization %s exists", ErrConflict, o.ID)
	}
	if o.ParentID != "" {
		if _, ok := s.orgs[o.ParentID]; !ok {
			return fmt.Errorf("%w: parent %s", ErrOrganizationNotFound, o.ParentID)
		}
	}
	if owner != nil && owner.OrganizationID != o.ID {
		return fmt.Errorf("%w: owner membership for %s", ErrInvalidInput, owner.OrganizationID)
	}
	s.orgs[o.ID] = o
	if owner != nil {
		s.members[memberKey{owner.UserID, o.ID}] = *owner
	}
	return nil
}

func (s *MemoryStore) SaveOrganization(_ context.Context, o Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ParentID != "" {
		if _, ok := s.orgs[o.ParentID]; !ok {
			return fmt.Errorf("%w: parent %s", ErrOrganizationNotFound, o.ParentID)
		}
	}
	s.orgs[o.ID] = o
	return nil
}

func (s *MemoryStore) MoveOrganization(_ context.Context, orgID, newParentID string, at time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return ErrOrganizationNotFound
	}
	for cur := newParentID; cur != ""; {
		if cur == orgID {
			return ErrCycleDetected
		}
		p, ok := s.orgs[cur]
		if !ok {
			return fmt.Errorf("%w: parent %s", ErrOrganizationNotFound, cur)
		}
		cur = p.ParentID
	}
	o.ParentID = newParentID
	o.UpdatedAt = at
	o.UpdatedBy = by
	s.orgs[orgID] = o
	return nil
}

func (s *MemoryStore) SaveMembership(_ context.Context, m Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[m.OrganizationID]; !ok {
		return ErrOrganizationNotFound
	}
	s.members[memberKey{m.UserID, m.OrganizationID}] = m
	return nil
}

func (s *MemoryStore) DeleteMembership(_ context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{userID, orgID}
	if _, ok := s.members[k]; !ok {
		return ErrMembershipNotFound
	}
	delete(s.members, k)
	return nil
}
