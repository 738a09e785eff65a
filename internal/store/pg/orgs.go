package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/defiant4/organization-management-service/internal/org"
)

var _ org.Store = (*Store)(nil)

// Load reads every organization and membership.
func (s *Store) Load(ctx context.Context) (org.Snapshot, error) {
	var snap org.Snapshot
	rows, err := s.db.QueryContext(ctx, `
		select id, name, parent_id, status, created_at, created_by, updated_at, updated_by
		from organizations
		order by created_at, id
	`)
	if err != nil {
		return org.Snapshot{}, fmt.Errorf("pg: load organizations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o org.Organization
		var parent sql.NullString
		var status string
		if err := rows.Scan(&o.ID, &o.Name, &parent, &status, &o.CreatedAt, &o.CreatedBy, &o.UpdatedAt, &o.UpdatedBy); err != nil {
			return org.Snapshot{}, fmt.Errorf("pg: scan organization: %w", err)
		}
		o.ParentID = parent.String
		o.Status = org.Status(status)
		snap.Organizations = append(snap.Organizations, o)
	}
	if err := rows.Err(); err != nil {
		return org.Snapshot{}, fmt.Errorf("pg: load organizations: %w", err)
	}

	mrows, err := s.db.QueryContext(ctx, `
		select user_id, organization_id, role, created_at, updated_at
		from memberships
		order by organization_id, user_id
	`)
	if err != nil {
		return org.Snapshot{}, fmt.Errorf("pg: load memberships: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var m org.Membership
		var role string
		if err := mrows.Scan(&m.UserID, &m.OrganizationID, &role, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return org.Snapshot{}, fmt.Errorf("pg: scan membership: %w", err)
		}
		if m.Role, err = org.ParseRole(role); err != nil {
			return org.Snapshot{}, fmt.Errorf("pg: membership %s@%s: %w", m.UserID, m.OrganizationID, err)
		}
		snap.Memberships = append(snap.Memberships, m)
	}
	if err := mrows.Err(); err != nil {
		return org.Snapshot{}, fmt.Errorf("pg: load memberships: %w", err)
	}
	return snap, nil
}

// CreateOrganization inserts o and, when owner is set, its first membership
// in one transaction.
func (s *Store) CreateOrganization(ctx context.Context, o org.Organization, owner *org.Membership) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg: begin create organization: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into organizations(id, name, parent_id, status, created_at, created_by, updated_at, updated_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.Name, nullIfEmpty(o.ParentID), string(o.Status), o.CreatedAt, o.CreatedBy, o.UpdatedAt, o.UpdatedBy)
	switch {
	case isCode(err, codeUniqueViolation):
		return fmt.Errorf("%w: organization %q already exists", org.ErrConflict, o.Name)
	case isCode(err, codeForeignKeyViolation):
		return fmt.Errorf("%w: parent %s", org.ErrOrganizationNotFound, o.ParentID)
	case err != nil:
		return fmt.Errorf("pg: create organization: %w", err)
	}

	if owner != nil {
		_, err = tx.ExecContext(ctx, `
			insert into memberships(user_id, organization_id, role, created_at, updated_at)
			values ($1, $2, $3, $4, $5)
		`, owner.UserID, owner.OrganizationID, owner.Role.String(), owner.CreatedAt, owner.UpdatedAt)
		if isCode(err, codeForeignKeyViolation) {
			return fmt.Errorf("%w: unknown owner %s", org.ErrInvalidInput, owner.UserID)
		}
		if err != nil {
			return fmt.Errorf("pg: grant owner: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg: commit create organization: %w", err)
	}
	return nil
}

// SaveOrganization inserts or updates o. Name clashes surface as
// org.ErrConflict through the partial unique indexes.
func (s *Store) SaveOrganization(ctx context.Context, o org.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into organizations(id, name, parent_id, status, created_at, created_by, updated_at, updated_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (id) do update
		set name = excluded.name,
		    status = excluded.status,
		    updated_at = excluded.updated_at,
		    updated_by = excluded.updated_by
	`, o.ID, o.Name, nullIfEmpty(o.ParentID), string(o.Status), o.CreatedAt, o.CreatedBy, o.UpdatedAt, o.UpdatedBy)
	switch {
	case isCode(err, codeUniqueViolation):
		return fmt.Errorf("%w: organization %q already exists", org.ErrConflict, o.Name)
	case isCode(err, codeForeignKeyViolation):
		return fmt.Errorf("%w: parent %s", org.ErrOrganizationNotFound, o.ParentID)
	case err != nil:
		return fmt.Errorf("pg: save organization: %w", err)
	}
	return nil
}

// MoveOrganization reparents orgID in one transaction. A transaction-scoped
// advisory lock serialises concurrent moves across nodes, and the ancestry
// of the new parent is re-read inside the transaction before the update.
func (s *Store) MoveOrganization(ctx context.Context, orgID, newParentID string, at time.Time, by string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg: begin move: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, hierarchyLockKey); err != nil {
		return fmt.Errorf("pg: lock hierarchy: %w", err)
	}

	if newParentID != "" {
		var found int
		var cycle bool
		err := tx.QueryRowContext(ctx, `
			with recursive chain(id, parent_id) as (
				select id, parent_id from organizations where id = $1
				union
				select o.id, o.parent_id from organizations o join chain c on o.id = c.parent_id
			)
			select count(*), coalesce(bool_or(id = $2), false) from chain
		`, newParentID, orgID).Scan(&found, &cycle)
		if err != nil {
			return fmt.Errorf("pg: check ancestry: %w", err)
		}
		if found == 0 {
			return fmt.Errorf("%w: parent %s", org.ErrOrganizationNotFound, newParentID)
		}
		if cycle {
			return org.ErrCycleDetected
		}
	}

	res, err := tx.ExecContext(ctx, `
		update organizations
		set parent_id = $2, updated_at = $3, updated_by = $4
		where id = $1
	`, orgID, nullIfEmpty(newParentID), at, by)
	if isCode(err, codeUniqueViolation) {
		return fmt.Errorf("%w: name taken in target scope", org.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("pg: move organization: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return org.ErrOrganizationNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg: commit move: %w", err)
	}
	return nil
}

func (s *Store) SaveMembership(ctx context.Context, m org.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		insert into memberships(user_id, organization_id, role, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, organization_id) do update
		set role = excluded.role, updated_at = excluded.updated_at
	`, m.UserID, m.OrganizationID, m.Role.String(), m.CreatedAt, m.UpdatedAt)
	if isCode(err, codeForeignKeyViolation) {
		return fmt.Errorf("%w: unknown user or organization", org.ErrInvalidInput)
	}
	if err != nil {
		return fmt.Errorf("pg: save membership: %w", err)
	}
	return nil
}

func (s *Store) DeleteMembership(ctx context.Context, userID, orgID string) error {
	res, err := s.db.ExecContext(ctx, `delete from memberships where user_id = $1 and organization_id = $2`, userID, orgID)
	if err != nil {
		return fmt.Errorf("pg: delete membership: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return org.ErrMembershipNotFound
	}
	return nil
}
