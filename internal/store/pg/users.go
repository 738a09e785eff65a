package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/defiant4/organization-management-service/internal/account"
)

var _ account.UserStore = (*Store)(nil)

const userColumns = `id, email, credential_hash, status, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (account.User, error) {
	var u account.User
	var status string
	if err := row.Scan(&u.ID, &u.Email, &u.CredentialHash, &status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return account.User{}, err
	}
	u.Status = account.Status(status)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u account.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, credential_hash, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Email, u.CredentialHash, string(u.Status), u.CreatedAt, u.UpdatedAt)
	if isCode(err, codeUniqueViolation) {
		return account.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("pg: create user: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, u account.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set email = $2, credential_hash = $3, status = $4, updated_at = $5
		where id = $1
	`, u.ID, u.Email, u.CredentialHash, string(u.Status), u.UpdatedAt)
	if isCode(err, codeUniqueViolation) {
		return account.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("pg: update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (account.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return account.User{}, account.ErrNotFound
	}
	if err != nil {
		return account.User{}, fmt.Errorf("pg: user by id: %w", err)
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (account.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where lower(email) = lower($1)`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return account.User{}, account.ErrNotFound
	}
	if err != nil {
		return account.User{}, fmt.Errorf("pg: user by email: %w", err)
	}
	return u, nil
}
