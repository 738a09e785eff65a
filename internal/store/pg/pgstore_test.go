package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/token"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCreateUserConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation})

	err := s.CreateUser(context.Background(), account.User{ID: "u1", Email: "a@b.c", Status: account.StatusActive})
	if !errors.Is(err, account.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUserByEmail(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "email", "credential_hash", "status", "created_at", "updated_at"}).
		AddRow("u1", "ana@example.com", "$2a$hash", "active", t0, t0)
	mock.ExpectQuery("from users where lower\\(email\\) = lower\\(\\$1\\)").
		WithArgs("Ana@Example.com").
		WillReturnRows(rows)

	u, err := s.UserByEmail(context.Background(), "Ana@Example.com")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	if u.ID != "u1" || !u.Active() || u.CredentialHash != "$2a$hash" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestUserByIDMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from users where id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.UserByID(context.Background(), "nope"); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update users").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateUser(context.Background(), account.User{ID: "u9"}); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from organizations").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "parent_id", "status", "created_at", "created_by", "updated_at", "updated_by"}).
			AddRow("acme", "Acme", nil, "active", t0, "u1", t0, "u1").
			AddRow("eng", "Eng", "acme", "archived", t0, "u1", t0, "u1"))
	mock.ExpectQuery("from memberships").WillReturnRows(
		sqlmock.NewRows([]string{"user_id", "organization_id", "role", "created_at", "updated_at"}).
			AddRow("u1", "acme", "owner", t0, t0))

	snap, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Organizations) != 2 || len(snap.Memberships) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.Organizations[0].IsRoot() || snap.Organizations[1].ParentID != "acme" || !snap.Organizations[1].Archived() {
		t.Fatalf("organizations not mapped: %+v", snap.Organizations)
	}
	if snap.Memberships[0].Role != org.RoleOwner {
		t.Fatalf("role not parsed: %v", snap.Memberships[0].Role)
	}
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from organizations").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "parent_id", "status", "created_at", "created_by", "updated_at", "updated_by"}))
	mock.ExpectQuery("from memberships").WillReturnRows(
		sqlmock.NewRows([]string{"user_id", "organization_id", "role", "created_at", "updated_at"}).
			AddRow("u1", "acme", "superuser", t0, t0))

	if _, err := s.Load(context.Background()); !errors.Is(err, org.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSaveOrganizationConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into organizations").
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation})

	err := s.SaveOrganization(context.Background(), org.Organization{ID: "o1", Name: "Acme", Status: org.StatusActive})
	if !errors.Is(err, org.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateOrganizationWithOwner(t *testing.T) {
	s, mock := newMock(t)
	o := org.Organization{ID: "o1", Name: "Acme", Status: org.StatusActive, CreatedAt: t0, CreatedBy: "u1", UpdatedAt: t0, UpdatedBy: "u1"}
	owner := &org.Membership{UserID: "u1", OrganizationID: "o1", Role: org.RoleOwner, CreatedAt: t0, UpdatedAt: t0}
	mock.ExpectBegin()
	mock.ExpectExec("insert into organizations").
		WithArgs("o1", "Acme", sqlmock.AnyArg(), "active", t0, "u1", t0, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into memberships").
		WithArgs("u1", "o1", "owner", t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CreateOrganization(context.Background(), o, owner); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
}

func TestCreateOrganizationRollsBackWithoutOwner(t *testing.T) {
	s, mock := newMock(t)
	o := org.Organization{ID: "o1", Name: "Acme", Status: org.StatusActive, CreatedAt: t0, UpdatedAt: t0}
	mock.ExpectBegin()
	mock.ExpectExec("insert into organizations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into memberships").
		WillReturnError(&pgconn.PgError{Code: codeForeignKeyViolation})
	mock.ExpectRollback()

	err := s.CreateOrganization(context.Background(), o, &org.Membership{UserID: "ghost", OrganizationID: "o1", Role: org.RoleOwner})
	if !errors.Is(err, org.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMoveOrganization(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs(hierarchyLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("with recursive chain").WithArgs("ops", "eng").
		WillReturnRows(sqlmock.NewRows([]string{"count", "cycle"}).AddRow(2, false))
	mock.ExpectExec("update organizations").
		WithArgs("eng", sqlmock.AnyArg(), t0, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.MoveOrganization(context.Background(), "eng", "ops", t0, "u1"); err != nil {
		t.Fatalf("MoveOrganization: %v", err)
	}
}

func TestMoveOrganizationCycle(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("with recursive chain").WithArgs("team", "eng").
		WillReturnRows(sqlmock.NewRows([]string{"count", "cycle"}).AddRow(3, true))
	mock.ExpectRollback()

	if err := s.MoveOrganization(context.Background(), "eng", "team", t0, "u1"); !errors.Is(err, org.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestMoveOrganizationMissingParent(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("with recursive chain").
		WillReturnRows(sqlmock.NewRows([]string{"count", "cycle"}).AddRow(0, false))
	mock.ExpectRollback()

	if err := s.MoveOrganization(context.Background(), "eng", "ghost", t0, "u1"); !errors.Is(err, org.ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestMoveToRootSkipsAncestryCheck(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update organizations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.MoveOrganization(context.Background(), "eng", "", t0, "u1"); err != nil {
		t.Fatalf("MoveOrganization: %v", err)
	}
}

func TestMembershipWrites(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into memberships").
		WithArgs("u2", "eng", "admin", t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from memberships").
		WithArgs("u2", "eng").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := s.SaveMembership(ctx, org.Membership{UserID: "u2", OrganizationID: "eng", Role: org.RoleAdmin, CreatedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatalf("SaveMembership: %v", err)
	}
	if err := s.DeleteMembership(ctx, "u2", "eng"); !errors.Is(err, org.ErrMembershipNotFound) {
		t.Fatalf("expected ErrMembershipNotFound, got %v", err)
	}
}

func TestRevocations(t *testing.T) {
	s, mock := newMock(t)
	exp := t0.Add(time.Hour)
	mock.ExpectExec("insert into token_revocations").
		WithArgs(token.KindToken, "tok-1", sqlmock.AnyArg(), exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from token_revocations").
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "key", "cutoff", "expires_at"}).
			AddRow(token.KindToken, "tok-1", nil, exp).
			AddRow(token.KindSubject, "u1", t0, exp))
	mock.ExpectExec("delete from token_revocations").
		WithArgs(t0).
		WillReturnResult(sqlmock.NewResult(0, 4))

	ctx := context.Background()
	if err := s.SaveRevocation(ctx, token.Revocation{Kind: token.KindToken, Key: "tok-1", ExpiresAt: exp}); err != nil {
		t.Fatalf("SaveRevocation: %v", err)
	}
	revs, err := s.ActiveRevocations(ctx, t0)
	if err != nil {
		t.Fatalf("ActiveRevocations: %v", err)
	}
	if len(revs) != 2 || !revs[0].Cutoff.IsZero() || !revs[1].Cutoff.Equal(t0) {
		t.Fatalf("unexpected revocations: %+v", revs)
	}
	n, err := s.PurgeRevocations(ctx, t0)
	if err != nil || n != 4 {
		t.Fatalf("PurgeRevocations = %d, %v", n, err)
	}
}
