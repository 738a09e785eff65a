// Package account manages user records and password authentication.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/defiant4/organization-management-service/internal/clock"
	"github.com/defiant4/organization-management-service/internal/credential"
	"github.com/defiant4/organization-management-service/internal/ids"
)

var (
	// ErrAuthenticationFailure covers unknown email, wrong password and
	// suspended accounts alike.
	ErrAuthenticationFailure = errors.New("account: authentication failed")
	ErrNotFound              = errors.New("account: not found")
	ErrConflict              = errors.New("account: email already registered")
	ErrInvalidInput          = errors.New("account: invalid input")
)

const (
	minPasswordLength = 8
	maxEmailLength    = 254
)

// Status of a user account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// User is an account. Users are never deleted; suspension is the soft
// deactivation.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	CredentialHash string    `json:"-"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (u User) Active() bool { return u.Status == StatusActive }

// UserStore persists users. Lookups return ErrNotFound; CreateUser returns
// ErrConflict when the email is taken.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, u User) error
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
}

// Revoker invalidates every outstanding token of a subject.
type Revoker interface {
	RevokeSubject(ctx context.Context, subject string) error
}

// Service implements registration, authentication and status changes.
type Service struct {
	store   UserStore
	hasher  *credential.Hasher
	revoker Revoker
	clock   clock.Clock
	logger  *slog.Logger
	newID   func() string

	dummyOnce sync.Once
	dummyHash string
}

// Option customises a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRevoker sets who is told to drop a user's tokens after a password
// change or suspension.
func WithRevoker(r Revoker) Option {
	return func(s *Service) { s.revoker = r }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewService(store UserStore, hasher *credential.Hasher, opts ...Option) *Service {
	s := &Service{
		store:  store,
		hasher: hasher,
		clock:  clock.Real(),
		logger: slog.Default(),
		newID:  ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeEmail trims and lower-cases email and checks it is a bare address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > maxEmailLength {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return email, nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if err := validatePassword(password); err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, credential.ErrPasswordTooLong) || errors.Is(err, credential.ErrEmptyPassword) {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return "", err
	}
	return hash, nil
}

// Register creates an active account.
func (s *Service) Register(ctx context.Context, email, password string) (User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	hash, err := s.hash(password)
	if err != nil {
		return User{}, err
	}
	now := s.clock.Now()
	u := User{
		ID:             s.newID(),
		Email:          email,
		CredentialHash: hash,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	s.logger.InfoContext(ctx, "user registered", "user_id", u.ID)
	return u, nil
}

// Authenticate checks email and password. Every failure, including a
// suspended account or a corrupted stored hash, is ErrAuthenticationFailure.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return User{}, ErrAuthenticationFailure
	}
	u, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.burnVerify(password)
		return User{}, ErrAuthenticationFailure
	}
	if err != nil {
		return User{}, err
	}
	ok, err := s.hasher.Verify(password, u.CredentialHash)
	if err != nil {
		s.logger.ErrorContext(ctx, "stored credential unreadable", "user_id", u.ID, "error", err)
		return User{}, ErrAuthenticationFailure
	}
	if !ok || !u.Active() {
		return User{}, ErrAuthenticationFailure
	}
	if s.hasher.NeedsRehash(u.CredentialHash) {
		s.rehash(ctx, u, password)
	}
	return u, nil
}

// burnVerify spends the same CPU as a real verification so unknown emails
// cannot be told apart by latency.
func (s *Service) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("not-a-real-password")
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(password, s.dummyHash)
	}
}

func (s *Service) rehash(ctx context.Context, u User, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.WarnContext(ctx, "rehash failed", "user_id", u.ID, "error", err)
		return
	}
	u.CredentialHash = hash
	u.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateUser(ctx, u); err != nil {
		s.logger.WarnContext(ctx, "rehash not persisted", "user_id", u.ID, "error", err)
	}
}

// ChangePassword replaces the password after checking the current one and
// revokes every token issued to the user so far.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.Verify(current, u.CredentialHash)
	if err != nil {
		s.logger.ErrorContext(ctx, "stored credential unreadable", "user_id", u.ID, "error", err)
		return ErrAuthenticationFailure
	}
	if !ok || !u.Active() {
		return ErrAuthenticationFailure
	}
	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	u.CredentialHash = hash
	u.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "password changed", "user_id", u.ID)
	return s.revokeAll(ctx, u.ID)
}

// Suspend deactivates the account and revokes its tokens.
func (s *Service) Suspend(ctx context.Context, userID string) (User, error) {
	u, err := s.setStatus(ctx, userID, StatusSuspended)
	if err != nil {
		return User{}, err
	}
	return u, s.revokeAll(ctx, u.ID)
}

// Reactivate restores a suspended account. Tokens revoked at suspension stay
// revoked.
func (s *Service) Reactivate(ctx context.Context, userID string) (User, error) {
	return s.setStatus(ctx, userID, StatusActive)
}

func (s *Service) setStatus(ctx context.Context, userID string, status Status) (User, error) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if u.Status == status {
		return u, nil
	}
	u.Status = status
	u.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return User{}, err
	}
	s.logger.InfoContext(ctx, "user status changed", "user_id", u.ID, "status", string(status))
	return u, nil
}

func (s *Service) revokeAll(ctx context.Context, userID string) error {
	if s.revoker == nil {
		return nil
	}
	if err := s.revoker.RevokeSubject(ctx, userID); err != nil {
		return fmt.Errorf("account: revoke tokens: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	return s.store.UserByID(ctx, userID)
}

func (s *Service) FindByEmail(ctx context.Context, email string) (User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	return s.store.UserByEmail(ctx, email)
}
