// Package access composes token verification, account status, the
// organization hierarchy and the authorization engine into the single check
// request handlers call.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/authz"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/ratelimit"
	"github.com/defiant4/organization-management-service/internal/token"
)

var (
	// ErrUnauthenticated hides which token or account check failed.
	ErrUnauthenticated = errors.New("access: unauthenticated")
	ErrRateLimited     = errors.New("access: too many attempts")
)

// Tokens is the subset of the token service the facade needs.
type Tokens interface {
	Issue(subject string, attributes map[string]string, ttl time.Duration) (token.Token, error)
	Verify(raw string) (token.Claims, error)
	RevokeToken(ctx context.Context, raw string) error
}

// Accounts is the subset of the account service the facade needs.
type Accounts interface {
	Register(ctx context.Context, email, password string) (account.User, error)
	Authenticate(ctx context.Context, email, password string) (account.User, error)
	Get(ctx context.Context, userID string) (account.User, error)
	FindByEmail(ctx context.Context, email string) (account.User, error)
}

// Hierarchy is the subset of the organization hierarchy the facade needs.
type Hierarchy interface {
	Organization(orgID string) (org.Organization, error)
	CreateOrganization(ctx context.Context, name, parentID string) (org.Organization, error)
	CreateOrganizationWithOwner(ctx context.Context, name, parentID, ownerID string) (org.Organization, org.Membership, error)
}

// Authorizer decides requests.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) (authz.Decision, error)
}

// Observer receives outcome labels for metrics.
type Observer interface {
	TokenVerified(result string)
	LoginAttempt(result string)
}

type nopObserver struct{}

func (nopObserver) TokenVerified(string) {}
func (nopObserver) LoginAttempt(string)  {}

// Identity is the caller resolved by a successful check.
type Identity struct {
	UserID         string
	OrganizationID string
	Role           org.Role
	TokenID        string
	ExpiresAt      time.Time
	// TargetRole is the target's direct role when the check was made. Pass
	// it to org.Hierarchy.SetMember so the write applies to that state only.
	TargetRole org.Role
}

// Facade is the entry point for request authentication and authorization.
type Facade struct {
	tokens   Tokens
	accounts Accounts
	orgs     Hierarchy
	authz    Authorizer
	limiter  *ratelimit.Keyed
	observer Observer
	logger   *slog.Logger
}

// Option customises a Facade.
type Option func(*Facade)

func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithLoginLimiter throttles Login per email address.
func WithLoginLimiter(l *ratelimit.Keyed) Option {
	return func(f *Facade) { f.limiter = l }
}

func WithObserver(o Observer) Option {
	return func(f *Facade) {
		if o != nil {
			f.observer = o
		}
	}
}

func NewFacade(tokens Tokens, accounts Accounts, orgs Hierarchy, authorizer Authorizer, opts ...Option) *Facade {
	f := &Facade{
		tokens:   tokens,
		accounts: accounts,
		orgs:     orgs,
		authz:    authorizer,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CheckOption refines a CheckAndResolve call.
type CheckOption func(*authz.Request)

// WithTarget names the membership a role-change, removal or invite acts on.
func WithTarget(userID string, role org.Role) CheckOption {
	return func(r *authz.Request) {
		r.Target = &authz.Target{UserID: userID, Role: role}
	}
}

// Authenticate verifies raw and the account behind it without looking at any
// organization.
func (f *Facade) Authenticate(ctx context.Context, raw string) (Identity, error) {
	claims, err := f.tokens.Verify(raw)
	if err != nil {
		f.observer.TokenVerified(tokenResult(err))
		f.logger.DebugContext(ctx, "token rejected", "error", err)
		return Identity{}, ErrUnauthenticated
	}
	f.observer.TokenVerified("valid")

	u, err := f.accounts.Get(ctx, claims.Subject)
	switch {
	case errors.Is(err, account.ErrNotFound):
		return Identity{}, ErrUnauthenticated
	case err != nil:
		return Identity{}, fmt.Errorf("access: load account: %w", err)
	case !u.Active():
		f.logger.InfoContext(ctx, "suspended account presented a token", "user_id", u.ID)
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: u.ID, TokenID: claims.TokenID, ExpiresAt: claims.ExpiresAt}, nil
}

// CheckAndResolve authenticates raw and authorizes action on orgID. Failures
// are ErrUnauthenticated, org.ErrOrganizationNotFound or *authz.ForbiddenError.
func (f *Facade) CheckAndResolve(ctx context.Context, raw string, action authz.Action, orgID string, opts ...CheckOption) (Identity, error) {
	id, err := f.Authenticate(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	return f.Resolve(ctx, id, action, orgID, opts...)
}

// Resolve authorizes an already authenticated identity.
func (f *Facade) Resolve(ctx context.Context, id Identity, action authz.Action, orgID string, opts ...CheckOption) (Identity, error) {
	if _, err := f.orgs.Organization(orgID); err != nil {
		if errors.Is(err, org.ErrOrganizationNotFound) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("access: resolve organization: %w", err)
	}

	req := authz.Request{UserID: id.UserID, Action: action, OrganizationID: orgID}
	for _, opt := range opts {
		opt(&req)
	}
	d, err := f.authz.Authorize(ctx, req)
	if err != nil {
		if errors.Is(err, org.ErrOrganizationNotFound) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("access: authorize: %w", err)
	}
	if !d.Allowed {
		return Identity{}, d.Err()
	}
	id.OrganizationID = orgID
	id.Role = d.Role
	id.TargetRole = d.TargetRole
	return id, nil
}

func tokenResult(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "expired"
	case errors.Is(err, token.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "malformed"
	}
}

// Session is the result of a successful login.
type Session struct {
	Token     string       `json:"access_token"`
	TokenType string       `json:"token_type"`
	TokenID   string       `json:"-"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      account.User `json:"user"`
}

// Login authenticates email and password and issues a token.
func (f *Facade) Login(ctx context.Context, email, password string) (Session, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if f.limiter != nil && !f.limiter.Allow(key) {
		f.observer.LoginAttempt("rate_limited")
		return Session{}, ErrRateLimited
	}
	u, err := f.accounts.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, account.ErrAuthenticationFailure) {
			f.observer.LoginAttempt("failure")
		}
		return Session{}, err
	}
	sess, err := f.issue(u)
	if err != nil {
		return Session{}, err
	}
	if f.limiter != nil {
		f.limiter.Reset(key)
	}
	f.observer.LoginAttempt("success")
	f.logger.InfoContext(ctx, "login", "user_id", u.ID, "token_id", sess.TokenID)
	return sess, nil
}

func (f *Facade) issue(u account.User) (Session, error) {
	tok, err := f.tokens.Issue(u.ID, map[string]string{"email": u.Email}, 0)
	if err != nil {
		return Session{}, fmt.Errorf("access: issue token: %w", err)
	}
	return Session{Token: tok.Raw, TokenType: "bearer", TokenID: tok.ID, ExpiresAt: tok.ExpiresAt, User: u}, nil
}

// Logout revokes raw. An unusable token yields ErrUnauthenticated.
func (f *Facade) Logout(ctx context.Context, raw string) error {
	if _, err := f.Authenticate(ctx, raw); err != nil {
		return err
	}
	if err := f.tokens.RevokeToken(ctx, raw); err != nil {
		return fmt.Errorf("access: revoke token: %w", err)
	}
	return nil
}
