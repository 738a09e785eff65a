// Package token issues and verifies signed, expiring bearer tokens and keeps
// the revocation state that lets a token stop working before it expires.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/defiant4/organization-management-service/internal/clock"
	"github.com/defiant4/organization-management-service/internal/ids"
)

var (
	ErrTokenExpired     = errors.New("token: expired")
	ErrTokenMalformed   = errors.New("token: malformed")
	ErrTokenRevoked     = errors.New("token: revoked")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrInvalidTTL       = errors.New("token: invalid ttl")
)

// Defaults applied by NewService when Config leaves a field zero.
const (
	DefaultTTL    = 120 * time.Minute
	DefaultMaxTTL = 24 * time.Hour
	DefaultLeeway = 5 * time.Second
)

// Config tunes issuance and verification.
type Config struct {
	Issuer     string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// Leeway tolerates clock skew on issued-at only. Expiry is never
	// extended. Values below one second are raised to one second.
	Leeway time.Duration
}

// Claims is the verified content of a token.
type Claims struct {
	TokenID    string
	Subject    string
	Issuer     string
	KeyID      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Attributes map[string]string
}

// Attribute returns the named attribute or "".
func (c Claims) Attribute(name string) string {
	return c.Attributes[name]
}

// Token is a freshly issued token.
type Token struct {
	Raw       string
	ID        string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type jwtClaims struct {
	Attributes map[string]string `json:"attrs,omitempty"`
	jwt.RegisteredClaims
}

// Service issues, verifies and revokes tokens. Safe for concurrent use.
type Service struct {
	keys    *Keyring
	cfg     Config
	clock   clock.Clock
	revoked *RevocationList
	store   RevocationStore
	logger  *slog.Logger
	newID   func() string
	parser  *jwt.Parser
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRevocationStore persists revocations through store.
func WithRevocationStore(store RevocationStore) Option {
	return func(s *Service) { s.store = store }
}

// WithLogger sets the logger used for revocation events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDGenerator overrides token id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs a token service over keys.
func NewService(keys *Keyring, cfg Config, opts ...Option) (*Service, error) {
	if keys == nil {
		return nil, errors.New("token: keyring is required")
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Leeway < time.Second {
		cfg.Leeway = time.Second
	}
	if cfg.DefaultTTL < 0 || cfg.MaxTTL < 0 || cfg.DefaultTTL > cfg.MaxTTL {
		return nil, fmt.Errorf("%w: default %s exceeds max %s", ErrInvalidTTL, cfg.DefaultTTL, cfg.MaxTTL)
	}
	s := &Service{
		keys:    keys,
		cfg:     cfg,
		clock:   clock.Real(),
		revoked: NewRevocationList(),
		logger:  slog.Default(),
		newID:   ids.NewTokenID,
		parser:  jwt.NewParser(jwt.WithValidMethods(keys.methods), jwt.WithoutClaimsValidation()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Issue signs a token for subject. ttl zero selects the configured default;
// a negative ttl or one above MaxTTL is rejected.
func (s *Service) Issue(subject string, attributes map[string]string, ttl time.Duration) (Token, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Token{}, errors.New("token: subject is required")
	}
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < 0 || ttl > s.cfg.MaxTTL {
		return Token{}, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	now := s.clock.Now()
	issued := now.Truncate(time.Second)
	// A token minted in the same second as a subject-wide revocation would
	// fall under the cutoff; push it just past it.
	if cutoff, ok := s.revoked.SubjectCutoff(subject, now); ok && !issued.After(cutoff) {
		issued = cutoff.Truncate(time.Second).Add(time.Second)
	}
	expires := issued.Add(ttl)

	var attrs map[string]string
	if len(attributes) > 0 {
		attrs = make(map[string]string, len(attributes))
		for k, v := range attributes {
			attrs[k] = v
		}
	}
	id := s.newID()
	claims := jwtClaims{
		Attributes: attrs,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   subject,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	raw, err := s.keys.sign(claims)
	if err != nil {
		return Token{}, fmt.Errorf("token: sign: %w", err)
	}
	return Token{Raw: raw, ID: id, Subject: subject, IssuedAt: issued, ExpiresAt: expires}, nil
}

// Verify checks signature, structure, expiry and revocation, in that order.
func (s *Service) Verify(raw string) (Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return Claims{}, err
	}
	now := s.clock.Now()
	if claims.IssuedAt.After(now.Add(s.cfg.Leeway)) {
		return Claims{}, fmt.Errorf("%w: issued in the future", ErrTokenMalformed)
	}
	if !now.Before(claims.ExpiresAt) {
		return Claims{}, ErrTokenExpired
	}
	if s.revoked.IsRevoked(claims.TokenID, now) {
		return Claims{}, ErrTokenRevoked
	}
	if cutoff, ok := s.revoked.SubjectCutoff(claims.Subject, now); ok && !claims.IssuedAt.After(cutoff) {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

// parse verifies the signature and mandatory claims without looking at time.
func (s *Service) parse(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}
	var jc jwtClaims
	tok, err := s.parser.ParseWithClaims(raw, &jc, s.keys.keyFunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}
	if !tok.Valid {
		return Claims{}, ErrInvalidSignature
	}
	if jc.ID == "" || strings.TrimSpace(jc.Subject) == "" || jc.IssuedAt == nil || jc.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing required claims", ErrTokenMalformed)
	}
	if !jc.ExpiresAt.After(jc.IssuedAt.Time) {
		return Claims{}, fmt.Errorf("%w: expiry not after issued-at", ErrTokenMalformed)
	}
	if s.cfg.Issuer != "" && jc.Issuer != s.cfg.Issuer {
		return Claims{}, fmt.Errorf("%w: unexpected issuer %q", ErrTokenMalformed, jc.Issuer)
	}
	kid, _ := tok.Header["kid"].(string)
	return Claims{
		TokenID:    jc.ID,
		Subject:    jc.Subject,
		Issuer:     jc.Issuer,
		KeyID:      kid,
		IssuedAt:   jc.IssuedAt.Time.UTC(),
		ExpiresAt:  jc.ExpiresAt.Time.UTC(),
		Attributes: jc.Attributes,
	}, nil
}

// Revoke marks tokenID revoked. The expiry of the token is unknown here, so
// the entry is kept for MaxTTL, which outlives any token the service issues.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errors.New("token: token id is required")
	}
	now := s.clock.Now()
	return s.apply(ctx, Revocation{Kind: KindToken, Key: tokenID, ExpiresAt: now.Add(s.cfg.MaxTTL)})
}

// RevokeToken revokes a raw token until its own expiry. Revoking an already
// expired token is a no-op.
func (s *Service) RevokeToken(ctx context.Context, raw string) error {
	claims, err := s.parse(raw)
	if err != nil {
		return err
	}
	if !s.clock.Now().Before(claims.ExpiresAt) {
		return nil
	}
	return s.apply(ctx, Revocation{Kind: KindToken, Key: claims.TokenID, ExpiresAt: claims.ExpiresAt})
}

// RevokeSubject invalidates every token issued to subject up to now. Tokens
// issued afterwards are unaffected.
func (s *Service) RevokeSubject(ctx context.Context, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return errors.New("token: subject is required")
	}
	now := s.clock.Now()
	return s.apply(ctx, Revocation{Kind: KindSubject, Key: subject, Cutoff: now, ExpiresAt: now.Add(s.cfg.MaxTTL)})
}

// apply records rev in memory first so the revocation takes effect on this
// node even when persisting it fails.
func (s *Service) apply(ctx context.Context, rev Revocation) error {
	s.record(rev)
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveRevocation(ctx, rev); err != nil {
		s.logger.Error("persist revocation failed", "kind", rev.Kind, "key", rev.Key, "error", err)
		return fmt.Errorf("token: persist revocation: %w", err)
	}
	s.logger.Info("token revoked", "kind", rev.Kind, "key", rev.Key, "expires_at", rev.ExpiresAt)
	return nil
}

func (s *Service) record(rev Revocation) {
	switch rev.Kind {
	case KindSubject:
		s.revoked.RevokeSubject(rev.Key, rev.Cutoff, rev.ExpiresAt)
	default:
		s.revoked.Revoke(rev.Key, rev.ExpiresAt)
	}
}

// Restore loads still-active revocations from the configured store.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	revs, err := s.store.ActiveRevocations(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("token: load revocations: %w", err)
	}
	for _, rev := range revs {
		s.record(rev)
	}
	return len(revs), nil
}

// Sweep drops revocation entries whose tokens have all expired.
func (s *Service) Sweep() int {
	return s.revoked.Sweep(s.clock.Now())
}

// RevokedCount returns the number of live revocation entries.
func (s *Service) RevokedCount() int {
	return s.revoked.Len()
}
