package token

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Signing algorithms accepted by the keyring.
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
	AlgEdDSA = "EdDSA"
)

const minHMACSecret = 32

// Key is one signing or verification key. Private material is optional for
// verification-only keys.
type Key struct {
	ID        string
	Algorithm string

	secret  []byte
	private crypto.PrivateKey
	public  crypto.PublicKey
}

// CanSign reports whether the key carries private material.
func (k Key) CanSign() bool {
	if k.Algorithm == AlgHS256 {
		return len(k.secret) > 0
	}
	return k.private != nil
}

func (k Key) method() jwt.SigningMethod {
	switch k.Algorithm {
	case AlgRS256:
		return jwt.SigningMethodRS256
	case AlgEdDSA:
		return jwt.SigningMethodEdDSA
	default:
		return jwt.SigningMethodHS256
	}
}

func (k Key) signingKey() any {
	if k.Algorithm == AlgHS256 {
		return k.secret
	}
	return k.private
}

func (k Key) verificationKey() any {
	if k.Algorithm == AlgHS256 {
		return k.secret
	}
	return k.public
}

// HMACKey builds an HS256 key. Secrets shorter than 32 bytes are rejected.
func HMACKey(id string, secret []byte) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, errors.New("token: key id is required")
	}
	if len(secret) < minHMACSecret {
		return Key{}, fmt.Errorf("token: hmac secret must be at least %d bytes", minHMACSecret)
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return Key{ID: id, Algorithm: AlgHS256, secret: cp}, nil
}

// RSAKeyFromPEM builds an RS256 key. privatePEM may be empty for a
// verification-only key; publicPEM may be empty when privatePEM is given.
func RSAKeyFromPEM(id string, privatePEM, publicPEM []byte) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, errors.New("token: key id is required")
	}
	key := Key{ID: id, Algorithm: AlgRS256}
	if len(privatePEM) > 0 {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
		if err != nil {
			return Key{}, fmt.Errorf("token: parse rsa private key: %w", err)
		}
		key.private = priv
		key.public = &priv.PublicKey
	}
	if len(publicPEM) > 0 {
		pub, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
		if err != nil {
			return Key{}, fmt.Errorf("token: parse rsa public key: %w", err)
		}
		if priv, ok := key.private.(*rsa.PrivateKey); ok && !priv.PublicKey.Equal(pub) {
			return Key{}, errors.New("token: rsa public key does not match private key")
		}
		key.public = pub
	}
	if key.public == nil {
		return Key{}, errors.New("token: rsa key material is required")
	}
	return key, nil
}

// Ed25519KeyFromPEM builds an EdDSA key, following the same optionality rules
// as RSAKeyFromPEM.
func Ed25519KeyFromPEM(id string, privatePEM, publicPEM []byte) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, errors.New("token: key id is required")
	}
	key := Key{ID: id, Algorithm: AlgEdDSA}
	if len(privatePEM) > 0 {
		raw, err := jwt.ParseEdPrivateKeyFromPEM(privatePEM)
		if err != nil {
			return Key{}, fmt.Errorf("token: parse ed25519 private key: %w", err)
		}
		priv, ok := raw.(ed25519.PrivateKey)
		if !ok {
			return Key{}, errors.New("token: not an ed25519 private key")
		}
		key.private = priv
		key.public = priv.Public()
	}
	if len(publicPEM) > 0 {
		raw, err := jwt.ParseEdPublicKeyFromPEM(publicPEM)
		if err != nil {
			return Key{}, fmt.Errorf("token: parse ed25519 public key: %w", err)
		}
		pub, ok := raw.(ed25519.PublicKey)
		if !ok {
			return Key{}, errors.New("token: not an ed25519 public key")
		}
		key.public = pub
	}
	if key.public == nil {
		return Key{}, errors.New("token: ed25519 key material is required")
	}
	return key, nil
}

// Ed25519Key wraps an in-memory ed25519 private key.
func Ed25519Key(id string, priv ed25519.PrivateKey) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(priv) != ed25519.PrivateKeySize {
		return Key{}, errors.New("token: invalid ed25519 key")
	}
	return Key{ID: id, Algorithm: AlgEdDSA, private: priv, public: priv.Public()}, nil
}

// Keyring holds the process-wide signing key and every key currently accepted
// for verification. It is immutable after construction.
type Keyring struct {
	signing Key
	verify  map[string]Key
	methods []string
}

// NewKeyring builds a keyring. The signing key is always accepted for
// verification; additional keys let tokens signed before a rotation keep
// verifying until they expire.
func NewKeyring(signing Key, verification ...Key) (*Keyring, error) {
	if !signing.CanSign() {
		return nil, errors.New("token: signing key has no private material")
	}
	kr := &Keyring{signing: signing, verify: map[string]Key{signing.ID: signing}}
	for _, k := range verification {
		if k.ID == "" {
			return nil, errors.New("token: verification key id is required")
		}
		if _, dup := kr.verify[k.ID]; dup {
			return nil, fmt.Errorf("token: duplicate key id %q", k.ID)
		}
		kr.verify[k.ID] = k
	}
	seen := map[string]struct{}{}
	for _, k := range kr.verify {
		if _, ok := seen[k.Algorithm]; ok {
			continue
		}
		seen[k.Algorithm] = struct{}{}
		kr.methods = append(kr.methods, k.Algorithm)
	}
	sort.Strings(kr.methods)
	return kr, nil
}

// SigningKeyID returns the kid stamped on newly issued tokens.
func (kr *Keyring) SigningKeyID() string { return kr.signing.ID }

// KeyIDs lists every verification key id, sorted.
func (kr *Keyring) KeyIDs() []string {
	out := make([]string, 0, len(kr.verify))
	for id := range kr.verify {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (kr *Keyring) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(kr.signing.method(), claims)
	tok.Header["kid"] = kr.signing.ID
	return tok.SignedString(kr.signing.signingKey())
}

func (kr *Keyring) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	key, ok := kr.verify[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if t.Method.Alg() != key.Algorithm {
		return nil, fmt.Errorf("algorithm %s does not match key %q", t.Method.Alg(), kid)
	}
	return key.verificationKey(), nil
}
