// Package credential hashes and verifies user passwords with slow, salted,
// adaptive algorithms. It owns no state beyond its immutable parameters.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentialFormat signals a stored hash that cannot be parsed.
	// It indicates data corruption, never a wrong password.
	ErrInvalidCredentialFormat = errors.New("credential: invalid credential format")
	ErrEmptyPassword           = errors.New("credential: password is empty")
	ErrPasswordTooLong         = errors.New("credential: password exceeds algorithm limit")
)

// Algorithm names a supported hashing scheme.
type Algorithm string

const (
	Bcrypt   Algorithm = "bcrypt"
	Argon2id Algorithm = "argon2id"
)

const argon2Prefix = "$argon2id$"

// Upper bounds for argon2 parameters read back from storage.
const (
	maxArgon2Memory      = 1 << 20 // KiB
	maxArgon2Iterations  = 64
	maxArgon2Parallelism = 64
	maxArgon2KeyLength   = 1024
)

// Argon2Params tunes argon2id. Memory is in KiB.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Params configures a Hasher. The zero value hashes with bcrypt at the
// library default cost.
type Params struct {
	Algorithm  Algorithm
	BcryptCost int
	Argon2     Argon2Params
}

// DefaultArgon2 mirrors the argon2id settings used for account passwords.
var DefaultArgon2 = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher hashes and verifies passwords. Safe for concurrent use.
type Hasher struct {
	params Params
}

// NewHasher validates params and returns a Hasher.
func NewHasher(params Params) (*Hasher, error) {
	if params.Algorithm == "" {
		params.Algorithm = Bcrypt
	}
	switch params.Algorithm {
	case Bcrypt:
		if params.BcryptCost == 0 {
			params.BcryptCost = bcrypt.DefaultCost
		}
		if params.BcryptCost < bcrypt.MinCost || params.BcryptCost > bcrypt.MaxCost {
			return nil, fmt.Errorf("credential: bcrypt cost %d out of range [%d,%d]", params.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
		}
	case Argon2id:
		a := &params.Argon2
		if a.Memory == 0 {
			a.Memory = DefaultArgon2.Memory
		}
		if a.Iterations == 0 {
			a.Iterations = DefaultArgon2.Iterations
		}
		if a.Parallelism == 0 {
			a.Parallelism = DefaultArgon2.Parallelism
		}
		if a.SaltLength == 0 {
			a.SaltLength = DefaultArgon2.SaltLength
		}
		if a.KeyLength == 0 {
			a.KeyLength = DefaultArgon2.KeyLength
		}
		if a.Memory > maxArgon2Memory || a.Iterations > maxArgon2Iterations || a.Parallelism > maxArgon2Parallelism || a.KeyLength > maxArgon2KeyLength {
			return nil, fmt.Errorf("credential: argon2 parameters exceed m=%d,t=%d,p=%d,key=%d", maxArgon2Memory, maxArgon2Iterations, maxArgon2Parallelism, maxArgon2KeyLength)
		}
	default:
		return nil, fmt.Errorf("credential: unsupported algorithm %q", params.Algorithm)
	}
	return &Hasher{params: params}, nil
}

// Params returns the effective parameters after defaults were applied.
func (h *Hasher) Params() Params { return h.params }

// Hash returns an encoded, salted hash of password. Two calls with the same
// password produce different encodings.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	switch h.params.Algorithm {
	case Argon2id:
		return hashArgon2(password, h.params.Argon2)
	default:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), h.params.BcryptCost)
		if err != nil {
			if errors.Is(err, bcrypt.ErrPasswordTooLong) {
				return "", ErrPasswordTooLong
			}
			return "", fmt.Errorf("credential: bcrypt: %w", err)
		}
		return string(hash), nil
	}
}

// Verify reports whether password matches the encoded hash. A wrong password
// yields (false, nil); an unparseable hash yields ErrInvalidCredentialFormat.
// The algorithm is detected from the encoding, not from the Hasher's params.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		return verifyArgon2(password, encoded)
	case isBcrypt(encoded):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrInvalidCredentialFormat, err)
		}
	default:
		return false, ErrInvalidCredentialFormat
	}
}

// NeedsRehash reports whether encoded was produced with a different algorithm
// or weaker parameters than the Hasher is configured with.
func (h *Hasher) NeedsRehash(encoded string) bool {
	switch h.params.Algorithm {
	case Argon2id:
		p, _, _, err := decodeArgon2(encoded)
		if err != nil {
			return true
		}
		want := h.params.Argon2
		return p.Memory < want.Memory || p.Iterations < want.Iterations || p.Parallelism < want.Parallelism
	default:
		if !isBcrypt(encoded) {
			return true
		}
		cost, err := bcrypt.Cost([]byte(encoded))
		if err != nil {
			return true
		}
		return cost < h.params.BcryptCost
	}
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

func hashArgon2(password string, p Argon2Params) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credential: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyArgon2(password, encoded string) (bool, error) {
	p, salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

// decodeArgon2 parses $argon2id$v=19$m=65536,t=2,p=1$<salt>$<key>.
func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, ErrInvalidCredentialFormat
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: unsupported argon2 version", ErrInvalidCredentialFormat)
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 parameters", ErrInvalidCredentialFormat)
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 parameters", ErrInvalidCredentialFormat)
	}
	if p.Memory > maxArgon2Memory || p.Iterations > maxArgon2Iterations || p.Parallelism > maxArgon2Parallelism {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 parameters out of range", ErrInvalidCredentialFormat)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 salt", ErrInvalidCredentialFormat)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > maxArgon2KeyLength {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 key", ErrInvalidCredentialFormat)
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}
