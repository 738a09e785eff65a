// Package config loads service settings from YAML with environment
// expansion and OMS_* overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/defiant4/organization-management-service/internal/credential"
	"github.com/defiant4/organization-management-service/internal/token"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Password PasswordConfig `yaml:"password"`
	Login    LoginConfig    `yaml:"login"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// RatePerSecond and RateBurst bound requests per client IP. Zero disables.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // empty disables the health server
}

// DatabaseConfig points at PostgreSQL. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Format string `yaml:"format"` // json or text
	Level  string `yaml:"level"`
}

type AuthConfig struct {
	Issuer         string        `yaml:"issuer"`
	Algorithm      string        `yaml:"algorithm"` // HS256, RS256 or EdDSA
	KeyID          string        `yaml:"key_id"`
	Secret         string        `yaml:"secret"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	PublicKeyFile  string        `yaml:"public_key_file"`
	Verification   []KeyConfig   `yaml:"verification_keys"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
	Leeway         time.Duration `yaml:"leeway"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// KeyConfig describes a verification-only key kept around after rotation.
type KeyConfig struct {
	ID            string `yaml:"id"`
	Algorithm     string `yaml:"algorithm"`
	Secret        string `yaml:"secret"`
	PublicKeyFile string `yaml:"public_key_file"`
}

type PasswordConfig struct {
	Algorithm   string `yaml:"algorithm"` // bcrypt or argon2id
	BcryptCost  int    `yaml:"bcrypt_cost"`
	MemoryKiB   uint32 `yaml:"argon2_memory_kib"`
	Iterations  uint32 `yaml:"argon2_iterations"`
	Parallelism uint8  `yaml:"argon2_parallelism"`
}

// LoginConfig throttles login attempts per email address.
type LoginConfig struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// Load reads path (optional) over the defaults. It does not validate; the
// serve command calls Validate before wiring anything.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			RatePerSecond:   20,
			RateBurst:       40,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Log:  LogConfig{Format: "json", Level: "info"},
		Auth: AuthConfig{
			Issuer:        "organization-management-service",
			Algorithm:     token.AlgHS256,
			KeyID:         "primary",
			AccessTTL:     token.DefaultTTL,
			MaxTTL:        token.DefaultMaxTTL,
			Leeway:        token.DefaultLeeway,
			SweepInterval: time.Minute,
		},
		Password: PasswordConfig{Algorithm: string(credential.Bcrypt)},
		Login:    LoginConfig{PerMinute: 10, Burst: 5},
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("OMS_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("OMS_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("OMS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OMS_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("OMS_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("OMS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("OMS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OMS_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("OMS_AUTH_KEY_ID"); v != "" {
		cfg.Auth.KeyID = v
	}
	if v := os.Getenv("OMS_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OMS_ACCESS_TTL: %w", err)
		}
		cfg.Auth.AccessTTL = d
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	a := c.Auth
	if a.AccessTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl must be positive"))
	}
	if a.MaxTTL < a.AccessTTL {
		errs = append(errs, errors.New("auth.max_ttl must not be below auth.access_ttl"))
	}
	if a.Leeway < 0 {
		errs = append(errs, errors.New("auth.leeway must not be negative"))
	}
	switch a.Algorithm {
	case token.AlgHS256:
		if len(a.Secret) < 32 {
			errs = append(errs, errors.New("auth.secret must be at least 32 bytes for HS256"))
		}
	case token.AlgRS256, token.AlgEdDSA:
		if a.PrivateKeyFile == "" {
			errs = append(errs, fmt.Errorf("auth.private_key_file is required for %s", a.Algorithm))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.algorithm %q not supported", a.Algorithm))
	}
	switch credential.Algorithm(c.Password.Algorithm) {
	case credential.Bcrypt, credential.Argon2id:
	default:
		errs = append(errs, fmt.Errorf("password.algorithm %q not supported", c.Password.Algorithm))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DatabaseURLForMigrate appends sslmode=disable when the URL names none.
func (c *Config) DatabaseURLForMigrate() string {
	url := c.Database.URL
	if !strings.Contains(url, "sslmode=") {
		if strings.Contains(url, "?") {
			url += "&sslmode=disable"
		} else {
			url += "?sslmode=disable"
		}
	}
	return url
}

// TokenConfig maps the auth section onto the token service.
func (c *Config) TokenConfig() token.Config {
	return token.Config{
		Issuer:     c.Auth.Issuer,
		DefaultTTL: c.Auth.AccessTTL,
		MaxTTL:     c.Auth.MaxTTL,
		Leeway:     c.Auth.Leeway,
	}
}

// HasherParams maps the password section onto credential parameters.
func (c *Config) HasherParams() credential.Params {
	return credential.Params{
		Algorithm:  credential.Algorithm(c.Password.Algorithm),
		BcryptCost: c.Password.BcryptCost,
		Argon2: credential.Argon2Params{
			Memory:      c.Password.MemoryKiB,
			Iterations:  c.Password.Iterations,
			Parallelism: c.Password.Parallelism,
		},
	}
}

// Keyring builds the signing key and every configured verification key.
func (c *Config) Keyring() (*token.Keyring, error) {
	a := c.Auth
	signing, err := loadKey(a.KeyID, a.Algorithm, a.Secret, a.PrivateKeyFile, a.PublicKeyFile)
	if err != nil {
		return nil, err
	}
	verify := make([]token.Key, 0, len(a.Verification))
	for _, kc := range a.Verification {
		k, err := loadKey(kc.ID, kc.Algorithm, kc.Secret, "", kc.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("verification key %q: %w", kc.ID, err)
		}
		verify = append(verify, k)
	}
	return token.NewKeyring(signing, verify...)
}

func loadKey(id, alg, secret, privateFile, publicFile string) (token.Key, error) {
	if alg == token.AlgHS256 {
		return token.HMACKey(id, []byte(secret))
	}
	priv, err := readOptional(privateFile)
	if err != nil {
		return token.Key{}, err
	}
	pub, err := readOptional(publicFile)
	if err != nil {
		return token.Key{}, err
	}
	switch alg {
	case token.AlgRS256:
		return token.RSAKeyFromPEM(id, priv, pub)
	case token.AlgEdDSA:
		return token.Ed25519KeyFromPEM(id, priv, pub)
	}
	return token.Key{}, fmt.Errorf("algorithm %q not supported", alg)
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return b, nil
}
