// Package migrate applies the embedded schema migrations with golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/defiant4/organization-management-service/migrations"
)

// Manager runs migrations from an fs.FS against one database URL.
type Manager struct {
	source fs.FS
	dir    string
	url    string
	logger *slog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithSource overrides the embedded migrations.
func WithSource(fsys fs.FS, dir string) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.source = fsys
			m.dir = dir
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager for a postgres:// database URL.
func NewManager(databaseURL string, opts ...Option) *Manager {
	m := &Manager{
		source: migrations.FS,
		dir:    ".",
		url:    databaseURL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) open() (*migrate.Migrate, error) {
	src, err := iofs.New(m.source, m.dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: open source: %w", err)
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, m.url)
	if err != nil {
		return nil, fmt.Errorf("migrate: connect: %w", err)
	}
	mg.Log = logAdapter{m.logger}
	return mg, nil
}

// Up applies all pending migrations.
func (m *Manager) Up() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()
	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()
	if err := mg.Steps(-1); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, migrate.ErrNilVersion) {
			return errors.New("migrate: no migrations applied")
		}
		return fmt.Errorf("migrate: down: %w", err)
	}
	return nil
}

// Version reports the applied schema version. ok is false on an empty
// database.
func (m *Manager) Version() (version uint, dirty bool, ok bool, err error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, false, err
	}
	defer mg.Close()
	version, dirty, err = mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("migrate: version: %w", err)
	}
	return version, dirty, true, nil
}

// Latest returns the highest migration version in the source.
func (m *Manager) Latest() (uint, error) {
	src, err := iofs.New(m.source, m.dir)
	if err != nil {
		return 0, fmt.Errorf("migrate: open source: %w", err)
	}
	defer src.Close()
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("migrate: empty source: %w", err)
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}

type logAdapter struct{ l *slog.Logger }

func (a logAdapter) Printf(format string, v ...any) {
	a.l.Debug(fmt.Sprintf(format, v...), "component", "migrate")
}

func (a logAdapter) Verbose() bool { return false }
