package source

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// StateStore
// =============================================================================

// StateStore persists clone and mount state in the project's state
// database, so mounts survive between invocations.
type StateStore struct {
	db *sqlx.DB
}

// NewStateStore opens (or creates) the state database and runs migrations.
func NewStateStore(dsn string) (*StateStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewSourceError("NewStateStore", "", "failed to open database", ErrStateFailed)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewSourceError("NewStateStore", "", "failed to ping database", ErrStateFailed)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewSourceError("NewStateStore", "", err.Error(), ErrStateFailed)
	}
	return &StateStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Mount State Operations
// =============================================================================

// RecordClone marks an alias as cloned, inserting the row if needed.
func (s *StateStore) RecordClone(ctx context.Context, alias, repo string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_mounts (alias, repo, mounted, cloned_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(alias) DO UPDATE SET repo = excluded.repo,
			cloned_at = excluded.cloned_at, updated_at = excluded.updated_at`,
		alias, repo, now, now)
	if err != nil {
		return NewSourceError("RecordClone", alias, err.Error(), ErrStateFailed)
	}
	return nil
}

// SetMounted flips the mounted flag for an alias. The row must exist; a
// mount always follows a recorded clone.
func (s *StateStore) SetMounted(ctx context.Context, alias string, mounted bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_mounts SET mounted = ?, updated_at = ? WHERE alias = ?`,
		mounted, now, alias)
	if err != nil {
		return NewSourceError("SetMounted", alias, err.Error(), ErrStateFailed)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return NewSourceError("SetMounted", alias, err.Error(), ErrStateFailed)
	}
	if affected == 0 {
		return NewSourceError("SetMounted", alias, "alias has never been cloned", ErrUnknownAlias)
	}
	return nil
}

// MountedAliases returns the aliases currently flagged as mounted, sorted.
func (s *StateStore) MountedAliases(ctx context.Context) ([]string, error) {
	var aliases []string
	err := s.db.SelectContext(ctx, &aliases,
		`SELECT alias FROM source_mounts WHERE mounted = 1 ORDER BY alias`)
	if err != nil {
		return nil, NewSourceError("MountedAliases", "", err.Error(), ErrStateFailed)
	}
	return aliases, nil
}

// ClonedAliases returns every alias with a recorded clone, sorted.
func (s *StateStore) ClonedAliases(ctx context.Context) ([]string, error) {
	var aliases []string
	err := s.db.SelectContext(ctx, &aliases,
		`SELECT alias FROM source_mounts ORDER BY alias`)
	if err != nil {
		return nil, NewSourceError("ClonedAliases", "", err.Error(), ErrStateFailed)
	}
	return aliases, nil
}
