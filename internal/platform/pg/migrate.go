package pg

import (
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ApplyMigrationsFromFS applies migrations embedded in fsys to the
// database. Safe to call repeatedly; an up-to-date schema is not an
// error. Returns the schema version after the run.
func ApplyMigrationsFromFS(dsn string, fsys fs.FS, dirName string) (uint, error) {
	sourceDriver, err := iofs.New(fsys, dirName)
	if err != nil {
		return 0, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		_, _ = sourceErr, dbErr
	}()

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	if dirty {
		return currentVersion, fmt.Errorf("database is in dirty state at version %d", currentVersion)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return currentVersion, fmt.Errorf("failed to apply migrations: %w", err)
	}

	finalVersion, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get final version: %w", err)
	}
	return finalVersion, nil
}
