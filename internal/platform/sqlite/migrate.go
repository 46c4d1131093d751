package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// BuildMigrateURL builds a golang-migrate database URL for dbPath,
// normalizing path separators for Windows.
func BuildMigrateURL(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return "sqlite://" + strings.ReplaceAll(absPath, `\`, "/"), nil
}

// ApplyMigrationsFromFS applies migrations embedded in fsys to the
// database at dbPath. Safe to call repeatedly. Returns the schema
// version after the run.
func ApplyMigrationsFromFS(dbPath string, fsys fs.FS, dirName string) (uint, error) {
	databaseURL, err := BuildMigrateURL(dbPath)
	if err != nil {
		return 0, err
	}

	sourceDriver, err := iofs.New(fsys, dirName)
	if err != nil {
		return 0, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, databaseURL)
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
