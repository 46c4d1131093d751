// Package sqlite provides the embedded SQLite backend used on edge
// deployments where a PostgreSQL server is not available.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DBOptions holds SQLite connection settings.
type DBOptions struct {
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	PingTimeout     time.Duration
	// WALMode enables write-ahead logging.
	WALMode bool
	// ForeignKeys enables foreign key enforcement.
	ForeignKeys bool
	// BusyTimeout is how long a statement waits on SQLITE_BUSY.
	BusyTimeout time.Duration
}

// DefaultDBOptions returns settings for the scheduler's single-writer
// usage pattern.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		PingTimeout:     5 * time.Second,
		WALMode:         true,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
	}
}

// NewDB opens the SQLite database at dbPath with default options,
// creating the parent directory if needed.
func NewDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, dbPath, DefaultDBOptions())
}

// NewDBWithOptions opens the SQLite database with the given options.
func NewDBWithOptions(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

// buildDSN encodes the pragma settings into the modernc DSN form.
func buildDSN(dbPath string, opts DBOptions) string {
	params := url.Values{}
	if opts.WALMode {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	if opts.ForeignKeys {
		params.Add("_pragma", "foreign_keys(1)")
	}
	if opts.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if len(params) == 0 {
		return dbPath
	}
	return dbPath + "?" + params.Encode()
}
