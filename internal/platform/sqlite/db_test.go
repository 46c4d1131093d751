package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDB_CreatesDirectoryAndFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "fledge.db")

	db, err := NewDB(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	var one int
	require.NoError(t, db.QueryRow("SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
}

func TestNewDB_WALMode(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fledge.db")

	db, err := NewDB(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestBuildDSN_Pragmas(t *testing.T) {
	dsn := buildDSN("/tmp/x.db", DBOptions{
		WALMode:     true,
		ForeignKeys: true,
		BusyTimeout: 5 * time.Second,
	})
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
	assert.Contains(t, dsn, "foreign_keys%281%29")
	assert.Contains(t, dsn, "busy_timeout%285000%29")
}

func TestBuildDSN_NoOptions(t *testing.T) {
	assert.Equal(t, "/tmp/x.db", buildDSN("/tmp/x.db", DBOptions{}))
}

func TestBuildMigrateURL(t *testing.T) {
	u, err := BuildMigrateURL("data/fledge.db")
	require.NoError(t, err)
	assert.Contains(t, u, "sqlite://")
	assert.Contains(t, u, "fledge.db")
}
