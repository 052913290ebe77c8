package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "fragments", "windows", "window_results", "backend_calls"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))
	require.NoError(t, Migrate(db, nil), "second run applies nothing")

	var versions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 5, versions)
}

func TestMigrate_WindowStatusConstraint(t *testing.T) {
	db, err := OpenWithMigrations(":memory:", nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO windows (window_id, start_at, end_at, status, updated_at) VALUES ('w', 0, 1, 'paused', 0)`)
	assert.Error(t, err, "unknown status must be rejected")
}
