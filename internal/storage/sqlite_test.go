package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsSchema(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='seen_callbacks';").Scan(&name))

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode;").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	for i := range 2 {
		db, err := OpenSQLite(context.Background(), dbPath)
		require.NoError(t, err, "open %d", i)
		_, err = db.Exec("INSERT OR IGNORE INTO seen_callbacks(dedupe_key, msg_type, from_user, first_seen, expires_at) VALUES ('k', 'text', 'u', 1, 2);")
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}
