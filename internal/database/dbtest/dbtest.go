// Package dbtest opens throwaway migrated SQLite databases for tests.
package dbtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/expert-settlement/internal/database"
)

// New returns a migrated database in a fresh temp file.  The file is
// shared by every connection in the pool, so concurrent transactions
// contend on it the way they would on a server.
func New(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.db")
	db, err := database.Open(database.Options{Driver: database.DriverSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db, database.DriverSQLite))
	return db
}
