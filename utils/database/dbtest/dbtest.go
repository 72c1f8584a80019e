// Package dbtest opens throwaway migrated SQLite databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"discord-automod/utils/database"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// DSN returns a SQLite DSN for a fresh file under the test's temp dir.
func DSN(t testing.TB) string {
	path := filepath.Join(t.TempDir(), "automod.db")
	return "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_loc=UTC"
}

// Open returns a migrated SQLite database that is closed when the test ends.
func Open(t testing.TB) *sqlx.DB {
	return OpenDSN(t, DSN(t))
}

// OpenDSN opens and migrates the database at dsn. Several handles opened on
// the same DSN behave like separate processes sharing one database.
func OpenDSN(t testing.TB, dsn string) *sqlx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(ctx, db))
	return db
}
