// ABOUTME: Tests for SQLite store setup and migrations
// ABOUTME: Covers directory creation, versioned migrations, reopen, and driver selection

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against SQLite and the mock so both stay in step.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func mustCreateUser(t *testing.T, s Store, username string, admin bool) *User {
	t.Helper()
	u := &User{Username: username, PasswordHash: "hash", IsAdmin: admin}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestOpenSQLite_UnknownDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sqlite driver")
}

func TestMigrations_AppliedOnceAndRecorded(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	require.NoError(t, s.Close())

	// Reopening must not fail on already-present columns.
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows))
	assert.Equal(t, len(migrations), rows)
}

func TestMigrations_UpgradeUnversionedDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// A database from before versioning: otp columns already added by hand,
	// no schema_migrations table.
	db, err := sql.Open(DriverModernc, dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			require_password_change INTEGER NOT NULL DEFAULT 0,
			ha_url TEXT NOT NULL DEFAULT '',
			ha_token TEXT NOT NULL DEFAULT '',
			otp_secret TEXT NOT NULL DEFAULT '',
			otp_enabled INTEGER NOT NULL DEFAULT 0,
			otp_backup_codes TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		INSERT INTO users (username, password_hash, created_at, updated_at)
		VALUES ('legacy', 'h', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	u, err := s.GetUserByUsername(context.Background(), "legacy")
	require.NoError(t, err)
	assert.False(t, u.OTPEnabled)
	assert.Empty(t, u.OTPBackupCodes)

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNullTimeRoundTrip(t *testing.T) {
	assert.False(t, nullTime(nil).Valid)
	zero := time.Time{}
	assert.False(t, nullTime(&zero).Valid)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseNullTime(nullTime(&now))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
