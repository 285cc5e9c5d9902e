// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Opens the database, creates the base schema, and applies versioned migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo driver registered by github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a store with the named driver ("sqlite" or "sqlite3").
// The schema is created if missing and pending migrations are applied.
// Parent directories are created if needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps PRAGMAs consistent and serializes writers,
	// which share-link access counting relies on.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the base tables if they don't exist.
// Columns and tables added later live in migrations.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			require_password_change INTEGER NOT NULL DEFAULT 0,
			ha_url TEXT NOT NULL DEFAULT '',
			ha_token TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token_hash TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);

		CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			entity_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '{}',
			last_changed TEXT,
			last_updated TEXT,
			created_at TEXT NOT NULL,

			UNIQUE(user_id, entity_id)
		);

		CREATE TABLE IF NOT EXISTS share_links (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			entity_ids TEXT NOT NULL,
			type TEXT NOT NULL,
			max_access INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (type IN ('permanent', 'counter', 'time'))
		);

		CREATE INDEX IF NOT EXISTS idx_share_links_user ON share_links(user_id);

		CREATE TABLE IF NOT EXISTS shared_entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			shared_with INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			access_mode TEXT NOT NULL DEFAULT 'readonly',
			created_at TEXT NOT NULL,

			UNIQUE(entity_id, owner_id, shared_with),
			CHECK (access_mode IN ('readonly', 'triggerable'))
		);

		CREATE INDEX IF NOT EXISTS idx_shared_entities_with ON shared_entities(shared_with);

		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// migration is one versioned schema change. Steps must be idempotent so a
// database that already has the change (created by hand or by an older
// unversioned build) is only recorded, not altered twice.
type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "add OTP columns to users",
		apply: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "users", "otp_secret", "TEXT NOT NULL DEFAULT ''"); err != nil {
				return err
			}
			if err := addColumnIfMissing(tx, "users", "otp_enabled", "INTEGER NOT NULL DEFAULT 0"); err != nil {
				return err
			}
			return addColumnIfMissing(tx, "users", "otp_backup_codes", "TEXT NOT NULL DEFAULT '[]'")
		},
	},
	{
		version:     2,
		description: "add access_mode to share_links",
		apply: func(tx *sql.Tx) error {
			return addColumnIfMissing(tx, "share_links", "access_mode", "TEXT NOT NULL DEFAULT 'readonly'")
		},
	},
	{
		version:     3,
		description: "create passkey and audit tables",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS webauthn_credentials (
					id TEXT PRIMARY KEY,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					credential_id BLOB UNIQUE NOT NULL,
					public_key BLOB NOT NULL,
					attestation_type TEXT,
					transports TEXT,
					sign_count INTEGER DEFAULT 0,
					created_at TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_webauthn_user ON webauthn_credentials(user_id);

				CREATE TABLE IF NOT EXISTS audit_log (
					audit_id      TEXT PRIMARY KEY,
					actor_user_id INTEGER NOT NULL,
					action        TEXT NOT NULL,
					target_type   TEXT NOT NULL,
					target_id     TEXT NOT NULL,
					ts            TEXT NOT NULL,
					detail_json   TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
			`)
			return err
		},
	},
}

// addColumnIfMissing adds a column unless pragma_table_info already lists it.
// SQLite has no ADD COLUMN IF NOT EXISTS.
func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	var exists int
	err := tx.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking %s.%s: %w", table, column, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("adding %s column to %s: %w", column, table, err)
	}
	return nil
}

// runMigrations applies every migration newer than the recorded version.
func (s *SQLiteStore) runMigrations() error {
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
			m.version, m.description, formatTime(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}

		s.logger.Info("applied migration", "version", m.version, "description", m.description)
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
// Both drivers report the same message text.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// nullTime formats an optional time for a nullable column.
func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseNullTime parses a nullable column back into an optional time.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
