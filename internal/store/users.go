// ABOUTME: User account persistence on SQLite
// ABOUTME: Covers first-admin bootstrap, lookups, updates, and last-admin protection

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var _ UserStore = (*SQLiteStore)(nil)

const userColumns = `id, username, password_hash, is_admin, require_password_change,
	ha_url, ha_token, otp_secret, otp_enabled, otp_backup_codes, created_at, updated_at`

// ErrAdminExists is returned by CreateFirstUser once an admin is present.
var ErrAdminExists = errors.New("an admin user already exists")

// CreateUser inserts a new user and sets u.ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	return s.insertUser(ctx, s.db, u)
}

// CreateFirstUser inserts u as an admin in the same transaction that checks
// no admin exists, so two concurrent registrations cannot both become admin.
func (s *SQLiteStore) CreateFirstUser(ctx context.Context, u *User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var admins int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&admins); err != nil {
		return fmt.Errorf("counting admins: %w", err)
	}
	if admins > 0 {
		return ErrAdminExists
	}

	u.IsAdmin = true
	if err := s.insertUser(ctx, tx, u); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing first user: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertUser(ctx context.Context, db execer, u *User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}

	codes, err := marshalCodes(u.OTPBackupCodes)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, is_admin, require_password_change,
			ha_url, ha_token, otp_secret, otp_enabled, otp_backup_codes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		u.Username,
		u.PasswordHash,
		boolToInt(u.IsAdmin),
		boolToInt(u.RequirePasswordChange),
		u.HAURL,
		u.HAToken,
		u.OTPSecret,
		boolToInt(u.OTPEnabled),
		codes,
		formatTime(u.CreatedAt),
		formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	u.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}

	s.logger.Debug("created user", "id", u.ID, "username", u.Username, "admin", u.IsAdmin)
	return nil
}

func marshalCodes(codes []string) (string, error) {
	if codes == nil {
		codes = []string{}
	}
	data, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("marshaling backup codes: %w", err)
	}
	return string(data), nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var isAdmin, requireChange, otpEnabled int
	var codesJSON, createdAt, updatedAt string

	if err := row.Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&isAdmin,
		&requireChange,
		&u.HAURL,
		&u.HAToken,
		&u.OTPSecret,
		&otpEnabled,
		&codesJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	u.IsAdmin = isAdmin == 1
	u.RequirePasswordChange = requireChange == 1
	u.OTPEnabled = otpEnabled == 1

	if codesJSON != "" {
		if err := json.Unmarshal([]byte(codesJSON), &u.OTPBackupCodes); err != nil {
			return nil, fmt.Errorf("unmarshaling backup codes: %w", err)
		}
	}

	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &u, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by username: %w", err)
	}
	return u, nil
}

// SetUserPassword replaces only the password hash and the forced-change flag.
func (s *SQLiteStore) SetUserPassword(ctx context.Context, id int64, hash string, requireChange bool) error {
	return s.updateUserColumns(ctx, id, "updating password",
		`UPDATE users SET password_hash = ?, require_password_change = ?, updated_at = ? WHERE id = ?`,
		hash, boolToInt(requireChange), formatTime(time.Now()), id)
}

// SetUserHAConfig replaces only the Home Assistant URL and sealed token.
func (s *SQLiteStore) SetUserHAConfig(ctx context.Context, id int64, url, sealedToken string) error {
	return s.updateUserColumns(ctx, id, "updating home assistant config",
		`UPDATE users SET ha_url = ?, ha_token = ?, updated_at = ? WHERE id = ?`,
		url, sealedToken, formatTime(time.Now()), id)
}

// SetUserOTP replaces only the OTP secret, flag and backup code hashes.
func (s *SQLiteStore) SetUserOTP(ctx context.Context, id int64, sealedSecret string, enabled bool, backupCodes []string) error {
	codes, err := marshalCodes(backupCodes)
	if err != nil {
		return err
	}
	return s.updateUserColumns(ctx, id, "updating otp",
		`UPDATE users SET otp_secret = ?, otp_enabled = ?, otp_backup_codes = ?, updated_at = ? WHERE id = ?`,
		sealedSecret, boolToInt(enabled), codes, formatTime(time.Now()), id)
}

func (s *SQLiteStore) updateUserColumns(ctx context.Context, id int64, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeBackupCode removes hash from the user's unused backup codes in
// one transaction. ErrNotFound means the user is gone or the code was
// already used.
func (s *SQLiteStore) ConsumeBackupCode(ctx context.Context, userID int64, hash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var codesJSON string
	err = tx.QueryRowContext(ctx, `SELECT otp_backup_codes FROM users WHERE id = ?`, userID).Scan(&codesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying backup codes: %w", err)
	}

	var codes []string
	if err := json.Unmarshal([]byte(codesJSON), &codes); err != nil {
		return fmt.Errorf("decoding backup codes: %w", err)
	}
	remaining, ok := removeCode(codes, hash)
	if !ok {
		return ErrNotFound
	}

	data, err := marshalCodes(remaining)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET otp_backup_codes = ?, updated_at = ? WHERE id = ?`,
		data, formatTime(time.Now()), userID,
	); err != nil {
		return fmt.Errorf("updating backup codes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing backup code use: %w", err)
	}
	return nil
}

// removeCode returns codes without hash, and whether hash was present.
func removeCode(codes []string, hash string) ([]string, bool) {
	for i, c := range codes {
		if c == hash {
			remaining := make([]string, 0, len(codes)-1)
			remaining = append(remaining, codes[:i]...)
			return append(remaining, codes[i+1:]...), true
		}
	}
	return codes, false
}

// ListUsers returns all users ordered by ID.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// CountAdmins returns the number of admin users.
func (s *SQLiteStore) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}

// SetUserAdmin grants or removes admin status.
// Removing it from the only admin returns ErrLastAdmin.
func (s *SQLiteStore) SetUserAdmin(ctx context.Context, id int64, isAdmin bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := txUserIsAdmin(ctx, tx, id)
	if err != nil {
		return err
	}

	if current && !isAdmin {
		if err := txEnsureOtherAdmin(ctx, tx); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET is_admin = ?, updated_at = ? WHERE id = ?`,
		boolToInt(isAdmin), formatTime(time.Now()), id,
	); err != nil {
		return fmt.Errorf("updating admin flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing admin flag: %w", err)
	}

	s.logger.Info("user admin status changed", "id", id, "admin", isAdmin)
	return nil
}

// DeleteUser removes a user. Entities, share links, grants in both
// directions, refresh tokens and passkeys are removed by cascade.
// Deleting the only admin returns ErrLastAdmin.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	isAdmin, err := txUserIsAdmin(ctx, tx, id)
	if err != nil {
		return err
	}
	if isAdmin {
		if err := txEnsureOtherAdmin(ctx, tx); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user delete: %w", err)
	}

	s.logger.Info("deleted user", "id", id)
	return nil
}

func txUserIsAdmin(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var isAdmin int
	err := tx.QueryRowContext(ctx, `SELECT is_admin FROM users WHERE id = ?`, id).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying user: %w", err)
	}
	return isAdmin == 1, nil
}

func txEnsureOtherAdmin(ctx context.Context, tx *sql.Tx) error {
	var admins int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&admins); err != nil {
		return fmt.Errorf("counting admins: %w", err)
	}
	if admins <= 1 {
		return ErrLastAdmin
	}
	return nil
}
