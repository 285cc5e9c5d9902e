// ABOUTME: Refresh token persistence on SQLite
// ABOUTME: Stores token hashes only; supports revoke-one, revoke-all, and expiry cleanup

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ RefreshTokenStore = (*SQLiteStore)(nil)

// CreateRefreshToken stores a refresh token hash.
func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, t.TokenHash, t.UserID, formatTime(t.ExpiresAt), formatTime(t.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token by hash, expired or not.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	var expiresAt, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, expires_at, created_at
		FROM refresh_tokens WHERE token_hash = ?
	`, tokenHash).Scan(&t.TokenHash, &t.UserID, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}

	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// DeleteRefreshToken removes one token. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
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

// DeleteUserRefreshTokens removes every token belonging to a user.
func (s *SQLiteStore) DeleteUserRefreshTokens(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting user refresh tokens: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens removes tokens that expired before now.
func (s *SQLiteStore) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("cleaned up expired refresh tokens", "count", n)
	}
	return n, nil
}
