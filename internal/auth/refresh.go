// ABOUTME: Opaque refresh tokens stored as BLAKE3 hashes
// ABOUTME: Issue, validate, rotate, revoke, and sweep expired tokens

package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/2389/hearth-gateway/internal/clock"
	"github.com/2389/hearth-gateway/internal/store"
)

// DefaultRefreshTTL is used when no TTL is configured.
const DefaultRefreshTTL = 7 * 24 * time.Hour

// RefreshTokens manages refresh tokens. Raw tokens are only ever returned
// to the caller; the store sees their hash.
type RefreshTokens struct {
	store store.RefreshTokenStore
	ttl   time.Duration
	clock clock.Clock
}

// NewRefreshTokens creates a manager. A zero ttl means DefaultRefreshTTL.
func NewRefreshTokens(s store.RefreshTokenStore, ttl time.Duration, clk clock.Clock) *RefreshTokens {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RefreshTokens{store: s, ttl: ttl, clock: clk}
}

// HashRefreshToken returns the hex BLAKE3-256 digest stored for raw.
func HashRefreshToken(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue creates and stores a new refresh token for userID.
func (r *RefreshTokens) Issue(ctx context.Context, userID int64) (string, error) {
	raw, err := RandomHex(32)
	if err != nil {
		return "", err
	}
	now := r.clock.Now().UTC()
	err = r.store.CreateRefreshToken(ctx, &store.RefreshToken{
		TokenHash: HashRefreshToken(raw),
		UserID:    userID,
		ExpiresAt: now.Add(r.ttl),
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("storing refresh token: %w", err)
	}
	return raw, nil
}

// Validate returns the user id owning raw. Expired tokens are deleted and
// reported as ErrExpiredToken; unknown tokens as ErrInvalidToken.
func (r *RefreshTokens) Validate(ctx context.Context, raw string) (int64, error) {
	if raw == "" {
		return 0, ErrInvalidToken
	}
	hash := HashRefreshToken(raw)
	tok, err := r.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, fmt.Errorf("loading refresh token: %w", err)
	}
	if !r.clock.Now().Before(tok.ExpiresAt) {
		if err := r.store.DeleteRefreshToken(ctx, hash); err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("deleting expired refresh token: %w", err)
		}
		return 0, ErrExpiredToken
	}
	return tok.UserID, nil
}

// Rotate validates raw, revokes it, and issues a replacement.
func (r *RefreshTokens) Rotate(ctx context.Context, raw string) (userID int64, next string, err error) {
	userID, err = r.Validate(ctx, raw)
	if err != nil {
		return 0, "", err
	}
	if err := r.store.DeleteRefreshToken(ctx, HashRefreshToken(raw)); err != nil {
		// Lost a race with another rotation of the same token.
		if errors.Is(err, store.ErrNotFound) {
			return 0, "", ErrInvalidToken
		}
		return 0, "", fmt.Errorf("revoking refresh token: %w", err)
	}
	next, err = r.Issue(ctx, userID)
	if err != nil {
		return 0, "", err
	}
	return userID, next, nil
}

// Revoke deletes a single token. Unknown tokens are not an error.
func (r *RefreshTokens) Revoke(ctx context.Context, raw string) error {
	err := r.store.DeleteRefreshToken(ctx, HashRefreshToken(raw))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

// RevokeAll deletes every token belonging to userID.
func (r *RefreshTokens) RevokeAll(ctx context.Context, userID int64) error {
	if err := r.store.DeleteUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("revoking refresh tokens for user %d: %w", userID, err)
	}
	return nil
}

// CleanupExpired removes expired tokens and returns how many were removed.
func (r *RefreshTokens) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredRefreshTokens(ctx, r.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleaning up refresh tokens: %w", err)
	}
	return n, nil
}
