// ABOUTME: Share link persistence on SQLite
// ABOUTME: CRUD plus a transactional load-decide-persist hook for counted public access

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var _ ShareLinkStore = (*SQLiteStore)(nil)

const shareLinkColumns = `id, user_id, entity_ids, type, access_mode, max_access, access_count,
	expires_at, active, created_at, updated_at`

// CreateShareLink inserts a new share link.
func (s *SQLiteStore) CreateShareLink(ctx context.Context, l *ShareLink) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}

	ids, err := json.Marshal(l.EntityIDs)
	if err != nil {
		return fmt.Errorf("marshaling entity ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, user_id, entity_ids, type, access_mode, max_access, access_count,
			expires_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID,
		l.UserID,
		string(ids),
		string(l.Type),
		string(l.AccessMode),
		l.MaxAccess,
		nullTime(l.ExpiresAt),
		boolToInt(l.Active),
		formatTime(l.CreatedAt),
		formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting share link: %w", err)
	}

	s.logger.Debug("created share link", "id", l.ID, "user_id", l.UserID, "type", l.Type)
	return nil
}

func scanShareLink(row rowScanner) (*ShareLink, error) {
	var l ShareLink
	var ids, typ, mode, createdAt, updatedAt string
	var expiresAt sql.NullString
	var active int

	if err := row.Scan(
		&l.ID,
		&l.UserID,
		&ids,
		&typ,
		&mode,
		&l.MaxAccess,
		&l.AccessCount,
		&expiresAt,
		&active,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ids), &l.EntityIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling entity ids: %w", err)
	}
	l.Type = ShareType(typ)
	l.AccessMode = AccessMode(mode)
	l.Active = active == 1

	var err error
	if l.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &l, nil
}

// GetShareLink retrieves a share link by ID.
func (s *SQLiteStore) GetShareLink(ctx context.Context, id string) (*ShareLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE id = ?`, id)
	l, err := scanShareLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying share link: %w", err)
	}
	return l, nil
}

// ListShareLinks returns a user's share links, newest first.
func (s *SQLiteStore) ListShareLinks(ctx context.Context, userID int64) ([]*ShareLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shareLinkColumns+` FROM share_links WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying share links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	links := []*ShareLink{}
	for rows.Next() {
		l, err := scanShareLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning share link row: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating share link rows: %w", err)
	}
	return links, nil
}

// UpdateShareLink writes the owner-editable fields of l. Scoped to
// l.UserID. access_count is only ever changed by WithShareLink.
func (s *SQLiteStore) UpdateShareLink(ctx context.Context, l *ShareLink) error {
	l.UpdatedAt = time.Now().UTC()

	ids, err := json.Marshal(l.EntityIDs)
	if err != nil {
		return fmt.Errorf("marshaling entity ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE share_links
		SET entity_ids = ?, type = ?, access_mode = ?, max_access = ?,
			expires_at = ?, active = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`,
		string(ids),
		string(l.Type),
		string(l.AccessMode),
		l.MaxAccess,
		nullTime(l.ExpiresAt),
		boolToInt(l.Active),
		formatTime(l.UpdatedAt),
		l.ID,
		l.UserID,
	)
	if err != nil {
		return fmt.Errorf("updating share link: %w", err)
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

// DeleteShareLink removes a share link owned by userID.
func (s *SQLiteStore) DeleteShareLink(ctx context.Context, userID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM share_links WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting share link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted share link", "id", id, "user_id", userID)
	return nil
}

// WithShareLink loads the link, runs fn, and persists the resulting
// Active and AccessCount in one transaction. The returned link reflects
// what was stored. fn's error is returned after commit.
func (s *SQLiteStore) WithShareLink(ctx context.Context, id string, fn func(*ShareLink) error) (*ShareLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE id = ?`, id)
	l, err := scanShareLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying share link: %w", err)
	}

	beforeActive, beforeCount := l.Active, l.AccessCount
	fnErr := fn(l)

	if l.Active != beforeActive || l.AccessCount != beforeCount {
		l.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE share_links SET active = ?, access_count = ?, updated_at = ? WHERE id = ?`,
			boolToInt(l.Active), l.AccessCount, formatTime(l.UpdatedAt), l.ID,
		); err != nil {
			return nil, fmt.Errorf("recording share access: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing share access: %w", err)
		}
	}

	return l, fnErr
}
