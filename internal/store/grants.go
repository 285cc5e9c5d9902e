// ABOUTME: User-to-user entity grant persistence on SQLite
// ABOUTME: Upserts grants and lists them with owner or recipient usernames joined in

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ GrantStore = (*SQLiteStore)(nil)

const grantSelect = `
	SELECT g.id, g.entity_id, g.owner_id, g.shared_with, g.access_mode, g.created_at,
		o.username, w.username
	FROM shared_entities g
	JOIN users o ON o.id = g.owner_id
	JOIN users w ON w.id = g.shared_with
`

// UpsertSharedEntity creates a grant, or updates the access mode when the
// same (entity, owner, recipient) grant exists. Sets g.ID.
func (s *SQLiteStore) UpsertSharedEntity(ctx context.Context, g *SharedEntity) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID int64
	var createdAt string
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_at FROM shared_entities
		WHERE entity_id = ? AND owner_id = ? AND shared_with = ?
	`, g.EntityID, g.OwnerID, g.SharedWithID).Scan(&existingID, &createdAt)

	created := false
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE shared_entities SET access_mode = ? WHERE id = ?`,
			string(g.AccessMode), existingID,
		); err != nil {
			return false, fmt.Errorf("updating shared entity: %w", err)
		}
		g.ID = existingID
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return false, fmt.Errorf("parsing created_at: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if g.CreatedAt.IsZero() {
			g.CreatedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO shared_entities (entity_id, owner_id, shared_with, access_mode, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, g.EntityID, g.OwnerID, g.SharedWithID, string(g.AccessMode), formatTime(g.CreatedAt))
		if err != nil {
			return false, fmt.Errorf("inserting shared entity: %w", err)
		}
		if g.ID, err = res.LastInsertId(); err != nil {
			return false, fmt.Errorf("reading shared entity id: %w", err)
		}
		created = true
	default:
		return false, fmt.Errorf("querying shared entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing shared entity: %w", err)
	}

	s.logger.Debug("shared entity",
		"id", g.ID,
		"entity_id", g.EntityID,
		"owner", g.OwnerID,
		"shared_with", g.SharedWithID,
		"created", created,
	)
	return created, nil
}

func scanGrant(row rowScanner) (*SharedEntity, error) {
	var g SharedEntity
	var mode, createdAt string

	if err := row.Scan(
		&g.ID,
		&g.EntityID,
		&g.OwnerID,
		&g.SharedWithID,
		&mode,
		&createdAt,
		&g.OwnerUsername,
		&g.SharedWithUsername,
	); err != nil {
		return nil, err
	}

	g.AccessMode = AccessMode(mode)
	var err error
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &g, nil
}

// GetSharedEntity retrieves a grant by ID.
func (s *SQLiteStore) GetSharedEntity(ctx context.Context, id int64) (*SharedEntity, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, grantSelect+` WHERE g.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying shared entity: %w", err)
	}
	return g, nil
}

// ListSharedWith returns grants whose recipient is userID.
func (s *SQLiteStore) ListSharedWith(ctx context.Context, userID int64) ([]*SharedEntity, error) {
	return s.listGrants(ctx, grantSelect+` WHERE g.shared_with = ? ORDER BY g.id`, userID)
}

// ListSharedBy returns grants made by ownerID.
func (s *SQLiteStore) ListSharedBy(ctx context.Context, ownerID int64) ([]*SharedEntity, error) {
	return s.listGrants(ctx, grantSelect+` WHERE g.owner_id = ? ORDER BY g.id`, ownerID)
}

func (s *SQLiteStore) listGrants(ctx context.Context, query string, arg int64) ([]*SharedEntity, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying shared entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	grants := []*SharedEntity{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning shared entity row: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating shared entity rows: %w", err)
	}
	return grants, nil
}

// DeleteSharedEntity removes a grant made by ownerID.
func (s *SQLiteStore) DeleteSharedEntity(ctx context.Context, ownerID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shared_entities WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting shared entity: %w", err)
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
