// ABOUTME: Tracked entity persistence on SQLite
// ABOUTME: Stores each user's followed Home Assistant entities and their last seen state

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var _ EntityStore = (*SQLiteStore)(nil)

const entityColumns = `id, user_id, entity_id, state, attributes, last_changed, last_updated, created_at`

// CreateEntity starts tracking an entity for a user and sets e.ID.
// Returns ErrDuplicate if the user already tracks it.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *TrackedEntity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	attrs, err := marshalAttributes(e.Attributes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (user_id, entity_id, state, attributes, last_changed, last_updated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.UserID,
		e.EntityID,
		e.State,
		attrs,
		nullTime(&e.LastChanged),
		nullTime(&e.LastUpdated),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting entity: %w", err)
	}

	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading entity id: %w", err)
	}

	s.logger.Debug("tracking entity", "user_id", e.UserID, "entity_id", e.EntityID)
	return nil
}

func marshalAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshaling attributes: %w", err)
	}
	return string(data), nil
}

func scanEntity(row rowScanner) (*TrackedEntity, error) {
	var e TrackedEntity
	var attrs, createdAt string
	var lastChanged, lastUpdated sql.NullString

	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.EntityID,
		&e.State,
		&attrs,
		&lastChanged,
		&lastUpdated,
		&createdAt,
	); err != nil {
		return nil, err
	}

	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshaling attributes: %w", err)
		}
	}

	changed, err := parseNullTime(lastChanged)
	if err != nil {
		return nil, fmt.Errorf("parsing last_changed: %w", err)
	}
	if changed != nil {
		e.LastChanged = *changed
	}
	updated, err := parseNullTime(lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("parsing last_updated: %w", err)
	}
	if updated != nil {
		e.LastUpdated = *updated
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &e, nil
}

// GetEntityByEntityID retrieves a user's tracked entity by its HA entity ID.
func (s *SQLiteStore) GetEntityByEntityID(ctx context.Context, userID int64, entityID string) (*TrackedEntity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE user_id = ? AND entity_id = ?`,
		userID, entityID,
	)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying entity: %w", err)
	}
	return e, nil
}

// ListEntities returns a user's tracked entities in the order they were added.
func (s *SQLiteStore) ListEntities(ctx context.Context, userID int64) ([]*TrackedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entities := []*TrackedEntity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}
	return entities, nil
}

// UpdateEntityState stores a fresh state snapshot for a tracked entity.
func (s *SQLiteStore) UpdateEntityState(ctx context.Context, e *TrackedEntity) error {
	attrs, err := marshalAttributes(e.Attributes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET state = ?, attributes = ?, last_changed = ?, last_updated = ?
		WHERE id = ?
	`, e.State, attrs, nullTime(&e.LastChanged), nullTime(&e.LastUpdated), e.ID)
	if err != nil {
		return fmt.Errorf("updating entity state: %w", err)
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

// DeleteEntity stops tracking an entity. Scoped to the owning user.
// Grants the owner made for that entity are removed with it.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, userID, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entityID string
	err = tx.QueryRowContext(ctx, `SELECT entity_id FROM entities WHERE id = ? AND user_id = ?`, id, userID).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying entity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM shared_entities WHERE owner_id = ? AND entity_id = ?`, userID, entityID,
	); err != nil {
		return fmt.Errorf("deleting grants for entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entity delete: %w", err)
	}

	s.logger.Debug("stopped tracking entity", "user_id", userID, "entity_id", entityID)
	return nil
}

// ListUsersWithEntities returns the IDs of users tracking at least one entity.
func (s *SQLiteStore) ListUsersWithEntities(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM entities ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying entity owners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning entity owner: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity owners: %w", err)
	}
	return ids, nil
}
