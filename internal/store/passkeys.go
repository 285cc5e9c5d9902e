// ABOUTME: WebAuthn passkey credential persistence on SQLite
// ABOUTME: Stores credentials per user and tracks authenticator sign counts

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PasskeyCredential is a registered WebAuthn credential.
type PasskeyCredential struct {
	ID              string
	UserID          int64
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
	CreatedAt       time.Time
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore interface {
	CreatePasskey(ctx context.Context, cred *PasskeyCredential) error
	ListPasskeys(ctx context.Context, userID int64) ([]*PasskeyCredential, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error)
	UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error
	DeletePasskey(ctx context.Context, userID int64, id string) error
}

var _ PasskeyStore = (*SQLiteStore)(nil)

const passkeyColumns = `id, user_id, credential_id, public_key, attestation_type, transports, sign_count, created_at`

// CreatePasskey stores a new credential. Generates ID and CreatedAt if unset.
func (s *SQLiteStore) CreatePasskey(ctx context.Context, cred *PasskeyCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webauthn_credentials (`+passkeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cred.ID,
		cred.UserID,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		cred.Transports,
		cred.SignCount,
		formatTime(cred.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting webauthn credential: %w", err)
	}

	s.logger.Info("created passkey", "id", cred.ID, "user_id", cred.UserID)
	return nil
}

func scanPasskey(row rowScanner) (*PasskeyCredential, error) {
	var cred PasskeyCredential
	var createdAt string
	var attestation, transports sql.NullString

	if err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.CredentialID,
		&cred.PublicKey,
		&attestation,
		&transports,
		&cred.SignCount,
		&createdAt,
	); err != nil {
		return nil, err
	}

	cred.AttestationType = attestation.String
	cred.Transports = transports.String
	var err error
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cred, nil
}

// ListPasskeys returns a user's credentials, oldest first.
func (s *SQLiteStore) ListPasskeys(ctx context.Context, userID int64) ([]*PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+passkeyColumns+` FROM webauthn_credentials WHERE user_id = ? ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	creds := []*PasskeyCredential{}
	for rows.Next() {
		cred, err := scanPasskey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webauthn credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webauthn credentials: %w", err)
	}
	return creds, nil
}

// GetPasskeyByCredentialID retrieves a credential by its authenticator-assigned ID.
func (s *SQLiteStore) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error) {
	cred, err := scanPasskey(s.db.QueryRowContext(ctx,
		`SELECT `+passkeyColumns+` FROM webauthn_credentials WHERE credential_id = ?`, credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credential: %w", err)
	}
	return cred, nil
}

// UpdatePasskeySignCount records the authenticator's latest signature counter.
func (s *SQLiteStore) UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webauthn_credentials SET sign_count = ? WHERE id = ?`, signCount, id)
	if err != nil {
		return fmt.Errorf("updating webauthn sign count: %w", err)
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

// DeletePasskey removes a credential owned by userID.
func (s *SQLiteStore) DeletePasskey(ctx context.Context, userID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webauthn_credentials WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting webauthn credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted passkey", "id", id, "user_id", userID)
	return nil
}
