// ABOUTME: Audit log entity and store methods for tracking account and sharing actions
// ABOUTME: Records who did what to which resource for admins to review

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRegisterUser     AuditAction = "register_user"
	AuditCreateUser       AuditAction = "create_user"
	AuditDeleteUser       AuditAction = "delete_user"
	AuditSetAdmin         AuditAction = "set_admin"
	AuditChangePassword   AuditAction = "change_password"
	AuditResetPassword    AuditAction = "reset_password"
	AuditEnableOTP        AuditAction = "enable_otp"
	AuditDisableOTP       AuditAction = "disable_otp"
	AuditConfigureHA      AuditAction = "configure_ha"
	AuditCreateShareLink  AuditAction = "create_share_link"
	AuditUpdateShareLink  AuditAction = "update_share_link"
	AuditDeleteShareLink  AuditAction = "delete_share_link"
	AuditTriggerShareLink AuditAction = "trigger_share_link"
	AuditShareEntity      AuditAction = "share_entity"
	AuditUnshareEntity    AuditAction = "unshare_entity"
	AuditTriggerGrant     AuditAction = "trigger_grant"
	AuditRegisterPasskey  AuditAction = "register_passkey"
	AuditDeletePasskey    AuditAction = "delete_passkey"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID          string         // UUID v4
	ActorUserID int64          // who performed the action; 0 for anonymous share-link visitors
	Action      AuditAction    // what action was performed
	TargetType  string         // "user", "share_link", "shared_entity", "passkey"
	TargetID    string         // ID of the affected resource
	Timestamp   time.Time      // when it happened
	Detail      map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since       *time.Time
	Until       *time.Time
	ActorUserID *int64
	Action      *AuditAction
	TargetType  *string
	TargetID    *string
	Limit       int // default 100, max 1000
}

// AuditStore persists the audit log.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

var _ AuditStore = (*SQLiteStore)(nil)

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_user_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.ActorUserID,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorUserID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func scanAuditEntry(row rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var action, ts string
	var detailJSON *string

	if err := row.Scan(
		&e.ID,
		&e.ActorUserID,
		&action,
		&e.TargetType,
		&e.TargetID,
		&ts,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(action)
	var err error
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor_user_id, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor_user_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	since, until := optionalTime(f.Since), optionalTime(f.Until)
	var action *string
	if f.Action != nil {
		a := string(*f.Action)
		action = &a
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		until, until,
		f.ActorUserID, f.ActorUserID,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
