// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		entry := &AuditEntry{
			ActorUserID: 1,
			Action:      AuditCreateShareLink,
			TargetType:  "share_link",
			TargetID:    "abc",
			Detail:      map[string]any{"type": "counter"},
		}

		require.NoError(t, s.AppendAuditLog(context.Background(), entry))
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())
	})
}

func TestAuditStore_ListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

		actions := []AuditAction{AuditCreateShareLink, AuditDeleteShareLink, AuditShareEntity}
		for i, action := range actions {
			require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
				ActorUserID: int64(i%2 + 1),
				Action:      action,
				TargetType:  "share_link",
				TargetID:    "t" + strconv.Itoa(i),
				Timestamp:   base.Add(time.Duration(i) * time.Minute),
			}))
		}

		all, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, AuditShareEntity, all[0].Action, "newest first")

		action := AuditDeleteShareLink
		byAction, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, byAction, 1)
		assert.Equal(t, "t1", byAction[0].TargetID)

		actor := int64(1)
		byActor, err := s.ListAuditLog(ctx, AuditFilter{ActorUserID: &actor})
		require.NoError(t, err)
		assert.Len(t, byActor, 2)

		since := base.Add(90 * time.Second)
		recent, err := s.ListAuditLog(ctx, AuditFilter{Since: &since})
		require.NoError(t, err)
		assert.Len(t, recent, 1)

		limited, err := s.ListAuditLog(ctx, AuditFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-3))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}
