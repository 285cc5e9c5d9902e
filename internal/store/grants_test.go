// ABOUTME: Tests for user-to-user grants, tracked entities, and refresh tokens
// ABOUTME: Runs each scenario against SQLite and the mock store

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrants_UpsertAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mustCreateUser(t, s, "owner", true)
		friend := mustCreateUser(t, s, "friend", false)

		g := &SharedEntity{EntityID: "light.porch", OwnerID: owner.ID, SharedWithID: friend.ID, AccessMode: AccessReadOnly}
		created, err := s.UpsertSharedEntity(ctx, g)
		require.NoError(t, err)
		assert.True(t, created)
		firstID := g.ID

		again := &SharedEntity{EntityID: "light.porch", OwnerID: owner.ID, SharedWithID: friend.ID, AccessMode: AccessTriggerable}
		created, err = s.UpsertSharedEntity(ctx, again)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, firstID, again.ID)

		withMe, err := s.ListSharedWith(ctx, friend.ID)
		require.NoError(t, err)
		require.Len(t, withMe, 1)
		assert.Equal(t, AccessTriggerable, withMe[0].AccessMode)
		assert.Equal(t, "owner", withMe[0].OwnerUsername)

		mine, err := s.ListSharedBy(ctx, owner.ID)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "friend", mine[0].SharedWithUsername)

		got, err := s.GetSharedEntity(ctx, firstID)
		require.NoError(t, err)
		assert.Equal(t, "light.porch", got.EntityID)

		assert.ErrorIs(t, s.DeleteSharedEntity(ctx, friend.ID, firstID), ErrNotFound, "only the owner may revoke")
		require.NoError(t, s.DeleteSharedEntity(ctx, owner.ID, firstID))
		_, err = s.GetSharedEntity(ctx, firstID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEntities_TrackUpdateDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mustCreateUser(t, s, "owner", true)
		friend := mustCreateUser(t, s, "friend", false)

		changed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		e := &TrackedEntity{
			UserID:      owner.ID,
			EntityID:    "sensor.temp",
			State:       "21.5",
			Attributes:  map[string]any{"unit_of_measurement": "°C"},
			LastChanged: changed,
			LastUpdated: changed,
		}
		require.NoError(t, s.CreateEntity(ctx, e))
		assert.ErrorIs(t, s.CreateEntity(ctx, &TrackedEntity{UserID: owner.ID, EntityID: "sensor.temp"}), ErrDuplicate)

		e.State = "22.0"
		e.LastUpdated = changed.Add(time.Minute)
		require.NoError(t, s.UpdateEntityState(ctx, e))

		got, err := s.GetEntityByEntityID(ctx, owner.ID, "sensor.temp")
		require.NoError(t, err)
		assert.Equal(t, "22.0", got.State)
		assert.Equal(t, "°C", got.Attributes["unit_of_measurement"])
		assert.True(t, changed.Equal(got.LastChanged))

		owners, err := s.ListUsersWithEntities(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{owner.ID}, owners)

		_, err = s.UpsertSharedEntity(ctx, &SharedEntity{EntityID: "sensor.temp", OwnerID: owner.ID, SharedWithID: friend.ID, AccessMode: AccessReadOnly})
		require.NoError(t, err)

		assert.ErrorIs(t, s.DeleteEntity(ctx, friend.ID, e.ID), ErrNotFound)
		require.NoError(t, s.DeleteEntity(ctx, owner.ID, e.ID))

		grants, err := s.ListSharedWith(ctx, friend.ID)
		require.NoError(t, err)
		assert.Empty(t, grants, "untracking removes the owner's grants for it")
	})
}

func TestRefreshTokens(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := mustCreateUser(t, s, "u", true)
		now := time.Now().UTC()

		require.NoError(t, s.CreateRefreshToken(ctx, &RefreshToken{TokenHash: "live", UserID: u.ID, ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, s.CreateRefreshToken(ctx, &RefreshToken{TokenHash: "dead", UserID: u.ID, ExpiresAt: now.Add(-time.Hour)}))
		assert.ErrorIs(t, s.CreateRefreshToken(ctx, &RefreshToken{TokenHash: "live", UserID: u.ID, ExpiresAt: now}), ErrDuplicate)

		got, err := s.GetRefreshToken(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.UserID)

		n, err := s.DeleteExpiredRefreshTokens(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, s.DeleteRefreshToken(ctx, "live"))
		assert.ErrorIs(t, s.DeleteRefreshToken(ctx, "live"), ErrNotFound)

		require.NoError(t, s.CreateRefreshToken(ctx, &RefreshToken{TokenHash: "a", UserID: u.ID, ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, s.DeleteUserRefreshTokens(ctx, u.ID))
		_, err = s.GetRefreshToken(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPasskeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := mustCreateUser(t, s, "u", true)
		other := mustCreateUser(t, s, "o", false)

		cred := &PasskeyCredential{UserID: u.ID, CredentialID: []byte{1, 2, 3}, PublicKey: []byte{9}, Transports: `["usb"]`}
		require.NoError(t, s.CreatePasskey(ctx, cred))
		assert.NotEmpty(t, cred.ID)
		assert.ErrorIs(t, s.CreatePasskey(ctx, &PasskeyCredential{UserID: u.ID, CredentialID: []byte{1, 2, 3}, PublicKey: []byte{9}}), ErrDuplicate)

		got, err := s.GetPasskeyByCredentialID(ctx, []byte{1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.UserID)

		require.NoError(t, s.UpdatePasskeySignCount(ctx, cred.ID, 7))
		list, err := s.ListPasskeys(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, uint32(7), list[0].SignCount)

		assert.ErrorIs(t, s.DeletePasskey(ctx, other.ID, cred.ID), ErrNotFound)
		require.NoError(t, s.DeletePasskey(ctx, u.ID, cred.ID))
	})
}
