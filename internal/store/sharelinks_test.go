// ABOUTME: Tests for share link persistence and transactional access counting
// ABOUTME: Covers CRUD ownership scoping and WithShareLink commit semantics

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLink(id string, userID int64, typ ShareType) *ShareLink {
	return &ShareLink{
		ID:         id,
		UserID:     userID,
		EntityIDs:  []string{"light.kitchen", "switch.fan"},
		Type:       typ,
		AccessMode: AccessReadOnly,
		Active:     true,
	}
}

func TestShareLinks_CRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mustCreateUser(t, s, "owner", true)
		other := mustCreateUser(t, s, "other", false)

		expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		l := newLink("abc", owner.ID, ShareTypeTime)
		l.ExpiresAt = &expires
		require.NoError(t, s.CreateShareLink(ctx, l))
		assert.ErrorIs(t, s.CreateShareLink(ctx, newLink("abc", owner.ID, ShareTypePermanent)), ErrDuplicate)

		got, err := s.GetShareLink(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, []string{"light.kitchen", "switch.fan"}, got.EntityIDs)
		assert.Equal(t, ShareTypeTime, got.Type)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, expires.Equal(*got.ExpiresAt))
		assert.True(t, got.IncludesEntity("switch.fan"))
		assert.False(t, got.IncludesEntity("lock.door"))

		got.AccessMode = AccessTriggerable
		got.EntityIDs = []string{"lock.door"}
		require.NoError(t, s.UpdateShareLink(ctx, got))

		got, err = s.GetShareLink(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, AccessTriggerable, got.AccessMode)
		assert.Equal(t, []string{"lock.door"}, got.EntityIDs)

		stolen := *got
		stolen.UserID = other.ID
		assert.ErrorIs(t, s.UpdateShareLink(ctx, &stolen), ErrNotFound)
		assert.ErrorIs(t, s.DeleteShareLink(ctx, other.ID, "abc"), ErrNotFound)

		require.NoError(t, s.DeleteShareLink(ctx, owner.ID, "abc"))
		_, err = s.GetShareLink(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestShareLinks_ListScopedToOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustCreateUser(t, s, "a", true)
		b := mustCreateUser(t, s, "b", false)

		first := newLink("one", a.ID, ShareTypePermanent)
		first.CreatedAt = time.Now().Add(-time.Hour).UTC()
		require.NoError(t, s.CreateShareLink(ctx, first))
		require.NoError(t, s.CreateShareLink(ctx, newLink("two", a.ID, ShareTypePermanent)))
		require.NoError(t, s.CreateShareLink(ctx, newLink("three", b.ID, ShareTypePermanent)))

		links, err := s.ListShareLinks(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, "two", links[0].ID, "newest first")
		assert.Equal(t, "one", links[1].ID)
	})
}

var errDenied = errors.New("denied")

func TestWithShareLink_PersistsChanges(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mustCreateUser(t, s, "owner", true)
		require.NoError(t, s.CreateShareLink(ctx, newLink("c", owner.ID, ShareTypeCounter)))

		got, err := s.WithShareLink(ctx, "c", func(l *ShareLink) error {
			l.AccessCount++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, got.AccessCount)

		// A denial still persists the deactivation.
		got, err = s.WithShareLink(ctx, "c", func(l *ShareLink) error {
			l.Active = false
			return errDenied
		})
		assert.ErrorIs(t, err, errDenied)
		require.NotNil(t, got)
		assert.False(t, got.Active)

		stored, err := s.GetShareLink(ctx, "c")
		require.NoError(t, err)
		assert.False(t, stored.Active)
		assert.Equal(t, 1, stored.AccessCount)

		_, err = s.WithShareLink(ctx, "missing", func(*ShareLink) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWithShareLink_ConcurrentCounterNeverOverCounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mustCreateUser(t, s, "owner", true)
		l := newLink("limited", owner.ID, ShareTypeCounter)
		l.MaxAccess = 5
		require.NoError(t, s.CreateShareLink(ctx, l))

		var wg sync.WaitGroup
		var mu sync.Mutex
		granted := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.WithShareLink(ctx, "limited", func(l *ShareLink) error {
					if l.AccessCount >= l.MaxAccess {
						l.Active = false
						return fmt.Errorf("exhausted")
					}
					l.AccessCount++
					return nil
				})
				if err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, granted)
		stored, err := s.GetShareLink(ctx, "limited")
		require.NoError(t, err)
		assert.Equal(t, 5, stored.AccessCount)
		assert.False(t, stored.Active)
	})
}

func TestUpdateShareLink_LeavesAccessCountAlone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mustCreateUser(t, s, "owner", true)
		l := newLink("cnt", owner.ID, ShareTypeCounter)
		l.MaxAccess = 10
		require.NoError(t, s.CreateShareLink(ctx, l))

		stale, err := s.GetShareLink(ctx, "cnt")
		require.NoError(t, err)

		_, err = s.WithShareLink(ctx, "cnt", func(l *ShareLink) error {
			l.AccessCount = 3
			return nil
		})
		require.NoError(t, err)

		stale.MaxAccess = 20
		require.NoError(t, s.UpdateShareLink(ctx, stale))

		got, err := s.GetShareLink(ctx, "cnt")
		require.NoError(t, err)
		assert.Equal(t, 20, got.MaxAccess)
		assert.Equal(t, 3, got.AccessCount)
	})
}
