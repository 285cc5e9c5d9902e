// ABOUTME: Service-level tests for share links against the mock store and fake HA
// ABOUTME: Covers validation, public access counting, expiry, triggers, and notifications

package sharing

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/clock"
	"github.com/2389/hearth-gateway/internal/hacreds"
	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/homeassistant/hatest"
	"github.com/2389/hearth-gateway/internal/notify"
	"github.com/2389/hearth-gateway/internal/store"
)

type fixture struct {
	svc      *Service
	store    *store.MockStore
	ha       *hatest.Server
	clock    *clock.FakeClock
	notifier *notify.Recorder
	owner    *store.User
	friend   *store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ha := hatest.New(t)
	ha.SetState("light.kitchen", "off", map[string]any{"friendly_name": "Kitchen"})
	ha.SetState("switch.fan", "on", nil)
	ha.SetState("sensor.temp", "21", nil)

	s := store.NewMockStore()
	owner := &store.User{Username: "owner", PasswordHash: "x", IsAdmin: true, HAURL: ha.URL, HAToken: hatest.Token}
	friend := &store.User{Username: "friend", PasswordHash: "x"}
	require.NoError(t, s.CreateUser(ctx, owner))
	require.NoError(t, s.CreateUser(ctx, friend))
	for _, id := range []string{"light.kitchen", "switch.fan", "sensor.temp"} {
		require.NoError(t, s.CreateEntity(ctx, &store.TrackedEntity{UserID: owner.ID, EntityID: id}))
	}

	cache := homeassistant.NewStateCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })

	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rec := &notify.Recorder{}
	svc := NewService(Config{
		Store:    s,
		Resolver: hacreds.NewResolver(homeassistant.NewConnector(homeassistant.Options{}), nil, "", ""),
		Cache:    cache,
		Notifier: rec,
		Clock:    clk,
	})
	return &fixture{svc: svc, store: s, ha: ha, clock: clk, notifier: rec, owner: owner, friend: friend}
}

func assertAPIError(t *testing.T, err error, status int, msg string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, status, apierror.StatusOf(err), "status for %v", err)
	assert.Equal(t, msg, apierror.MessageOf(err))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	future := f.clock.Now().Add(time.Hour)

	tests := []struct {
		name string
		req  CreateRequest
		msg  string
	}{
		{"no entities", CreateRequest{Type: store.ShareTypePermanent}, "entity_ids is required"},
		{"no type", CreateRequest{EntityIDs: []string{"light.kitchen"}}, "type is required"},
		{"bad type", CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: "forever"}, msgInvalidType},
		{"bad mode", CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: store.ShareTypePermanent, AccessMode: "admin"}, msgInvalidAccessMode},
		{"counter without max", CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: store.ShareTypeCounter}, "max_access must be greater than 0 for counter links"},
		{"time without expiry", CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: store.ShareTypeTime, MaxAccess: 3}, "expires_at is required for time links"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, f.owner.ID, tt.req)
			assertAPIError(t, err, http.StatusBadRequest, tt.msg)
		})
	}

	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: store.ShareTypeTime, ExpiresAt: &future})
	require.NoError(t, err)
	assert.Len(t, v.ID, 32)
	assert.Equal(t, store.AccessReadOnly, v.AccessMode, "defaults to readonly")
	assert.True(t, v.Active)
	assert.Zero(t, v.AccessCount)
	assert.Zero(t, v.MaxAccess, "max_access only kept for counter links")

	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditCreateShareLink, entries[0].Action)
}

func TestAccess_CounterLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{
		EntityIDs: []string{"sensor.temp", "light.kitchen", "light.gone"},
		Type:      store.ShareTypeCounter,
		MaxAccess: 2,
	})
	require.NoError(t, err)

	res, err := f.svc.Access(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, res.Entities, 2, "missing entity skipped")
	assert.Equal(t, "sensor.temp", res.Entities[0].EntityID)
	assert.Equal(t, 1, res.Share.AccessCount)
	require.NotNil(t, res.Share.Remaining)
	assert.Equal(t, 1, *res.Share.Remaining)
	assert.Equal(t, store.AccessReadOnly, res.AccessMode)

	_, err = f.svc.Access(ctx, v.ID)
	require.NoError(t, err)

	_, err = f.svc.Access(ctx, v.ID)
	assertAPIError(t, err, http.StatusForbidden, "Share link has reached maximum access count")

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindLinkExhausted, events[0].Kind)
	assert.Equal(t, "owner", events[0].OwnerUsername)

	_, err = f.svc.Access(ctx, v.ID)
	assertAPIError(t, err, http.StatusForbidden, "Share link is no longer active")
	assert.Len(t, f.notifier.Events(), 1, "already inactive links do not notify again")

	stored, err := f.store.GetShareLink(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, 2, stored.AccessCount)
}

func TestAccess_ConcurrentVisitorsRespectLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{EntityIDs: []string{"sensor.temp"}, Type: store.ShareTypeCounter, MaxAccess: 3})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Access(ctx, v.ID); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
}

func TestAccess_TimeLinkExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.clock.Now().Add(time.Hour)
	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{EntityIDs: []string{"switch.fan"}, Type: store.ShareTypeTime, ExpiresAt: &exp})
	require.NoError(t, err)

	_, err = f.svc.Access(ctx, v.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour + time.Second)
	_, err = f.svc.Access(ctx, v.ID)
	assertAPIError(t, err, http.StatusForbidden, "Share link has expired")

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindLinkExpired, events[0].Kind)
}

func TestTimeLinkExpiryIsWholeSeconds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := f.clock.Now().Add(time.Hour)
	exp := deadline.Add(900 * time.Millisecond)

	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{EntityIDs: []string{"switch.fan"}, Type: store.ShareTypeTime, ExpiresAt: &exp})
	require.NoError(t, err)
	require.NotNil(t, v.ExpiresAt)
	assert.True(t, deadline.Equal(*v.ExpiresAt), "got %s", v.ExpiresAt)

	stored, err := f.store.GetShareLink(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, v.ExpiresAt.Equal(*stored.ExpiresAt))

	f.clock.Advance(time.Hour + 500*time.Millisecond)
	_, err = f.svc.Access(ctx, v.ID)
	assertAPIError(t, err, http.StatusForbidden, "Share link has expired")

	later := f.clock.Now().Add(time.Hour).Add(250 * time.Millisecond)
	u, err := f.svc.Update(ctx, f.owner.ID, v.ID, UpdateRequest{Type: store.ShareTypeTime, ExpiresAt: later.Format(time.RFC3339Nano)})
	require.NoError(t, err)
	require.NotNil(t, u.ExpiresAt)
	assert.Zero(t, u.ExpiresAt.Nanosecond())
	assert.True(t, later.Truncate(time.Second).Equal(*u.ExpiresAt))
}

func TestAccess_UnknownAndUnconfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Access(ctx, "nope")
	assertAPIError(t, err, http.StatusNotFound, "Share link not found")

	// friend has no HA and there are no server defaults: the view still works.
	require.NoError(t, f.store.CreateEntity(ctx, &store.TrackedEntity{UserID: f.friend.ID, EntityID: "light.x"}))
	v, err := f.svc.Create(ctx, f.friend.ID, CreateRequest{EntityIDs: []string{"light.x"}, Type: store.ShareTypePermanent})
	require.NoError(t, err)
	res, err := f.svc.Access(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: store.ShareTypePermanent})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, f.friend.ID, v.ID, UpdateRequest{AccessMode: store.AccessTriggerable})
	assertAPIError(t, err, http.StatusNotFound, "Share link not found or not owned by you")

	_, err = f.svc.Update(ctx, f.owner.ID, v.ID, UpdateRequest{AccessMode: "bogus"})
	assertAPIError(t, err, http.StatusBadRequest, msgInvalidAccessMode)

	_, err = f.svc.Update(ctx, f.owner.ID, v.ID, UpdateRequest{Type: store.ShareTypeTime, ExpiresAt: "tomorrow"})
	assertAPIError(t, err, http.StatusBadRequest, "Invalid expiration date format")

	// max_access only applies alongside type=counter.
	_, err = f.svc.Update(ctx, f.owner.ID, v.ID, UpdateRequest{MaxAccess: 5})
	require.NoError(t, err)
	got, err := f.store.GetShareLink(ctx, v.ID)
	require.NoError(t, err)
	assert.Zero(t, got.MaxAccess)

	updated, err := f.svc.Update(ctx, f.owner.ID, v.ID, UpdateRequest{
		EntityIDs:  []string{"switch.fan", "sensor.temp"},
		Type:       store.ShareTypeCounter,
		MaxAccess:  4,
		AccessMode: store.AccessTriggerable,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ShareTypeCounter, updated.Type)
	assert.Equal(t, 4, updated.MaxAccess)
	assert.Equal(t, []string{"switch.fan", "sensor.temp"}, updated.EntityIDs)

	off := false
	updated, err = f.svc.Update(ctx, f.owner.ID, v.ID, UpdateRequest{Active: &off})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	_, err = f.svc.Access(ctx, v.ID)
	assertAPIError(t, err, http.StatusForbidden, "Share link is no longer active")

	on := true
	_, err = f.svc.Update(ctx, f.owner.ID, v.ID, UpdateRequest{Active: &on})
	require.NoError(t, err)
	_, err = f.svc.Access(ctx, v.ID)
	assert.NoError(t, err)
}

func TestListAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: store.ShareTypePermanent})
	require.NoError(t, err)

	links, err := f.svc.List(ctx, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	assertAPIError(t, f.svc.Delete(ctx, f.friend.ID, a.ID), http.StatusNotFound, "Share link not found")
	require.NoError(t, f.svc.Delete(ctx, f.owner.ID, a.ID))

	links, err = f.svc.List(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ro, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{EntityIDs: []string{"light.kitchen"}, Type: store.ShareTypePermanent})
	require.NoError(t, err)
	rw, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{
		EntityIDs:  []string{"light.kitchen", "badentity"},
		Type:       store.ShareTypeCounter,
		MaxAccess:  1,
		AccessMode: store.AccessTriggerable,
	})
	require.NoError(t, err)

	turnOn := TriggerRequest{Service: "turn_on", Data: map[string]any{"brightness": 128, "entity_id": "lock.front_door"}}

	assertAPIError(t, f.svc.Trigger(ctx, "missing", "light.kitchen", turnOn), http.StatusNotFound, "Share link not found")
	assertAPIError(t, f.svc.Trigger(ctx, ro.ID, "light.kitchen", turnOn), http.StatusForbidden, "This share link is read-only")
	assertAPIError(t, f.svc.Trigger(ctx, rw.ID, "switch.fan", turnOn), http.StatusForbidden, "Entity not included in this share")
	assertAPIError(t, f.svc.Trigger(ctx, rw.ID, "badentity", turnOn), http.StatusBadRequest, "Invalid entity ID format")
	assertAPIError(t, f.svc.Trigger(ctx, rw.ID, "light.kitchen", TriggerRequest{}), http.StatusBadRequest, "service is required")
	assertAPIError(t, f.svc.Trigger(ctx, rw.ID, "light.kitchen", TriggerRequest{Service: "../admin"}), http.StatusBadRequest, "Invalid service name")

	require.NoError(t, f.svc.Trigger(ctx, rw.ID, "light.kitchen", turnOn))
	require.NoError(t, f.svc.Trigger(ctx, rw.ID, "light.kitchen", turnOn), "triggers do not consume views")

	calls := f.ha.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "light", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, "light.kitchen", calls[0].Data["entity_id"], "path entity overrides body")
	assert.EqualValues(t, 128, calls[0].Data["brightness"])

	stored, err := f.store.GetShareLink(ctx, rw.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.AccessCount)

	events := f.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.KindEntityTriggered, events[0].Kind)

	action := store.AuditTriggerShareLink
	audits, err := f.store.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, audits, 2)
	assert.Zero(t, audits[0].ActorUserID)
}

func TestTrigger_ExpiredTimeLinkRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.clock.Now().Add(time.Minute)
	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{
		EntityIDs:  []string{"switch.fan"},
		Type:       store.ShareTypeTime,
		ExpiresAt:  &exp,
		AccessMode: store.AccessTriggerable,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Trigger(ctx, v.ID, "switch.fan", TriggerRequest{Service: "turn_off"}))

	f.clock.Advance(2 * time.Minute)
	assertAPIError(t, f.svc.Trigger(ctx, v.ID, "switch.fan", TriggerRequest{Service: "turn_off"}), http.StatusForbidden, "Share link has expired")

	stored, err := f.store.GetShareLink(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Len(t, f.ha.Calls(), 1)
}

func TestTrigger_InvalidatesCachedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.Create(ctx, f.owner.ID, CreateRequest{
		EntityIDs:  []string{"light.kitchen"},
		Type:       store.ShareTypePermanent,
		AccessMode: store.AccessTriggerable,
	})
	require.NoError(t, err)

	res, err := f.svc.Access(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "off", res.Entities[0].State)

	require.NoError(t, f.svc.Trigger(ctx, v.ID, "light.kitchen", TriggerRequest{Service: "turn_on"}))

	res, err = f.svc.Access(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "on", res.Entities[0].State)
}
