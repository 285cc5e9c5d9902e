// ABOUTME: Tracked entity operations and the periodic state refresh loop
// ABOUTME: Pulls states from each owner's Home Assistant and stores the snapshot

package tracker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/clock"
	"github.com/2389/hearth-gateway/internal/hacreds"
	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/store"
)

// DefaultInterval is how often Run refreshes states.
const DefaultInterval = 30 * time.Second

// Store is the persistence the tracker needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	store.EntityStore
}

// Config wires a Tracker. Refresh is optional; when set, Run also purges
// expired refresh tokens.
type Config struct {
	Store    Store
	Resolver *hacreds.Resolver
	Refresh  *auth.RefreshTokens
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Tracker manages tracked entities.
type Tracker struct {
	store    Store
	resolver *hacreds.Resolver
	refresh  *auth.RefreshTokens
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	t := &Tracker{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		refresh:  cfg.Refresh,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if t.interval <= 0 {
		t.interval = DefaultInterval
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "tracker")
	return t
}

// EntityView is the client representation of a tracked entity.
type EntityView struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user_id"`
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	CreatedAt   time.Time      `json:"created_at"`
}

func newEntityView(e *store.TrackedEntity) *EntityView {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &EntityView{
		ID:          e.ID,
		UserID:      e.UserID,
		EntityID:    e.EntityID,
		State:       e.State,
		Attributes:  attrs,
		LastChanged: e.LastChanged,
		LastUpdated: e.LastUpdated,
		CreatedAt:   e.CreatedAt,
	}
}

// List returns userID's tracked entities.
func (t *Tracker) List(ctx context.Context, userID int64) ([]*EntityView, error) {
	entities, err := t.store.ListEntities(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch entities", err)
	}
	views := make([]*EntityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, newEntityView(e))
	}
	return views, nil
}

func (t *Tracker) clientFor(ctx context.Context, userID int64) (homeassistant.API, error) {
	u, err := t.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("User not found")
	}
	if err != nil {
		return nil, apierror.Internal("Failed to load user", err)
	}
	client, err := t.resolver.Client(u)
	if errors.Is(err, hacreds.ErrNotConfigured) {
		return nil, apierror.BadRequest(hacreds.NotConfiguredMessage)
	}
	if err != nil {
		return nil, apierror.Internal("Failed to read Home Assistant credentials", err)
	}
	return client, nil
}

// Add starts tracking entityID for userID with its current state.
func (t *Tracker) Add(ctx context.Context, userID int64, entityID string) (*EntityView, error) {
	if entityID == "" {
		return nil, apierror.BadRequest("entity_id is required")
	}
	if _, err := homeassistant.DomainOf(entityID); err != nil {
		return nil, apierror.BadRequest("Invalid entity_id")
	}
	client, err := t.clientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	st, err := client.GetState(ctx, entityID)
	if errors.Is(err, homeassistant.ErrEntityNotFound) {
		return nil, apierror.Wrap(http.StatusNotFound, "Entity not found in Home Assistant", err)
	}
	if err != nil {
		return nil, apierror.Wrap(http.StatusBadGateway, "Failed to fetch entity from Home Assistant: "+err.Error(), err)
	}

	e := &store.TrackedEntity{
		UserID:      userID,
		EntityID:    entityID,
		State:       st.State,
		Attributes:  st.Attributes,
		LastChanged: st.LastChanged,
		LastUpdated: st.LastUpdated,
		CreatedAt:   t.clock.Now().UTC(),
	}
	err = t.store.CreateEntity(ctx, e)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apierror.Conflict("Entity is already tracked")
	}
	if err != nil {
		return nil, apierror.Internal("Failed to save entity", err)
	}

	t.logger.Info("entity tracked", "user_id", userID, "entity_id", entityID)
	return newEntityView(e), nil
}

// Delete stops tracking the row with the given numeric id.
func (t *Tracker) Delete(ctx context.Context, userID int64, rawID string) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return apierror.BadRequest("Invalid entity ID")
	}
	err = t.store.DeleteEntity(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound("Entity not found")
	}
	if err != nil {
		return apierror.Internal("Failed to delete entity", err)
	}
	return nil
}

// AllStates lists every entity visible through userID's Home Assistant,
// for the add-entity picker.
func (t *Tracker) AllStates(ctx context.Context, userID int64) ([]*homeassistant.State, error) {
	client, err := t.clientFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	states, err := client.GetAllStates(ctx)
	if err != nil {
		return nil, apierror.Wrap(http.StatusBadGateway, "Failed to fetch entities from Home Assistant: "+err.Error(), err)
	}
	return states, nil
}

// RefreshAll updates the stored state of every tracked entity. A user
// whose Home Assistant fails is logged and skipped. It returns the number
// of rows updated.
func (t *Tracker) RefreshAll(ctx context.Context) (int, error) {
	owners, err := t.store.ListUsersWithEntities(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, userID := range owners {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		n, err := t.refreshUser(ctx, userID)
		updated += n
		if err != nil {
			t.logger.Warn("refreshing entities failed", "user_id", userID, "error", err)
		}
	}
	return updated, nil
}

func (t *Tracker) refreshUser(ctx context.Context, userID int64) (int, error) {
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	client, err := t.resolver.Client(u)
	if errors.Is(err, hacreds.ErrNotConfigured) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	entities, err := t.store.ListEntities(ctx, userID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(entities))
	byID := make(map[string]*store.TrackedEntity, len(entities))
	for i, e := range entities {
		ids[i] = e.EntityID
		byID[e.EntityID] = e
	}

	states, err := client.GetStates(ctx, ids)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, st := range states {
		e, ok := byID[st.EntityID]
		if !ok {
			continue
		}
		e.State = st.State
		e.Attributes = st.Attributes
		e.LastChanged = st.LastChanged
		e.LastUpdated = st.LastUpdated
		if err := t.store.UpdateEntityState(ctx, e); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Run refreshes on every interval until ctx is cancelled. Each tick also
// purges expired refresh tokens.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("refresh loop started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("refresh loop stopped")
			return nil
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	start := t.clock.Now()
	n, err := t.RefreshAll(ctx)
	if err != nil && ctx.Err() == nil {
		t.logger.Error("refresh failed", "error", err)
	}
	t.logger.Debug("refreshed entities", "updated", n, "took", t.clock.Now().Sub(start))

	if t.refresh == nil {
		return
	}
	purged, err := t.refresh.CleanupExpired(ctx)
	if err != nil && ctx.Err() == nil {
		t.logger.Error("refresh token cleanup failed", "error", err)
		return
	}
	if purged > 0 {
		t.logger.Info("purged expired refresh tokens", "count", purged)
	}
}
