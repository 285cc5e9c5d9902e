// ABOUTME: User-to-user entity grants: share, list, revoke, view, and trigger
// ABOUTME: Grants read and act through the owner's Home Assistant credentials

package sharing

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/hacreds"
	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/store"
)

// GrantRequest is the body of POST /api/shared-entities.
type GrantRequest struct {
	EntityID     string           `json:"entity_id"`
	SharedWithID int64            `json:"shared_with_id"`
	AccessMode   store.AccessMode `json:"access_mode"`
}

// Grant shares one of ownerID's tracked entities with another user. An
// existing grant for the same pair has its mode updated; created reports
// which happened.
func (s *Service) Grant(ctx context.Context, ownerID int64, req GrantRequest) (view *GrantView, created bool, err error) {
	if req.EntityID == "" || req.SharedWithID == 0 {
		return nil, false, apierror.BadRequest("entity_id and shared_with_id are required")
	}
	if req.AccessMode == "" {
		req.AccessMode = store.AccessReadOnly
	}
	if !req.AccessMode.Valid() {
		return nil, false, apierror.BadRequest("Invalid access mode")
	}
	if req.SharedWithID == ownerID {
		return nil, false, apierror.BadRequest("Cannot share an entity with yourself")
	}

	target, err := s.store.GetUser(ctx, req.SharedWithID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, apierror.NotFound("Target user not found")
	}
	if err != nil {
		return nil, false, apierror.Internal("Failed to share entity", err)
	}

	if _, err := s.store.GetEntityByEntityID(ctx, ownerID, req.EntityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, apierror.NotFound("Entity not found or not owned by you")
		}
		return nil, false, apierror.Internal("Failed to share entity", err)
	}

	g := &store.SharedEntity{
		EntityID:     req.EntityID,
		OwnerID:      ownerID,
		SharedWithID: target.ID,
		AccessMode:   req.AccessMode,
		CreatedAt:    s.clock.Now().UTC(),
	}
	created, err = s.store.UpsertSharedEntity(ctx, g)
	if err != nil {
		return nil, false, apierror.Internal("Failed to share entity", err)
	}
	g.SharedWithUsername = target.Username

	s.audit(ctx, ownerID, store.AuditShareEntity, "shared_entity", strconv.FormatInt(g.ID, 10), map[string]any{
		"entity_id":   g.EntityID,
		"shared_with": target.ID,
		"access_mode": string(g.AccessMode),
		"created":     created,
	})

	v := NewGrantView(g)
	return &v, created, nil
}

// SharedWithMe lists grants other users made to userID.
func (s *Service) SharedWithMe(ctx context.Context, userID int64) ([]GrantView, error) {
	grants, err := s.store.ListSharedWith(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch shared entities", err)
	}
	return grantViews(grants), nil
}

// MyShares lists grants ownerID made to others.
func (s *Service) MyShares(ctx context.Context, ownerID int64) ([]GrantView, error) {
	grants, err := s.store.ListSharedBy(ctx, ownerID)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch shared entities", err)
	}
	return grantViews(grants), nil
}

func grantViews(grants []*store.SharedEntity) []GrantView {
	views := make([]GrantView, len(grants))
	for i, g := range grants {
		views[i] = NewGrantView(g)
	}
	return views
}

// Revoke deletes a grant ownerID made.
func (s *Service) Revoke(ctx context.Context, ownerID, grantID int64) error {
	err := s.store.DeleteSharedEntity(ctx, ownerID, grantID)
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound("Shared entity not found or not owned by you")
	}
	if err != nil {
		return apierror.Internal("Failed to unshare entity", err)
	}
	s.audit(ctx, ownerID, store.AuditUnshareEntity, "shared_entity", strconv.FormatInt(grantID, 10), nil)
	return nil
}

// GrantedStates returns live states for everything shared with userID.
// Owners are queried once each; an owner without a reachable Home
// Assistant yields entries with a nil state.
func (s *Service) GrantedStates(ctx context.Context, userID int64) ([]GrantedState, error) {
	grants, err := s.store.ListSharedWith(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch shared entities", err)
	}

	byOwner := make(map[int64][]string)
	var owners []int64
	for _, g := range grants {
		if _, seen := byOwner[g.OwnerID]; !seen {
			owners = append(owners, g.OwnerID)
		}
		byOwner[g.OwnerID] = append(byOwner[g.OwnerID], g.EntityID)
	}

	type key struct {
		owner  int64
		entity string
	}
	states := make(map[key]*homeassistant.State)
	for _, ownerID := range owners {
		owner, err := s.store.GetUser(ctx, ownerID)
		if err != nil {
			s.logger.Warn("loading grant owner", "owner_id", ownerID, "error", err)
			continue
		}
		client, err := s.resolver.Client(owner)
		if err != nil {
			s.logger.Debug("grant owner has no usable home assistant", "owner_id", ownerID, "error", err)
			continue
		}
		fetched, err := client.GetStates(ctx, byOwner[ownerID])
		if err != nil {
			return nil, apierror.Wrap(http.StatusBadGateway, "Failed to fetch entities", err)
		}
		for _, st := range fetched {
			states[key{ownerID, st.EntityID}] = st
		}
	}

	out := make([]GrantedState, len(grants))
	for i, g := range grants {
		out[i] = GrantedState{GrantView: NewGrantView(g), State: states[key{g.OwnerID, g.EntityID}]}
	}
	return out, nil
}

// TriggerGranted calls a service on an entity shared with userID through a
// triggerable grant.
func (s *Service) TriggerGranted(ctx context.Context, userID, grantID int64, req TriggerRequest) error {
	if req.Service == "" {
		return apierror.BadRequest("service is required")
	}
	g, err := s.store.GetSharedEntity(ctx, grantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && g.SharedWithID != userID) {
		return apierror.NotFound("Shared entity not found")
	}
	if err != nil {
		return apierror.Internal("Failed to trigger entity", err)
	}
	if g.AccessMode != store.AccessTriggerable {
		return apierror.Forbidden("This shared entity is read-only")
	}
	domain, err := homeassistant.DomainOf(g.EntityID)
	if err != nil {
		return apierror.BadRequest("Invalid entity ID format")
	}
	if !servicePattern.MatchString(req.Service) {
		return apierror.BadRequest("Invalid service name")
	}

	owner, err := s.store.GetUser(ctx, g.OwnerID)
	if err != nil {
		return apierror.Internal("Failed to trigger entity", err)
	}
	client, err := s.resolver.Client(owner)
	if errors.Is(err, hacreds.ErrNotConfigured) {
		return apierror.BadRequest("Entity owner has not configured Home Assistant")
	}
	if err != nil {
		return apierror.Internal("Failed to trigger entity", err)
	}

	data := make(map[string]any, len(req.Data)+1)
	for k, v := range req.Data {
		data[k] = v
	}
	data["entity_id"] = g.EntityID
	if err := client.CallService(ctx, domain, req.Service, data); err != nil {
		return apierror.Wrap(http.StatusBadGateway, "Failed to trigger entity: "+err.Error(), err)
	}

	s.audit(ctx, userID, store.AuditTriggerGrant, "shared_entity", strconv.FormatInt(g.ID, 10), map[string]any{
		"entity_id": g.EntityID,
		"owner_id":  g.OwnerID,
		"service":   req.Service,
	})
	return nil
}
