// ABOUTME: Share-link operations: create, list, update, delete, public access, trigger
// ABOUTME: Counter consumption runs inside a store transaction so slots are never double-spent

package sharing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/clock"
	"github.com/2389/hearth-gateway/internal/hacreds"
	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/notify"
	"github.com/2389/hearth-gateway/internal/store"
)

// servicePattern matches Home Assistant service names such as turn_on.
var servicePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Store is the persistence the sharing service needs.
type Store interface {
	store.UserStore
	store.EntityStore
	store.ShareLinkStore
	store.GrantStore
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Config wires a Service.
type Config struct {
	Store    Store
	Resolver *hacreds.Resolver
	Cache    *homeassistant.StateCache
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Service implements share links and user-to-user grants.
type Service struct {
	store    Store
	resolver *hacreds.Resolver
	cache    *homeassistant.StateCache
	notifier notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService creates a Service. Notifier, Clock and Logger are optional.
func NewService(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		cache:    cfg.Cache,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sharing")
	return s
}

// CreateRequest is the body of POST /api/shares.
type CreateRequest struct {
	EntityIDs  []string         `json:"entity_ids"`
	Type       store.ShareType  `json:"type"`
	AccessMode store.AccessMode `json:"access_mode"`
	MaxAccess  int              `json:"max_access,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
}

// UpdateRequest is the body of PUT /api/shares/{id}. Empty fields are
// left unchanged.
type UpdateRequest struct {
	EntityIDs  []string         `json:"entity_ids"`
	Type       store.ShareType  `json:"type"`
	AccessMode store.AccessMode `json:"access_mode"`
	MaxAccess  int              `json:"max_access"`
	ExpiresAt  string           `json:"expires_at"`
	Active     *bool            `json:"active,omitempty"`
}

// TriggerRequest is the body of a trigger call.
type TriggerRequest struct {
	Service string         `json:"service"`
	Data    map[string]any `json:"data"`
}

const (
	msgInvalidType       = "Invalid type. Must be 'permanent', 'counter', or 'time'"
	msgInvalidAccessMode = "Invalid access_mode. Must be 'readonly' or 'triggerable'"
	msgLinkNotFound      = "Share link not found"
	msgLinkNotOwned      = "Share link not found or not owned by you"
)

// validateLinkShape checks the fields a link of its type must carry.
func validateLinkShape(l *store.ShareLink) error {
	switch l.Type {
	case store.ShareTypeCounter:
		if l.MaxAccess <= 0 {
			return apierror.BadRequest("max_access must be greater than 0 for counter links")
		}
	case store.ShareTypeTime:
		if l.ExpiresAt == nil || l.ExpiresAt.IsZero() {
			return apierror.BadRequest("expires_at is required for time links")
		}
	}
	return nil
}

// Create makes a new active link owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID int64, req CreateRequest) (*LinkView, error) {
	if len(req.EntityIDs) == 0 {
		return nil, apierror.BadRequest("entity_ids is required")
	}
	if req.Type == "" {
		return nil, apierror.BadRequest("type is required")
	}
	if !req.Type.Valid() {
		return nil, apierror.BadRequest(msgInvalidType)
	}
	if req.AccessMode == "" {
		req.AccessMode = store.AccessReadOnly
	}
	if !req.AccessMode.Valid() {
		return nil, apierror.BadRequest(msgInvalidAccessMode)
	}

	id, err := auth.RandomHex(16)
	if err != nil {
		return nil, apierror.Internal("Failed to create share link", err)
	}
	now := s.clock.Now().UTC()
	link := &store.ShareLink{
		ID:         id,
		UserID:     ownerID,
		EntityIDs:  req.EntityIDs,
		Type:       req.Type,
		AccessMode: req.AccessMode,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch req.Type {
	case store.ShareTypeCounter:
		link.MaxAccess = req.MaxAccess
	case store.ShareTypeTime:
		if req.ExpiresAt != nil {
			exp := storedExpiry(*req.ExpiresAt)
			link.ExpiresAt = &exp
		}
	}
	if err := validateLinkShape(link); err != nil {
		return nil, err
	}

	if err := s.store.CreateShareLink(ctx, link); err != nil {
		return nil, apierror.Internal("Failed to create share link", err)
	}

	s.audit(ctx, ownerID, store.AuditCreateShareLink, "share_link", link.ID, map[string]any{
		"type":        string(link.Type),
		"access_mode": string(link.AccessMode),
		"entities":    len(link.EntityIDs),
	})
	s.logger.Info("share link created", "share_id", link.ID, "owner_id", ownerID, "type", link.Type)

	v := NewLinkView(link)
	return &v, nil
}

// List returns ownerID's links, newest first.
func (s *Service) List(ctx context.Context, ownerID int64) ([]LinkView, error) {
	links, err := s.store.ListShareLinks(ctx, ownerID)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch share links", err)
	}
	views := make([]LinkView, len(links))
	for i, l := range links {
		views[i] = NewLinkView(l)
	}
	return views, nil
}

// Update edits a link owned by ownerID.
func (s *Service) Update(ctx context.Context, ownerID int64, id string, req UpdateRequest) (*LinkView, error) {
	link, err := s.store.GetShareLink(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && link.UserID != ownerID) {
		return nil, apierror.NotFound(msgLinkNotOwned)
	}
	if err != nil {
		return nil, apierror.Internal("Failed to update share link", err)
	}

	if len(req.EntityIDs) > 0 {
		link.EntityIDs = req.EntityIDs
	}
	if req.Type != "" {
		if !req.Type.Valid() {
			return nil, apierror.BadRequest(msgInvalidType)
		}
		link.Type = req.Type
	}
	if req.AccessMode != "" {
		if !req.AccessMode.Valid() {
			return nil, apierror.BadRequest(msgInvalidAccessMode)
		}
		link.AccessMode = req.AccessMode
	}
	if req.Type == store.ShareTypeCounter && req.MaxAccess > 0 {
		link.MaxAccess = req.MaxAccess
	}
	if req.Type == store.ShareTypeTime && req.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, apierror.BadRequest("Invalid expiration date format")
		}
		exp = storedExpiry(exp)
		link.ExpiresAt = &exp
	}
	if req.Active != nil {
		link.Active = *req.Active
	}
	if err := validateLinkShape(link); err != nil {
		return nil, err
	}
	link.UpdatedAt = s.clock.Now().UTC()

	if err := s.store.UpdateShareLink(ctx, link); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierror.NotFound(msgLinkNotOwned)
		}
		return nil, apierror.Internal("Failed to update share link", err)
	}

	detail := map[string]any{"type": string(link.Type), "access_mode": string(link.AccessMode)}
	if req.Active != nil {
		detail["active"] = *req.Active
	}
	s.audit(ctx, ownerID, store.AuditUpdateShareLink, "share_link", link.ID, detail)

	v := NewLinkView(link)
	return &v, nil
}

// Delete removes a link owned by ownerID.
func (s *Service) Delete(ctx context.Context, ownerID int64, id string) error {
	err := s.store.DeleteShareLink(ctx, ownerID, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound(msgLinkNotFound)
	}
	if err != nil {
		return apierror.Internal("Failed to delete share link", err)
	}
	s.audit(ctx, ownerID, store.AuditDeleteShareLink, "share_link", id, nil)
	return nil
}

// Access is a public view of link id. It consumes one view and returns the
// live states of the shared entities.
func (s *Service) Access(ctx context.Context, id string) (*AccessResult, error) {
	now := s.clock.Now()
	var deactivated bool

	link, err := s.store.WithShareLink(ctx, id, func(l *store.ShareLink) error {
		deactivate, err := Evaluate(l, now)
		if deactivate {
			l.Active = false
			deactivated = true
		}
		if err != nil {
			return err
		}
		l.AccessCount++
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound(msgLinkNotFound)
	}
	if lifecycle := lifecycleError(err); lifecycle != nil {
		if deactivated {
			s.emitDeactivated(ctx, link, err)
		}
		return nil, lifecycle
	}
	if err != nil {
		return nil, apierror.Internal("Failed to load share link", err)
	}

	owner, err := s.store.GetUser(ctx, link.UserID)
	if err != nil {
		return nil, apierror.Internal("Failed to load share link owner", err)
	}

	entities := []*homeassistant.State{}
	client, err := s.resolver.Cached(owner, s.cache)
	switch {
	case errors.Is(err, hacreds.ErrNotConfigured):
		s.logger.Warn("share link owner has no home assistant configured", "share_id", link.ID, "owner_id", owner.ID)
	case err != nil:
		return nil, apierror.Internal("Failed to fetch entities", err)
	default:
		states, err := client.GetStates(ctx, link.EntityIDs)
		if err != nil {
			return nil, apierror.Wrap(http.StatusBadGateway, "Failed to fetch entities", err)
		}
		entities = states
	}

	return &AccessResult{
		Entities:   entities,
		Share:      NewLinkView(link),
		AccessMode: link.AccessMode,
	}, nil
}

// Trigger calls a service on one entity of a triggerable link. It does not
// consume a view, but an expired time link is refused and switched off.
func (s *Service) Trigger(ctx context.Context, id, entityID string, req TriggerRequest) error {
	if req.Service == "" {
		return apierror.BadRequest("service is required")
	}

	now := s.clock.Now()
	var deactivated bool
	link, err := s.store.WithShareLink(ctx, id, func(l *store.ShareLink) error {
		deactivate, err := checkTriggerable(l, now)
		if deactivate {
			l.Active = false
			deactivated = true
		}
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound(msgLinkNotFound)
	}
	if lifecycle := lifecycleError(err); lifecycle != nil {
		if deactivated {
			s.emitDeactivated(ctx, link, err)
		}
		return lifecycle
	}
	if err != nil {
		return apierror.Internal("Failed to load share link", err)
	}

	if link.AccessMode != store.AccessTriggerable {
		return apierror.Forbidden("This share link is read-only")
	}
	if !link.IncludesEntity(entityID) {
		return apierror.Forbidden("Entity not included in this share")
	}
	domain, err := homeassistant.DomainOf(entityID)
	if err != nil {
		return apierror.BadRequest("Invalid entity ID format")
	}
	if !servicePattern.MatchString(req.Service) {
		return apierror.BadRequest("Invalid service name")
	}

	owner, err := s.store.GetUser(ctx, link.UserID)
	if err != nil {
		return apierror.Internal("Failed to load share link owner", err)
	}
	client, err := s.resolver.Cached(owner, s.cache)
	if errors.Is(err, hacreds.ErrNotConfigured) {
		return apierror.BadRequest("Share link owner has not configured Home Assistant")
	}
	if err != nil {
		return apierror.Internal("Failed to trigger entity", err)
	}

	data := make(map[string]any, len(req.Data)+1)
	for k, v := range req.Data {
		data[k] = v
	}
	data["entity_id"] = entityID

	if err := client.CallService(ctx, domain, req.Service, data); err != nil {
		return apierror.Wrap(http.StatusBadGateway, "Failed to trigger entity: "+err.Error(), err)
	}

	s.audit(ctx, 0, store.AuditTriggerShareLink, "share_link", link.ID, map[string]any{
		"entity_id": entityID,
		"service":   req.Service,
	})
	s.notifier.Notify(ctx, notify.Event{
		Kind:          notify.KindEntityTriggered,
		ShareID:       link.ID,
		OwnerID:       owner.ID,
		OwnerUsername: owner.Username,
		EntityID:      entityID,
		Service:       req.Service,
		At:            now,
	})
	s.logger.Info("entity triggered via share link", "share_id", link.ID, "entity_id", entityID, "service", req.Service)
	return nil
}

// lifecycleError maps a lifecycle denial to a 403, or returns nil.
func lifecycleError(err error) error {
	for _, denial := range []error{ErrLinkInactive, ErrLinkExhausted, ErrLinkExpired} {
		if errors.Is(err, denial) {
			return apierror.Forbidden(denial.Error())
		}
	}
	return nil
}

func (s *Service) emitDeactivated(ctx context.Context, link *store.ShareLink, reason error) {
	if link == nil {
		return
	}
	kind := notify.KindLinkExpired
	if errors.Is(reason, ErrLinkExhausted) {
		kind = notify.KindLinkExhausted
	}
	e := notify.Event{Kind: kind, ShareID: link.ID, OwnerID: link.UserID, At: s.clock.Now()}
	if owner, err := s.store.GetUser(ctx, link.UserID); err == nil {
		e.OwnerUsername = owner.Username
	}
	s.logger.Info("share link deactivated", "share_id", link.ID, "reason", kind)
	s.notifier.Notify(ctx, e)
}

func (s *Service) audit(ctx context.Context, actor int64, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorUserID: actor,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Detail:      detail,
	})
	if err != nil {
		s.logger.Warn("appending audit log", "action", action, "target_id", targetID, "error", err)
	}
}

// storedExpiry drops sub-second precision, which the store does not keep,
// so the expiry checked on access matches the one returned to the owner.
func storedExpiry(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
