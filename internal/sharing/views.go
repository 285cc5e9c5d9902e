// ABOUTME: JSON shapes returned by the sharing service
// ABOUTME: Keeps store structs free of wire tags

package sharing

import (
	"time"

	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/store"
)

// LinkView is a share link as returned by the API.
type LinkView struct {
	ID          string           `json:"id"`
	UserID      int64            `json:"user_id"`
	EntityIDs   []string         `json:"entity_ids"`
	Type        store.ShareType  `json:"type"`
	AccessMode  store.AccessMode `json:"access_mode"`
	MaxAccess   int              `json:"max_access"`
	AccessCount int              `json:"access_count"`
	Remaining   *int             `json:"remaining,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Active      bool             `json:"active"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewLinkView converts a stored link.
func NewLinkView(l *store.ShareLink) LinkView {
	v := LinkView{
		ID:          l.ID,
		UserID:      l.UserID,
		EntityIDs:   l.EntityIDs,
		Type:        l.Type,
		AccessMode:  l.AccessMode,
		MaxAccess:   l.MaxAccess,
		AccessCount: l.AccessCount,
		ExpiresAt:   l.ExpiresAt,
		Active:      l.Active,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
	if r := Remaining(l); r >= 0 {
		v.Remaining = &r
	}
	if v.EntityIDs == nil {
		v.EntityIDs = []string{}
	}
	return v
}

// AccessResult is the public view of a share link.
type AccessResult struct {
	Entities   []*homeassistant.State `json:"entities"`
	Share      LinkView               `json:"share"`
	AccessMode store.AccessMode       `json:"access_mode"`
}

// GrantView is a user-to-user grant.
type GrantView struct {
	ID                 int64            `json:"id"`
	EntityID           string           `json:"entity_id"`
	OwnerID            int64            `json:"owner_id"`
	OwnerUsername      string           `json:"owner_username,omitempty"`
	SharedWithID       int64            `json:"shared_with_id"`
	SharedWithUsername string           `json:"shared_with_username,omitempty"`
	AccessMode         store.AccessMode `json:"access_mode"`
	CreatedAt          time.Time        `json:"created_at"`
}

// NewGrantView converts a stored grant.
func NewGrantView(g *store.SharedEntity) GrantView {
	return GrantView{
		ID:                 g.ID,
		EntityID:           g.EntityID,
		OwnerID:            g.OwnerID,
		OwnerUsername:      g.OwnerUsername,
		SharedWithID:       g.SharedWithID,
		SharedWithUsername: g.SharedWithUsername,
		AccessMode:         g.AccessMode,
		CreatedAt:          g.CreatedAt,
	}
}

// GrantedState pairs a grant with the entity's live state. State is nil
// when the owner's Home Assistant could not provide it.
type GrantedState struct {
	GrantView
	State *homeassistant.State `json:"state"`
}
