// ABOUTME: Store interfaces and data types for hearth-gateway persistence
// ABOUTME: Defines users, tokens, tracked entities, share links, grants, and the composite Store

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrUsernameExists is returned when trying to create a user with an existing username.
var ErrUsernameExists = errors.New("username already exists")

// ErrDuplicate is returned when a unique constraint other than username is violated.
var ErrDuplicate = errors.New("already exists")

// ErrLastAdmin is returned when an operation would leave the system without an admin.
var ErrLastAdmin = errors.New("cannot remove the last admin user")

// ShareType selects how a share link expires.
type ShareType string

const (
	ShareTypePermanent ShareType = "permanent"
	ShareTypeCounter   ShareType = "counter"
	ShareTypeTime      ShareType = "time"
)

// Valid reports whether t is a known share type.
func (t ShareType) Valid() bool {
	switch t {
	case ShareTypePermanent, ShareTypeCounter, ShareTypeTime:
		return true
	}
	return false
}

// AccessMode selects what a share recipient may do.
type AccessMode string

const (
	AccessReadOnly    AccessMode = "readonly"
	AccessTriggerable AccessMode = "triggerable"
)

// Valid reports whether m is a known access mode.
func (m AccessMode) Valid() bool {
	return m == AccessReadOnly || m == AccessTriggerable
}

// User is a registered account.
type User struct {
	ID                    int64
	Username              string
	PasswordHash          string
	IsAdmin               bool
	RequirePasswordChange bool
	HAURL                 string
	HAToken               string   // sealed at rest
	OTPSecret             string   // sealed at rest
	OTPEnabled            bool
	OTPBackupCodes        []string // bcrypt hashes of unused codes
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasHAConfig reports whether the user configured their own Home Assistant.
func (u *User) HasHAConfig() bool {
	return u.HAURL != "" && u.HAToken != ""
}

// RefreshToken is a long-lived session credential. Only its hash is stored.
type RefreshToken struct {
	TokenHash string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TrackedEntity is a Home Assistant entity a user follows, with its last known state.
type TrackedEntity struct {
	ID          int64
	UserID      int64
	EntityID    string
	State       string
	Attributes  map[string]any
	LastChanged time.Time
	LastUpdated time.Time
	CreatedAt   time.Time
}

// ShareLink grants public access to a set of entities.
type ShareLink struct {
	ID          string
	UserID      int64
	EntityIDs   []string
	Type        ShareType
	AccessMode  AccessMode
	MaxAccess   int
	AccessCount int
	ExpiresAt   *time.Time
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IncludesEntity reports whether entityID is one of the link's entities.
func (l *ShareLink) IncludesEntity(entityID string) bool {
	for _, id := range l.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// SharedEntity grants another registered user access to one tracked entity.
type SharedEntity struct {
	ID                 int64
	EntityID           string
	OwnerID            int64
	SharedWithID       int64
	AccessMode         AccessMode
	CreatedAt          time.Time
	OwnerUsername      string // populated on reads
	SharedWithUsername string // populated on reads
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	// CreateFirstUser inserts u as admin only if no admin exists yet.
	CreateFirstUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SetUserPassword(ctx context.Context, id int64, hash string, requireChange bool) error
	SetUserHAConfig(ctx context.Context, id int64, url, sealedToken string) error
	SetUserOTP(ctx context.Context, id int64, sealedSecret string, enabled bool, backupCodes []string) error
	// ConsumeBackupCode atomically removes one backup code hash.
	// It returns ErrNotFound if the hash is no longer present.
	ConsumeBackupCode(ctx context.Context, userID int64, hash string) error
	ListUsers(ctx context.Context) ([]*User, error)
	CountAdmins(ctx context.Context) (int, error)
	SetUserAdmin(ctx context.Context, id int64, isAdmin bool) error
	DeleteUser(ctx context.Context, id int64) error
}

// RefreshTokenStore persists refresh token hashes.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) error
	DeleteUserRefreshTokens(ctx context.Context, userID int64) error
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// EntityStore persists tracked entities.
type EntityStore interface {
	CreateEntity(ctx context.Context, e *TrackedEntity) error
	GetEntityByEntityID(ctx context.Context, userID int64, entityID string) (*TrackedEntity, error)
	ListEntities(ctx context.Context, userID int64) ([]*TrackedEntity, error)
	UpdateEntityState(ctx context.Context, e *TrackedEntity) error
	DeleteEntity(ctx context.Context, userID, id int64) error
	ListUsersWithEntities(ctx context.Context) ([]int64, error)
}

// ShareLinkStore persists public share links.
type ShareLinkStore interface {
	CreateShareLink(ctx context.Context, l *ShareLink) error
	GetShareLink(ctx context.Context, id string) (*ShareLink, error)
	ListShareLinks(ctx context.Context, userID int64) ([]*ShareLink, error)
	UpdateShareLink(ctx context.Context, l *ShareLink) error
	DeleteShareLink(ctx context.Context, userID int64, id string) error
	// WithShareLink loads a link inside a transaction and hands it to fn.
	// Changes fn makes to Active and AccessCount are persisted before commit,
	// even when fn returns an error, and that error is returned afterwards.
	WithShareLink(ctx context.Context, id string, fn func(*ShareLink) error) (*ShareLink, error)
}

// GrantStore persists user-to-user entity grants.
type GrantStore interface {
	// UpsertSharedEntity creates a grant or updates the access mode of an
	// existing one. created reports which happened.
	UpsertSharedEntity(ctx context.Context, g *SharedEntity) (created bool, err error)
	GetSharedEntity(ctx context.Context, id int64) (*SharedEntity, error)
	ListSharedWith(ctx context.Context, userID int64) ([]*SharedEntity, error)
	ListSharedBy(ctx context.Context, ownerID int64) ([]*SharedEntity, error)
	DeleteSharedEntity(ctx context.Context, ownerID, id int64) error
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	UserStore
	RefreshTokenStore
	EntityStore
	ShareLinkStore
	GrantStore
	PasskeyStore
	AuditStore
	Ping(ctx context.Context) error
	Close() error
}
