// ABOUTME: Account service wiring, shared views, and username rules
// ABOUTME: Sessions, settings and admin operations hang off Service in sibling files

package accounts

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
	"github.com/2389/hearth-gateway/internal/sealed"
	"github.com/2389/hearth-gateway/internal/store"
)

// DefaultAccessTTL is the lifetime of an access token.
const DefaultAccessTTL = 24 * time.Hour

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{2,31}$`)

// ValidateUsername checks the username rule: 3-32 characters, starting
// with a letter, then letters, digits, underscore, hyphen or dot.
func ValidateUsername(username string) error {
	if username == "" {
		return apierror.BadRequest("username is required")
	}
	if !usernamePattern.MatchString(username) {
		return apierror.BadRequest("username must be 3-32 characters, start with a letter, and contain only letters, digits, '_', '-' or '.'")
	}
	return nil
}

// Store is the persistence the account service needs.
type Store interface {
	store.UserStore
	store.RefreshTokenStore
	store.AuditStore
}

// Config wires a Service.
type Config struct {
	Store     Store
	Verifier  *auth.JWTVerifier
	Refresh   *auth.RefreshTokens
	OTP       *auth.OTP
	Sealer    *sealed.Sealer
	Resolver  *hacreds.Resolver
	AccessTTL time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Service implements registration, login, settings and user admin.
type Service struct {
	store     Store
	verifier  *auth.JWTVerifier
	refresh   *auth.RefreshTokens
	otp       *auth.OTP
	sealer    *sealed.Sealer
	resolver  *hacreds.Resolver
	accessTTL time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		refresh:   cfg.Refresh,
		otp:       cfg.OTP,
		sealer:    cfg.Sealer,
		resolver:  cfg.Resolver,
		accessTTL: cfg.AccessTTL,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.otp == nil {
		s.otp = auth.NewOTP("Hearth", s.clock)
	}
	s.logger = s.logger.With("component", "accounts")
	return s
}

// UserView is the client representation of a user. Secrets never leave
// the server.
type UserView struct {
	ID                    int64     `json:"id"`
	Username              string    `json:"username"`
	IsAdmin               bool      `json:"is_admin"`
	RequirePasswordChange bool      `json:"require_password_change"`
	HasHAConfig           bool      `json:"has_ha_config"`
	OTPEnabled            bool      `json:"otp_enabled"`
	CreatedAt             time.Time `json:"created_at"`
}

// NewUserView converts u for output.
func NewUserView(u *store.User) *UserView {
	return &UserView{
		ID:                    u.ID,
		Username:              u.Username,
		IsAdmin:               u.IsAdmin,
		RequirePasswordChange: u.RequirePasswordChange,
		HasHAConfig:           u.HasHAConfig(),
		OTPEnabled:            u.OTPEnabled,
		CreatedAt:             u.CreatedAt,
	}
}

// DirectoryEntry is one row of the share-with-user picker.
type DirectoryEntry struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (s *Service) loadUser(ctx context.Context, id int64) (*store.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("User not found")
	}
	if err != nil {
		return nil, apierror.Internal("Failed to load user", err)
	}
	return u, nil
}

// audit appends an entry and only logs on failure.
func (s *Service) audit(ctx context.Context, actor int64, action store.AuditAction, targetID string, detail map[string]any) {
	err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorUserID: actor,
		Action:      action,
		TargetType:  "user",
		TargetID:    targetID,
		Timestamp:   s.clock.Now().UTC(),
		Detail:      detail,
	})
	if err != nil {
		s.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

func passwordError(err error) error {
	return apierror.Wrap(http.StatusBadRequest, err.Error(), err)
}
