// ABOUTME: Per-account settings: Home Assistant credentials, password, and OTP enrolment
// ABOUTME: HA tokens and OTP secrets are sealed before they reach the store

package accounts

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/store"
)

// Settings is the body of GET /api/settings.
type Settings struct {
	Username              string `json:"username"`
	HasHAConfig           bool   `json:"has_ha_config"`
	HAURL                 string `json:"ha_url"`
	RequirePasswordChange bool   `json:"require_password_change"`
	OTPEnabled            bool   `json:"otp_enabled"`
	IsAdmin               bool   `json:"is_admin"`
}

// Settings returns the caller's account settings.
func (s *Service) Settings(ctx context.Context, userID int64) (*Settings, error) {
	u, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Settings{
		Username:              u.Username,
		HasHAConfig:           u.HasHAConfig(),
		HAURL:                 u.HAURL,
		RequirePasswordChange: u.RequirePasswordChange,
		OTPEnabled:            u.OTPEnabled,
		IsAdmin:               u.IsAdmin,
	}, nil
}

// ConfigureHA validates url and token against Home Assistant by listing
// all states, then stores them for userID.
func (s *Service) ConfigureHA(ctx context.Context, userID int64, url, token string) error {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	token = strings.TrimSpace(token)
	if url == "" || token == "" {
		return apierror.BadRequest("ha_url and ha_token are required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return apierror.BadRequest("Invalid Home Assistant URL or token: url must start with http:// or https://")
	}

	if _, err := s.resolver.Connect(url, token).GetAllStates(ctx); err != nil {
		return apierror.BadRequest("Invalid Home Assistant URL or token: " + err.Error())
	}

	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return apierror.Internal("Failed to update configuration", err)
	}
	err = s.store.SetUserHAConfig(ctx, userID, url, sealed)
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound("User not found")
	}
	if err != nil {
		return apierror.Internal("Failed to update configuration", err)
	}

	s.audit(ctx, userID, store.AuditConfigureHA, strconv.FormatInt(userID, 10), map[string]any{"ha_url": url})
	s.logger.Info("home assistant configured", "user_id", userID, "ha_url", url)
	return nil
}

// ChangePassword replaces the caller's password after checking the
// current one. All refresh tokens are revoked so other sessions end.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if current == "" || next == "" {
		return apierror.BadRequest("current_password and new_password are required")
	}
	u, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(u.PasswordHash, current) {
		return apierror.Unauthorized("Current password is incorrect")
	}
	if err := auth.ValidateNewPassword(next); err != nil {
		return passwordError(err)
	}

	hash, err := auth.HashPassword(next)
	if err != nil {
		return apierror.Internal("Failed to hash password", err)
	}
	if err := s.store.SetUserPassword(ctx, u.ID, hash, false); err != nil {
		return apierror.Internal("Failed to update password", err)
	}
	if err := s.refresh.RevokeAll(ctx, userID); err != nil {
		return apierror.Internal("Failed to revoke sessions", err)
	}

	s.audit(ctx, userID, store.AuditChangePassword, strconv.FormatInt(userID, 10), nil)
	return nil
}

// SetupOTP generates an enrolment secret and QR code. Nothing is stored
// until EnableOTP confirms a code.
func (s *Service) SetupOTP(ctx context.Context, userID int64) (*auth.OTPSetup, error) {
	u, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	setup, err := s.otp.Setup(u.Username)
	if err != nil {
		return nil, apierror.Internal("Failed to generate OTP secret", err)
	}
	return setup, nil
}

// EnableOTP binds secret to the caller once password and a current code
// check out. It returns the plaintext backup codes, shown once.
func (s *Service) EnableOTP(ctx context.Context, userID int64, password, secret, code string) ([]string, error) {
	if password == "" || secret == "" || code == "" {
		return nil, apierror.BadRequest("password, secret and code are required")
	}
	u, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, apierror.Unauthorized("Invalid password")
	}
	if !s.otp.Verify(u.ID, secret, code) {
		return nil, apierror.BadRequest("Invalid OTP code")
	}

	codes, hashes, err := auth.GenerateBackupCodes()
	if err != nil {
		return nil, apierror.Internal("Failed to generate backup codes", err)
	}
	sealedSecret, err := s.sealer.Seal(secret)
	if err != nil {
		return nil, apierror.Internal("Failed to enable OTP", err)
	}
	if err := s.store.SetUserOTP(ctx, u.ID, sealedSecret, true, hashes); err != nil {
		return nil, apierror.Internal("Failed to enable OTP", err)
	}

	s.audit(ctx, userID, store.AuditEnableOTP, strconv.FormatInt(userID, 10), nil)
	return codes, nil
}

// DisableOTP clears the caller's OTP secret and backup codes.
func (s *Service) DisableOTP(ctx context.Context, userID int64, password string) error {
	if password == "" {
		return apierror.BadRequest("password is required")
	}
	u, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return apierror.Unauthorized("Invalid password")
	}

	if err := s.store.SetUserOTP(ctx, u.ID, "", false, nil); err != nil {
		return apierror.Internal("Failed to disable OTP", err)
	}

	s.audit(ctx, userID, store.AuditDisableOTP, strconv.FormatInt(userID, 10), nil)
	return nil
}
