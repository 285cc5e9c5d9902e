// ABOUTME: Registration, login, OTP verification, refresh and logout
// ABOUTME: Every successful login path ends in IssueSession

package accounts

import (
	"context"
	"errors"
	"strconv"

	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/store"
)

const msgBadCredentials = "invalid username or password"

// Session is the token payload returned by every login path.
type Session struct {
	Token                 string    `json:"token"`
	RefreshToken          string    `json:"refresh_token"`
	User                  *UserView `json:"user"`
	IsAdmin               bool      `json:"is_admin"`
	RequirePasswordChange bool      `json:"require_password_change"`
	HasHAConfig           bool      `json:"has_ha_config"`
}

// LoginResult is either a Session or a request for the OTP step.
type LoginResult struct {
	*Session
	OTPRequired bool   `json:"otp_required"`
	Message     string `json:"message,omitempty"`
}

// RegisterResult is returned once, when the first admin is created.
type RegisterResult struct {
	*Session
	GeneratedPassword string `json:"generated_password"`
	Message           string `json:"message"`
}

// TokenPair is returned by Refresh.
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// IssueSession mints an access token and a refresh token for u.
func (s *Service) IssueSession(ctx context.Context, u *store.User) (*Session, error) {
	token, err := s.verifier.Generate(u.ID, u.Username, s.accessTTL)
	if err != nil {
		return nil, apierror.Internal("Failed to generate token", err)
	}
	refresh, err := s.refresh.Issue(ctx, u.ID)
	if err != nil {
		return nil, apierror.Internal("Failed to generate token", err)
	}
	return &Session{
		Token:                 token,
		RefreshToken:          refresh,
		User:                  NewUserView(u),
		IsAdmin:               u.IsAdmin,
		RequirePasswordChange: u.RequirePasswordChange,
		HasHAConfig:           u.HasHAConfig(),
	}, nil
}

// AdminExists reports whether registration is closed.
func (s *Service) AdminExists(ctx context.Context) (bool, error) {
	n, err := s.store.CountAdmins(ctx)
	if err != nil {
		return false, apierror.Internal("Failed to count admins", err)
	}
	return n > 0, nil
}

// CreateFirstAdmin creates username as the first admin with a generated
// password. It fails with 403 once any admin exists.
func (s *Service) CreateFirstAdmin(ctx context.Context, username string) (*store.User, string, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, "", err
	}
	password, err := auth.GeneratePassword()
	if err != nil {
		return nil, "", apierror.Internal("Failed to generate password", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", apierror.Internal("Failed to hash password", err)
	}

	u := &store.User{Username: username, PasswordHash: hash, RequirePasswordChange: true}
	switch err := s.store.CreateFirstUser(ctx, u); {
	case errors.Is(err, store.ErrAdminExists):
		return nil, "", apierror.Forbidden("Registration is disabled. Please contact your administrator.")
	case errors.Is(err, store.ErrUsernameExists):
		return nil, "", apierror.Conflict("username already exists")
	case err != nil:
		return nil, "", apierror.Internal("Failed to create user", err)
	}

	s.audit(ctx, u.ID, store.AuditRegisterUser, strconv.FormatInt(u.ID, 10), map[string]any{"username": username})
	s.logger.Info("first admin registered", "user_id", u.ID, "username", username)
	return u, password, nil
}

// Register is the public self-registration path. It only works until the
// first admin exists.
func (s *Service) Register(ctx context.Context, username string) (*RegisterResult, error) {
	u, password, err := s.CreateFirstAdmin(ctx, username)
	if err != nil {
		return nil, err
	}
	sess, err := s.IssueSession(ctx, u)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{
		Session:           sess,
		GeneratedPassword: password,
		Message:           "Please change your password after login",
	}, nil
}

// checkCredentials returns the user when username and password match.
// Unknown users and wrong passwords produce the same error and cost.
func (s *Service) checkCredentials(ctx context.Context, username, password string) (*store.User, error) {
	if username == "" || password == "" {
		return nil, apierror.BadRequest("username and password are required")
	}
	u, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		auth.CheckPassword("", password)
		return nil, apierror.Unauthorized(msgBadCredentials)
	}
	if err != nil {
		return nil, apierror.Internal("Failed to load user", err)
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, apierror.Unauthorized(msgBadCredentials)
	}
	return u, nil
}

// Login checks a password. Users with OTP enabled get OTPRequired and
// must continue with VerifyOTP.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	u, err := s.checkCredentials(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if u.OTPEnabled {
		return &LoginResult{OTPRequired: true, Message: "OTP verification required"}, nil
	}
	sess, err := s.IssueSession(ctx, u)
	if err != nil {
		return nil, err
	}
	s.logger.Info("login", "user_id", u.ID)
	return &LoginResult{Session: sess}, nil
}

// VerifyOTP completes a two-factor login with a TOTP code or an unused
// backup code. A backup code is consumed on success.
func (s *Service) VerifyOTP(ctx context.Context, username, password, code string) (*LoginResult, error) {
	u, err := s.checkCredentials(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if !u.OTPEnabled {
		return nil, apierror.BadRequest("OTP is not enabled for this user")
	}
	if code == "" {
		return nil, apierror.BadRequest("code is required")
	}

	secret, err := s.sealer.Open(u.OTPSecret)
	if err != nil {
		return nil, apierror.Internal("Failed to read OTP secret", err)
	}
	if !s.otp.Verify(u.ID, secret, code) {
		hash, ok := auth.MatchBackupCode(u.OTPBackupCodes, code)
		if !ok {
			s.logger.Warn("otp verification failed", "user_id", u.ID)
			return nil, apierror.Unauthorized("Invalid OTP code")
		}
		err := s.store.ConsumeBackupCode(ctx, u.ID, hash)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("backup code already used", "user_id", u.ID)
			return nil, apierror.Unauthorized("Invalid OTP code")
		}
		if err != nil {
			return nil, apierror.Internal("Failed to verify backup code", err)
		}
		s.logger.Info("backup code used", "user_id", u.ID, "remaining", len(u.OTPBackupCodes)-1)
	}

	sess, err := s.IssueSession(ctx, u)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: sess}, nil
}

// Refresh exchanges a refresh token for a new access token and a rotated
// refresh token.
func (s *Service) Refresh(ctx context.Context, raw string) (*TokenPair, error) {
	if raw == "" {
		return nil, apierror.BadRequest("refresh_token is required")
	}
	userID, next, err := s.refresh.Rotate(ctx, raw)
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return nil, apierror.Unauthorized("refresh token expired")
	case errors.Is(err, auth.ErrInvalidToken):
		return nil, apierror.Unauthorized("invalid refresh token")
	case err != nil:
		return nil, apierror.Internal("Failed to refresh token", err)
	}

	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		_ = s.refresh.Revoke(ctx, next)
		return nil, apierror.Unauthorized("user not found")
	}
	if err != nil {
		return nil, apierror.Internal("Failed to load user", err)
	}
	token, err := s.verifier.Generate(u.ID, u.Username, s.accessTTL)
	if err != nil {
		return nil, apierror.Internal("Failed to generate token", err)
	}
	return &TokenPair{Token: token, RefreshToken: next}, nil
}

// Logout revokes one refresh token. Unknown tokens succeed.
func (s *Service) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	if err := s.refresh.Revoke(ctx, raw); err != nil {
		return apierror.Internal("Failed to log out", err)
	}
	return nil
}
