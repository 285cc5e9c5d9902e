// ABOUTME: Admin-only user management, the audit log view, and the user directory
// ABOUTME: Last-admin protection is enforced by the store; this maps it to client errors

package accounts

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/store"
)

// CreatedUser is returned when an admin creates an account.
type CreatedUser struct {
	User              *UserView `json:"user"`
	GeneratedPassword string    `json:"generated_password"`
	Message           string    `json:"message"`
}

// AuditView is one audit log row for output.
type AuditView struct {
	ID          string         `json:"id"`
	ActorUserID int64          `json:"actor_user_id"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// ListUsers returns every account.
func (s *Service) ListUsers(ctx context.Context) ([]*UserView, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch users", err)
	}
	views := make([]*UserView, 0, len(users))
	for _, u := range users {
		views = append(views, NewUserView(u))
	}
	return views, nil
}

// Directory lists id and username of every account for the share picker.
func (s *Service) Directory(ctx context.Context) ([]DirectoryEntry, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch users", err)
	}
	out := make([]DirectoryEntry, 0, len(users))
	for _, u := range users {
		out = append(out, DirectoryEntry{ID: u.ID, Username: u.Username})
	}
	return out, nil
}

// CreateUser adds a non-admin account with a generated password that must
// be changed on first login.
func (s *Service) CreateUser(ctx context.Context, actorID int64, username string) (*CreatedUser, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	password, err := auth.GeneratePassword()
	if err != nil {
		return nil, apierror.Internal("Failed to generate password", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apierror.Internal("Failed to hash password", err)
	}

	u := &store.User{Username: username, PasswordHash: hash, RequirePasswordChange: true}
	err = s.store.CreateUser(ctx, u)
	if errors.Is(err, store.ErrUsernameExists) {
		return nil, apierror.Conflict("username already exists")
	}
	if err != nil {
		return nil, apierror.Internal("Failed to create user", err)
	}

	s.audit(ctx, actorID, store.AuditCreateUser, strconv.FormatInt(u.ID, 10), map[string]any{"username": username})
	s.logger.Info("user created", "user_id", u.ID, "username", username, "by", actorID)
	return &CreatedUser{
		User:              NewUserView(u),
		GeneratedPassword: password,
		Message:           "User created successfully. Share this password with the user.",
	}, nil
}

// DeleteUser removes id and everything it owns. Admins cannot delete
// themselves, and the last admin cannot be deleted.
func (s *Service) DeleteUser(ctx context.Context, actorID, id int64) error {
	if actorID == id {
		return apierror.BadRequest("Cannot delete your own account")
	}
	switch err := s.store.DeleteUser(ctx, id); {
	case errors.Is(err, store.ErrNotFound):
		return apierror.NotFound("User not found")
	case errors.Is(err, store.ErrLastAdmin):
		return apierror.BadRequest("Cannot delete the last admin user")
	case err != nil:
		return apierror.Internal("Failed to delete user", err)
	}

	s.audit(ctx, actorID, store.AuditDeleteUser, strconv.FormatInt(id, 10), nil)
	s.logger.Info("user deleted", "user_id", id, "by", actorID)
	return nil
}

// SetAdmin grants or removes admin status and returns the updated user.
func (s *Service) SetAdmin(ctx context.Context, actorID, id int64, isAdmin bool) (*UserView, error) {
	switch err := s.store.SetUserAdmin(ctx, id, isAdmin); {
	case errors.Is(err, store.ErrNotFound):
		return nil, apierror.NotFound("User not found")
	case errors.Is(err, store.ErrLastAdmin):
		return nil, apierror.BadRequest("Cannot remove admin status from the last admin user")
	case err != nil:
		return nil, apierror.Internal("Failed to update user", err)
	}

	s.audit(ctx, actorID, store.AuditSetAdmin, strconv.FormatInt(id, 10), map[string]any{"is_admin": isAdmin})
	u, err := s.loadUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewUserView(u), nil
}

// ResetPassword gives username a new generated password, forces a change
// at next login, and ends every session. Used by the CLI.
func (s *Service) ResetPassword(ctx context.Context, username string) (string, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", apierror.NotFound("User not found")
	}
	if err != nil {
		return "", apierror.Internal("Failed to load user", err)
	}

	password, err := auth.GeneratePassword()
	if err != nil {
		return "", apierror.Internal("Failed to generate password", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", apierror.Internal("Failed to hash password", err)
	}
	if err := s.store.SetUserPassword(ctx, u.ID, hash, true); err != nil {
		return "", apierror.Internal("Failed to update password", err)
	}
	if err := s.refresh.RevokeAll(ctx, u.ID); err != nil {
		return "", apierror.Internal("Failed to revoke sessions", err)
	}

	s.audit(ctx, 0, store.AuditResetPassword, strconv.FormatInt(u.ID, 10), nil)
	return password, nil
}

// AuditLog returns audit entries matching f, newest first.
func (s *Service) AuditLog(ctx context.Context, f store.AuditFilter) ([]AuditView, error) {
	if f.Action != nil && *f.Action == "" {
		f.Action = nil
	}
	if f.TargetType != nil && *f.TargetType == "" {
		f.TargetType = nil
	}
	entries, err := s.store.ListAuditLog(ctx, f)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch audit log", err)
	}
	out := make([]AuditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditView{
			ID:          e.ID,
			ActorUserID: e.ActorUserID,
			Action:      string(e.Action),
			TargetType:  e.TargetType,
			TargetID:    e.TargetID,
			Timestamp:   e.Timestamp,
			Detail:      e.Detail,
		})
	}
	return out, nil
}
