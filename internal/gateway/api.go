// ABOUTME: HTTP API handlers translating JSON requests into service calls
// ABOUTME: Covers sessions, settings, entities, share links, grants, passkeys, and admin

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/sharing"
	"github.com/2389/hearth-gateway/internal/store"
)

// credentialsRequest is the body of login and OTP verification.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

// refreshRequest is the body of POST /api/refresh-token and /api/logout.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// configureHARequest is the body of POST /api/settings/ha.
type configureHARequest struct {
	HAURL   string `json:"ha_url"`
	HAToken string `json:"ha_token"`
}

// changePasswordRequest is the body of POST /api/settings/password.
type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// otpEnableRequest is the body of POST /api/settings/otp/enable and disable.
type otpEnableRequest struct {
	Password string `json:"password"`
	Secret   string `json:"secret"`
	Code     string `json:"code"`
}

// addEntityRequest is the body of POST /api/entities.
type addEntityRequest struct {
	EntityID string `json:"entity_id"`
}

// createUserRequest is the body of POST /api/users and /api/register.
type createUserRequest struct {
	Username string `json:"username"`
}

// setAdminRequest is the body of PUT /api/users/{id}/admin.
type setAdminRequest struct {
	IsAdmin *bool `json:"is_admin"`
}

// pathID parses a numeric path value, writing 400 with msg when it is not one.
func pathID(w http.ResponseWriter, r *http.Request, name, msg string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		sendJSONError(w, http.StatusBadRequest, msg)
		return 0, false
	}
	return id, true
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when the database answers, 503 otherwise.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.health.check(r.Context(), g.store); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Sessions

func (g *Gateway) handleAdminExists(w http.ResponseWriter, r *http.Request) {
	exists, err := g.accounts.AdminExists(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	res, err := g.accounts.Register(r.Context(), req.Username)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	res, err := g.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	res, err := g.accounts.VerifyOTP(r.Context(), req.Username, req.Password, req.Code)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	pair, err := g.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if err := g.accounts.Logout(r.Context(), req.RefreshToken); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Logged out"})
}

// Settings

func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := g.accounts.Settings(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (g *Gateway) handleConfigureHA(w http.ResponseWriter, r *http.Request) {
	var req configureHARequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	userID := auth.MustFromContext(r.Context()).UserID
	if err := g.accounts.ConfigureHA(r.Context(), userID, req.HAURL, req.HAToken); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Home Assistant configuration updated successfully"})
}

func (g *Gateway) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	userID := auth.MustFromContext(r.Context()).UserID
	if err := g.accounts.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Password changed successfully"})
}

func (g *Gateway) handleOTPSetup(w http.ResponseWriter, r *http.Request) {
	setup, err := g.accounts.SetupOTP(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (g *Gateway) handleOTPEnable(w http.ResponseWriter, r *http.Request) {
	var req otpEnableRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	userID := auth.MustFromContext(r.Context()).UserID
	codes, err := g.accounts.EnableOTP(r.Context(), userID, req.Password, req.Secret, req.Code)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "OTP enabled successfully",
		"backup_codes": codes,
	})
}

func (g *Gateway) handleOTPDisable(w http.ResponseWriter, r *http.Request) {
	var req otpEnableRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	userID := auth.MustFromContext(r.Context()).UserID
	if err := g.accounts.DisableOTP(r.Context(), userID, req.Password); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"OTP disabled successfully"})
}

// Tracked entities

func (g *Gateway) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := g.tracker.List(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (g *Gateway) handleAddEntity(w http.ResponseWriter, r *http.Request) {
	var req addEntityRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	entity, err := g.tracker.Add(r.Context(), auth.MustFromContext(r.Context()).UserID, req.EntityID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (g *Gateway) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustFromContext(r.Context()).UserID
	if err := g.tracker.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Entity deleted"})
}

func (g *Gateway) handleAllHAEntities(w http.ResponseWriter, r *http.Request) {
	states, err := g.tracker.AllStates(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// User-to-user sharing

func (g *Gateway) handleShareEntity(w http.ResponseWriter, r *http.Request) {
	var req sharing.GrantRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	view, created, err := g.sharing.Grant(r.Context(), auth.MustFromContext(r.Context()).UserID, req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if created {
		writeJSON(w, http.StatusCreated, view)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Shared entity updated", "share": view})
}

func (g *Gateway) handleSharedWithMe(w http.ResponseWriter, r *http.Request) {
	grants, err := g.sharing.SharedWithMe(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (g *Gateway) handleSharedWithMeStates(w http.ResponseWriter, r *http.Request) {
	states, err := g.sharing.GrantedStates(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (g *Gateway) handleMyShares(w http.ResponseWriter, r *http.Request) {
	grants, err := g.sharing.MyShares(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (g *Gateway) handleUnshareEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "Invalid share ID")
	if !ok {
		return
	}
	if err := g.sharing.Revoke(r.Context(), auth.MustFromContext(r.Context()).UserID, id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Entity unshared successfully"})
}

func (g *Gateway) handleTriggerShared(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "Invalid share ID")
	if !ok {
		return
	}
	var req sharing.TriggerRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := g.sharing.TriggerGranted(r.Context(), auth.MustFromContext(r.Context()).UserID, id, req); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Entity triggered successfully"})
}

func (g *Gateway) handleUserDirectory(w http.ResponseWriter, r *http.Request) {
	entries, err := g.accounts.Directory(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Share links

func (g *Gateway) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req sharing.CreateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	link, err := g.sharing.Create(r.Context(), auth.MustFromContext(r.Context()).UserID, req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (g *Gateway) handleListShares(w http.ResponseWriter, r *http.Request) {
	links, err := g.sharing.List(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (g *Gateway) handleUpdateShare(w http.ResponseWriter, r *http.Request) {
	var req sharing.UpdateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	userID := auth.MustFromContext(r.Context()).UserID
	link, err := g.sharing.Update(r.Context(), userID, r.PathValue("id"), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (g *Gateway) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustFromContext(r.Context()).UserID
	if err := g.sharing.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Share link deleted"})
}

func (g *Gateway) handleAccessShare(w http.ResponseWriter, r *http.Request) {
	res, err := g.sharing.Access(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleTriggerShare(w http.ResponseWriter, r *http.Request) {
	var req sharing.TriggerRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := g.sharing.Trigger(r.Context(), r.PathValue("id"), r.PathValue("entityId"), req); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Entity triggered successfully"})
}

// Passkeys. Finish calls carry the challenge's session token in the
// "session" query parameter and the authenticator response as the body.

func (g *Gateway) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	challenge, err := g.passkeys.BeginRegistration(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (g *Gateway) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	userID := auth.MustFromContext(r.Context()).UserID
	view, err := g.passkeys.FinishRegistration(r.Context(), userID, r.URL.Query().Get("session"), body)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (g *Gateway) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	challenge, err := g.passkeys.BeginLogin(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (g *Gateway) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	session, err := g.passkeys.FinishLogin(r.Context(), r.URL.Query().Get("session"), body)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (g *Gateway) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	keys, err := g.passkeys.List(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (g *Gateway) handleDeletePasskey(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustFromContext(r.Context()).UserID
	if err := g.passkeys.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Passkey deleted"})
}

// Admin

func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.accounts.ListUsers(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	created, err := g.accounts.CreateUser(r.Context(), auth.MustFromContext(r.Context()).UserID, req.Username)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (g *Gateway) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "Invalid user ID")
	if !ok {
		return
	}
	if err := g.accounts.DeleteUser(r.Context(), auth.MustFromContext(r.Context()).UserID, id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"User deleted successfully"})
}

func (g *Gateway) handleSetAdmin(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "Invalid user ID")
	if !ok {
		return
	}
	var req setAdminRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.IsAdmin == nil {
		sendJSONError(w, http.StatusBadRequest, "is_admin is required")
		return
	}
	user, err := g.accounts.SetAdmin(r.Context(), auth.MustFromContext(r.Context()).UserID, id, *req.IsAdmin)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User admin status updated successfully",
		"user":    user,
	})
}

// handleAuditLog serves GET /api/audit?action=&target_type=&since=&limit=.
func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := g.accounts.AuditLog(r.Context(), f)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var f store.AuditFilter
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}
	if v := q.Get("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC3339 timestamp")
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = limit
	}
	return f, nil
}
