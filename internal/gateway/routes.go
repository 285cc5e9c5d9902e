// ABOUTME: HTTP route table for the gateway
// ABOUTME: Public, authenticated, and admin routes with their middleware chains

package gateway

import (
	"net/http"

	"github.com/2389/hearth-gateway/internal/auth"
)

// routes builds the mux and wraps it in logging and compression.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth, no rate limit
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Help pages
	mux.HandleFunc("GET /{$}", g.docs.Index)
	mux.HandleFunc("GET /help/{topic}", g.docs.Topic)

	login := g.loginLimiter.Middleware
	public := g.publicLimiter.Middleware

	// Public endpoints
	mux.HandleFunc("GET /api/admin-exists", g.handleAdminExists)
	mux.Handle("POST /api/register", login(http.HandlerFunc(g.handleRegister)))
	mux.Handle("POST /api/login", login(http.HandlerFunc(g.handleLogin)))
	mux.Handle("POST /api/verify-otp", login(http.HandlerFunc(g.handleVerifyOTP)))
	mux.Handle("POST /api/refresh-token", login(http.HandlerFunc(g.handleRefreshToken)))
	mux.HandleFunc("POST /api/logout", g.handleLogout)
	mux.Handle("GET /api/shares/{id}", public(http.HandlerFunc(g.handleAccessShare)))
	mux.Handle("POST /api/shares/{id}/trigger/{entityId}", public(http.HandlerFunc(g.handleTriggerShare)))
	mux.Handle("POST /api/passkeys/login/begin", login(http.HandlerFunc(g.handlePasskeyLoginBegin)))
	mux.Handle("POST /api/passkeys/login/finish", login(http.HandlerFunc(g.handlePasskeyLoginFinish)))

	authed := auth.HTTPAuthMiddleware(g.store, g.verifier, g.logger)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}
	requireAdmin := auth.RequireAdminHTTP()
	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(requireAdmin(h)))
	}

	// Settings
	protect("GET /api/settings", g.handleGetSettings)
	protect("POST /api/settings/ha", g.handleConfigureHA)
	protect("POST /api/settings/password", g.handleChangePassword)
	protect("POST /api/settings/otp/setup", g.handleOTPSetup)
	protect("POST /api/settings/otp/enable", g.handleOTPEnable)
	protect("POST /api/settings/otp/disable", g.handleOTPDisable)

	// Tracked entities
	protect("GET /api/entities", g.handleListEntities)
	protect("POST /api/entities", g.handleAddEntity)
	protect("DELETE /api/entities/{id}", g.handleDeleteEntity)
	protect("GET /api/ha/entities", g.handleAllHAEntities)

	// User-to-user sharing
	protect("POST /api/share-entity", g.handleShareEntity)
	protect("GET /api/shared-with-me", g.handleSharedWithMe)
	protect("GET /api/shared-with-me/states", g.handleSharedWithMeStates)
	protect("GET /api/my-shares", g.handleMyShares)
	protect("DELETE /api/shared-entity/{id}", g.handleUnshareEntity)
	protect("POST /api/shared-entity/{id}/trigger", g.handleTriggerShared)
	protect("GET /api/users/directory", g.handleUserDirectory)

	// Share links
	protect("POST /api/shares", g.handleCreateShare)
	protect("GET /api/shares", g.handleListShares)
	protect("PUT /api/shares/{id}", g.handleUpdateShare)
	protect("DELETE /api/shares/{id}", g.handleDeleteShare)

	// Passkeys
	protect("POST /api/passkeys/register/begin", g.handlePasskeyRegisterBegin)
	protect("POST /api/passkeys/register/finish", g.handlePasskeyRegisterFinish)
	protect("GET /api/passkeys", g.handleListPasskeys)
	protect("DELETE /api/passkeys/{id}", g.handleDeletePasskey)

	// Admin
	admin("GET /api/users", g.handleListUsers)
	admin("POST /api/users", g.handleCreateUser)
	admin("DELETE /api/users/{id}", g.handleDeleteUser)
	admin("PUT /api/users/{id}/admin", g.handleSetAdmin)
	admin("GET /api/audit", g.handleAuditLog)

	return requestLogger(g.logger, compress(mux))
}
