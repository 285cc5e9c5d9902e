// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, loads the user, and gates admin routes

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/hearth-gateway/internal/store"
)

// UserGetter loads the user named by a verified token.
type UserGetter interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// extractBearerToken returns the token and an error message (empty if ok).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware verifies the access token and attaches an AuthContext.
// Admin status is read from the database on every request so a demotion
// takes effect before the token expires.
func HTTPAuthMiddleware(users UserGetter, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if errors.Is(err, ErrExpiredToken) {
				writeAuthError(w, http.StatusUnauthorized, "token expired")
				return
			}
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			user, err := users.GetUser(r.Context(), claims.UserID)
			if errors.Is(err, store.ErrNotFound) {
				writeAuthError(w, http.StatusUnauthorized, "user not found")
				return
			}
			if err != nil {
				logger.Error("loading user for token", "user_id", claims.UserID, "error", err)
				writeAuthError(w, http.StatusInternalServerError, "internal error")
				return
			}

			authCtx := &AuthContext{UserID: user.ID, Username: user.Username, IsAdmin: user.IsAdmin}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP rejects non-admin callers. Must run after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !authCtx.IsAdmin {
				writeAuthError(w, http.StatusForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
