// ABOUTME: Authentication context carried through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the caller's identity

package auth

import (
	"context"
)

// AuthContext is the authenticated caller, attached by HTTPAuthMiddleware.
type AuthContext struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext, panicking if not present.
// Only call it behind HTTPAuthMiddleware.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
