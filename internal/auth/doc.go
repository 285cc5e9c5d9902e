// Package auth handles identity for hearth-gateway.
//
// # Tokens
//
// Access tokens are HS256 JWTs carrying sub, user_id, username, iat and exp.
// They are short lived (auth.access_token_ttl). Refresh tokens are 32
// random bytes, hex encoded, and only their BLAKE3 hash is stored. Every
// refresh rotates the token: the presented one is revoked and a new one
// issued.
//
// # Passwords
//
// bcrypt at the default cost. Generated passwords are 32 hex characters.
// CheckPassword with an empty hash still runs one bcrypt comparison.
//
// # Two-factor
//
// TOTP (30 second period, one step of skew) with enrollment QR codes as
// PNG data URLs. Ten single-use backup codes are stored as bcrypt hashes.
// An accepted TOTP code cannot be used again for the same user while it
// could still validate.
//
// # HTTP
//
//	mux.Handle("GET /api/settings", auth.HTTPAuthMiddleware(users, verifier, logger)(h))
//
// Handlers read the caller with FromContext or MustFromContext. Failures
// are JSON {"error": "..."} with 401, or 403 from RequireAdminHTTP.
package auth
