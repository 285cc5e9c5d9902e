// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package splits persistence into per-concern interfaces:
//
//   - UserStore: accounts, admin flags, first-admin bootstrap
//   - RefreshTokenStore: hashed refresh tokens
//   - EntityStore: tracked Home Assistant entities and their last state
//   - ShareLinkStore: public share links and counted access
//   - GrantStore: user-to-user entity grants
//   - PasskeyStore: WebAuthn credentials
//   - AuditStore: append-only audit log
//
// Store composes all of them. SQLiteStore implements Store in a single
// struct; MockStore is an in-memory implementation for service tests.
//
// # Drivers
//
// OpenSQLite accepts "sqlite" (modernc.org/sqlite, pure Go, the default) or
// "sqlite3" (github.com/mattn/go-sqlite3, requires cgo). The pool is limited
// to one connection so PRAGMAs apply everywhere and writers are serialized.
//
// # Schema and Migrations
//
// createSchema builds the base tables with CREATE TABLE IF NOT EXISTS.
// Later changes are numbered migrations recorded in schema_migrations:
//
//  1. OTP columns on users
//  2. access_mode on share_links
//  3. webauthn_credentials and audit_log tables
//
// Every step checks before altering, so databases created by older builds
// upgrade in place.
//
// # Share Link Access
//
// WithShareLink is the only path that counts public views. It loads the
// link, lets the caller decide, and persists Active and AccessCount in the
// same transaction, so a counter link can never be viewed more than
// MaxAccess times even under concurrent requests.
//
// # Timestamps
//
// All times are stored as RFC3339 strings in UTC.
//
// # Errors
//
//   - ErrNotFound: record does not exist or is not owned by the caller
//   - ErrUsernameExists: duplicate username
//   - ErrDuplicate: other unique constraint violations
//   - ErrLastAdmin: the change would leave no admin
//   - ErrAdminExists: CreateFirstUser after bootstrap
package store
