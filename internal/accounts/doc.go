// Package accounts implements user-facing account operations.
//
// Registration is open only until the first admin exists; after that,
// admins create users with generated passwords that must be changed on
// first login. Login returns a short-lived JWT access token and a rotating
// refresh token. Users with OTP enabled finish login through VerifyOTP,
// which also accepts single-use backup codes.
//
// Home Assistant tokens and OTP secrets are sealed with the configured
// sealed.Sealer before they are stored. Errors are *apierror.Error values
// carrying the HTTP status and the client message.
package accounts
