// Package passkey adds WebAuthn passkeys as a login method.
//
// Signed-in users register passkeys with a begin/finish pair. Anyone can
// log in with a discoverable passkey, without typing a username. The
// relying party ID and origins come from the server's external base URL.
package passkey
