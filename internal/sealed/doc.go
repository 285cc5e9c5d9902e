// Package sealed encrypts per-user secrets before they reach the database.
//
// Home Assistant long-lived tokens and TOTP secrets are sealed with an age
// X25519 identity from security.sealing_key. Stored form is
// "age:" + base64(ciphertext). Values written before a key was configured
// have no prefix and are read back unchanged, so enabling sealing on an
// existing database needs no migration; they are re-sealed the next time
// the user saves them.
package sealed
