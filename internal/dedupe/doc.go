// Package dedupe provides a small replay guard.
//
// A TOTP code stays valid for its 30 second period plus the skew window,
// so a code observed on the wire could be replayed. The auth package keys
// each accepted code by user and code and refuses a second use while the
// Guard still remembers it.
package dedupe
