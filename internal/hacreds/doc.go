// Package hacreds decides which Home Assistant a request talks to.
//
// A user's own URL and token win. Otherwise the server-wide
// homeassistant.url and homeassistant.token from config are used, which
// suits single-household installs where everyone shares one instance.
package hacreds
