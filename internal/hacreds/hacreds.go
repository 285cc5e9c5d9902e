// ABOUTME: Resolves which Home Assistant instance and token to use for a user
// ABOUTME: Falls back to server-wide defaults and unseals stored tokens

package hacreds

import (
	"errors"
	"fmt"

	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/sealed"
	"github.com/2389/hearth-gateway/internal/store"
)

// ErrNotConfigured means neither the user nor the server has HA credentials.
var ErrNotConfigured = errors.New("home assistant not configured")

// NotConfiguredMessage is the client-facing text for ErrNotConfigured.
const NotConfiguredMessage = "Please configure Home Assistant in Settings first"

// Resolver builds HA clients for users.
type Resolver struct {
	connect      homeassistant.Connector
	sealer       *sealed.Sealer
	defaultURL   string
	defaultToken string
}

// NewResolver creates a Resolver. defaultURL and defaultToken may be empty.
func NewResolver(connect homeassistant.Connector, sealer *sealed.Sealer, defaultURL, defaultToken string) *Resolver {
	return &Resolver{
		connect:      connect,
		sealer:       sealer,
		defaultURL:   defaultURL,
		defaultToken: defaultToken,
	}
}

// Credentials returns the URL and plaintext token for u.
func (r *Resolver) Credentials(u *store.User) (url, token string, err error) {
	if u.HasHAConfig() {
		token, err := r.sealer.Open(u.HAToken)
		if err != nil {
			return "", "", fmt.Errorf("unsealing ha token for user %d: %w", u.ID, err)
		}
		return u.HAURL, token, nil
	}
	if r.defaultURL != "" && r.defaultToken != "" {
		return r.defaultURL, r.defaultToken, nil
	}
	return "", "", ErrNotConfigured
}

// Client returns a live client for u.
func (r *Resolver) Client(u *store.User) (homeassistant.API, error) {
	url, token, err := r.Credentials(u)
	if err != nil {
		return nil, err
	}
	return r.connect(url, token), nil
}

// Cached returns a client for u that reads through cache.
func (r *Resolver) Cached(u *store.User, cache *homeassistant.StateCache) (homeassistant.API, error) {
	url, token, err := r.Credentials(u)
	if err != nil {
		return nil, err
	}
	return cache.Wrap(url, token, r.connect(url, token)), nil
}

// Connect builds a client for explicit credentials, used to validate a
// URL and token before saving them.
func (r *Resolver) Connect(url, token string) homeassistant.API {
	return r.connect(url, token)
}
