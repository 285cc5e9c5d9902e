// ABOUTME: Tests for Home Assistant credential resolution
// ABOUTME: Covers own config, sealed tokens, server defaults, and cached clients

package hacreds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/homeassistant/hatest"
	"github.com/2389/hearth-gateway/internal/sealed"
	"github.com/2389/hearth-gateway/internal/store"
)

func newSealer(t *testing.T) *sealed.Sealer {
	t.Helper()
	priv, _, err := sealed.GenerateKey()
	require.NoError(t, err)
	s, err := sealed.New(priv)
	require.NoError(t, err)
	return s
}

func TestResolver_Credentials(t *testing.T) {
	sealer := newSealer(t)
	sealedToken, err := sealer.Seal("user-token")
	require.NoError(t, err)

	connect := homeassistant.NewConnector(homeassistant.Options{})

	own := &store.User{ID: 1, HAURL: "http://own:8123", HAToken: sealedToken}
	bare := &store.User{ID: 2}

	withDefaults := NewResolver(connect, sealer, "http://default:8123", "default-token")
	url, token, err := withDefaults.Credentials(own)
	require.NoError(t, err)
	assert.Equal(t, "http://own:8123", url)
	assert.Equal(t, "user-token", token)

	url, token, err = withDefaults.Credentials(bare)
	require.NoError(t, err)
	assert.Equal(t, "http://default:8123", url)
	assert.Equal(t, "default-token", token)

	noDefaults := NewResolver(connect, sealer, "", "")
	_, err = noDefaults.Client(bare)
	assert.ErrorIs(t, err, ErrNotConfigured)

	wrongKey := NewResolver(connect, newSealer(t), "", "")
	_, _, err = wrongKey.Credentials(own)
	assert.Error(t, err)
}

func TestResolver_ClientsTalkToHA(t *testing.T) {
	srv := hatest.New(t)
	srv.SetState("light.porch", "off", nil)

	r := NewResolver(homeassistant.NewConnector(homeassistant.Options{}), nil, "", "")
	u := &store.User{ID: 1, HAURL: srv.URL, HAToken: hatest.Token}

	live, err := r.Client(u)
	require.NoError(t, err)
	require.NoError(t, live.Ping(context.Background()))

	cache := homeassistant.NewStateCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })
	cached, err := r.Cached(u, cache)
	require.NoError(t, err)
	_, err = cached.GetState(context.Background(), "light.porch")
	require.NoError(t, err)
	_, err = cached.GetState(context.Background(), "light.porch")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Gets("light.porch"))

	assert.NoError(t, r.Connect(srv.URL, hatest.Token).Ping(context.Background()))
}
