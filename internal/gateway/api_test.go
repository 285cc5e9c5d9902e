// ABOUTME: End-to-end tests of the HTTP API against a temp SQLite database
// ABOUTME: A fake Home Assistant records service calls made through share links

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-gateway/internal/config"
	"github.com/2389/hearth-gateway/internal/homeassistant/hatest"
)

// call sends a JSON request and decodes the JSON response into out when
// out is non-nil. It returns the status code.
func (e *testEnv) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "%s %s", method, path)
	}
	return resp.StatusCode
}

type apiError struct {
	Error string `json:"error"`
}

type session struct {
	Token             string `json:"token"`
	RefreshToken      string `json:"refresh_token"`
	GeneratedPassword string `json:"generated_password"`
	OTPRequired       bool   `json:"otp_required"`
	User              struct {
		ID      int64 `json:"id"`
		IsAdmin bool  `json:"is_admin"`
	} `json:"user"`
}

// registerAdmin creates the first admin and returns its session.
func (e *testEnv) registerAdmin(t *testing.T, username string) session {
	t.Helper()
	var s session
	require.Equal(t, http.StatusCreated, e.call(t, "POST", "/api/register", "", map[string]string{"username": username}, &s))
	require.NotEmpty(t, s.Token)
	require.True(t, s.User.IsAdmin)
	return s
}

func (e *testEnv) login(t *testing.T, username, password string) session {
	t.Helper()
	var s session
	require.Equal(t, http.StatusOK, e.call(t, "POST", "/api/login", "", map[string]string{"username": username, "password": password}, &s))
	return s
}

// configureHA points the user at the fake Home Assistant.
func (e *testEnv) configureHA(t *testing.T, token string) {
	t.Helper()
	require.Equal(t, http.StatusOK, e.call(t, "POST", "/api/settings/ha", token,
		map[string]string{"ha_url": e.ha.URL + "/", "ha_token": hatest.Token}, nil))
}

func TestRegisterOnlyWhileNoAdmin(t *testing.T) {
	env := newTestEnv(t, nil)

	var exists map[string]bool
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/admin-exists", "", nil, &exists))
	assert.False(t, exists["exists"])

	admin := env.registerAdmin(t, "alice")
	assert.Len(t, admin.GeneratedPassword, 32)

	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/admin-exists", "", nil, &exists))
	assert.True(t, exists["exists"])

	var e apiError
	assert.Equal(t, http.StatusForbidden, env.call(t, "POST", "/api/register", "", map[string]string{"username": "mallory"}, &e))
	assert.Equal(t, "Registration is disabled. Please contact your administrator.", e.Error)
}

func TestLoginAndRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.registerAdmin(t, "alice")

	s := env.login(t, "alice", admin.GeneratedPassword)
	assert.False(t, s.OTPRequired)
	require.NotEmpty(t, s.RefreshToken)

	var e apiError
	assert.Equal(t, http.StatusUnauthorized, env.call(t, "POST", "/api/login", "",
		map[string]string{"username": "alice", "password": "wrong-password"}, &e))
	assert.Equal(t, "invalid username or password", e.Error)

	var pair session
	require.Equal(t, http.StatusOK, env.call(t, "POST", "/api/refresh-token", "", map[string]string{"refresh_token": s.RefreshToken}, &pair))
	assert.NotEmpty(t, pair.Token)
	assert.NotEqual(t, s.RefreshToken, pair.RefreshToken)

	assert.Equal(t, http.StatusUnauthorized, env.call(t, "POST", "/api/refresh-token", "", map[string]string{"refresh_token": s.RefreshToken}, nil),
		"rotated token cannot be reused")

	require.Equal(t, http.StatusOK, env.call(t, "POST", "/api/logout", "", map[string]string{"refresh_token": pair.RefreshToken}, nil))
	assert.Equal(t, http.StatusUnauthorized, env.call(t, "POST", "/api/refresh-token", "", map[string]string{"refresh_token": pair.RefreshToken}, nil))
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	var e apiError
	assert.Equal(t, http.StatusUnauthorized, env.call(t, "GET", "/api/settings", "", nil, &e))
	assert.Equal(t, "missing authorization header", e.Error)

	assert.Equal(t, http.StatusUnauthorized, env.call(t, "GET", "/api/entities", "not-a-jwt", nil, &e))
	assert.Equal(t, "invalid token", e.Error)
}

func TestInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	var e apiError
	assert.Equal(t, http.StatusBadRequest, env.call(t, "POST", "/api/login", "", "{", &e))
	assert.Equal(t, "invalid JSON body", e.Error)
}

func TestSettingsAndEntities(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.registerAdmin(t, "alice")
	env.ha.SetState("light.kitchen", "on", map[string]any{"friendly_name": "Kitchen"})

	var e apiError
	assert.Equal(t, http.StatusBadRequest, env.call(t, "POST", "/api/entities", admin.Token, map[string]string{"entity_id": "light.kitchen"}, &e))
	assert.Equal(t, "Please configure Home Assistant in Settings first", e.Error)

	env.configureHA(t, admin.Token)

	var settings struct {
		HasHAConfig bool   `json:"has_ha_config"`
		HAURL       string `json:"ha_url"`
		IsAdmin     bool   `json:"is_admin"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/settings", admin.Token, nil, &settings))
	assert.True(t, settings.HasHAConfig)
	assert.Equal(t, env.ha.URL, settings.HAURL, "trailing slash trimmed")
	assert.True(t, settings.IsAdmin)

	var entity struct {
		ID       int64  `json:"id"`
		EntityID string `json:"entity_id"`
		State    string `json:"state"`
	}
	require.Equal(t, http.StatusCreated, env.call(t, "POST", "/api/entities", admin.Token, map[string]string{"entity_id": "light.kitchen"}, &entity))
	assert.Equal(t, "on", entity.State)

	assert.Equal(t, http.StatusConflict, env.call(t, "POST", "/api/entities", admin.Token, map[string]string{"entity_id": "light.kitchen"}, nil))

	var list []map[string]any
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/entities", admin.Token, nil, &list))
	assert.Len(t, list, 1)

	var all []map[string]any
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/ha/entities", admin.Token, nil, &all))
	assert.Len(t, all, 1)

	assert.Equal(t, http.StatusBadRequest, env.call(t, "DELETE", "/api/entities/abc", admin.Token, nil, &e))
	assert.Equal(t, "Invalid entity ID", e.Error)
	require.Equal(t, http.StatusOK, env.call(t, "DELETE", fmt.Sprintf("/api/entities/%d", entity.ID), admin.Token, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.call(t, "DELETE", fmt.Sprintf("/api/entities/%d", entity.ID), admin.Token, nil, nil))
}

func TestShareLinkLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.registerAdmin(t, "alice")
	env.ha.SetState("light.kitchen", "on", nil)
	env.configureHA(t, admin.Token)
	require.Equal(t, http.StatusCreated, env.call(t, "POST", "/api/entities", admin.Token, map[string]string{"entity_id": "light.kitchen"}, nil))

	var link struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		AccessMode string `json:"access_mode"`
		Active     bool   `json:"active"`
	}
	require.Equal(t, http.StatusCreated, env.call(t, "POST", "/api/shares", admin.Token, map[string]any{
		"entity_ids":  []string{"light.kitchen"},
		"type":        "counter",
		"max_access":  1,
		"access_mode": "triggerable",
	}, &link))
	require.Len(t, link.ID, 32)
	assert.True(t, link.Active)

	var view struct {
		Entities []struct {
			EntityID string `json:"entity_id"`
			State    string `json:"state"`
		} `json:"entities"`
		AccessMode string `json:"access_mode"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/shares/"+link.ID, "", nil, &view))
	require.Len(t, view.Entities, 1)
	assert.Equal(t, "light.kitchen", view.Entities[0].EntityID)
	assert.Equal(t, "triggerable", view.AccessMode)

	trigger := map[string]any{"service": "turn_off"}
	require.Equal(t, http.StatusOK, env.call(t, "POST", "/api/shares/"+link.ID+"/trigger/light.kitchen", "", trigger, nil))
	calls := env.ha.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "light", calls[0].Domain)
	assert.Equal(t, "turn_off", calls[0].Service)
	assert.Equal(t, "light.kitchen", calls[0].Data["entity_id"])

	var e apiError
	assert.Equal(t, http.StatusForbidden, env.call(t, "POST", "/api/shares/"+link.ID+"/trigger/switch.other", "", trigger, &e))
	assert.Equal(t, "Entity not included in this share", e.Error)

	assert.Equal(t, http.StatusForbidden, env.call(t, "GET", "/api/shares/"+link.ID, "", nil, &e))
	assert.Equal(t, "Share link has reached maximum access count", e.Error)

	assert.Equal(t, http.StatusForbidden, env.call(t, "POST", "/api/shares/"+link.ID+"/trigger/light.kitchen", "", trigger, &e))
	assert.Equal(t, "Share link is no longer active", e.Error)

	var links []struct {
		ID          string `json:"id"`
		AccessCount int    `json:"access_count"`
		Active      bool   `json:"active"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/shares", admin.Token, nil, &links))
	require.Len(t, links, 1)
	assert.Equal(t, 1, links[0].AccessCount)
	assert.False(t, links[0].Active)

	// Re-enabling a link is how owners undo a revocation.
	require.Equal(t, http.StatusOK, env.call(t, "PUT", "/api/shares/"+link.ID, admin.Token,
		map[string]any{"type": "permanent", "active": true}, nil))
	assert.Equal(t, http.StatusOK, env.call(t, "GET", "/api/shares/"+link.ID, "", nil, nil))

	require.Equal(t, http.StatusOK, env.call(t, "DELETE", "/api/shares/"+link.ID, admin.Token, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.call(t, "GET", "/api/shares/"+link.ID, "", nil, &e))
	assert.Equal(t, "Share link not found", e.Error)
}

func TestReadOnlyShareRefusesTrigger(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.registerAdmin(t, "alice")
	env.ha.SetState("switch.fan", "off", nil)
	env.configureHA(t, admin.Token)

	var link struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, env.call(t, "POST", "/api/shares", admin.Token, map[string]any{
		"entity_ids": []string{"switch.fan"},
		"type":       "permanent",
	}, &link))

	var e apiError
	assert.Equal(t, http.StatusForbidden, env.call(t, "POST", "/api/shares/"+link.ID+"/trigger/switch.fan", "",
		map[string]any{"service": "turn_on"}, &e))
	assert.Equal(t, "This share link is read-only", e.Error)
	assert.Empty(t, env.ha.Calls())
}

func TestUserAdminAndGrants(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.registerAdmin(t, "alice")
	env.ha.SetState("light.porch", "off", nil)
	env.configureHA(t, admin.Token)
	require.Equal(t, http.StatusCreated, env.call(t, "POST", "/api/entities", admin.Token, map[string]string{"entity_id": "light.porch"}, nil))

	var created struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
		GeneratedPassword string `json:"generated_password"`
	}
	require.Equal(t, http.StatusCreated, env.call(t, "POST", "/api/users", admin.Token, map[string]string{"username": "bob"}, &created))
	bobID := created.User.ID
	bob := env.login(t, "bob", created.GeneratedPassword)

	var e apiError
	assert.Equal(t, http.StatusForbidden, env.call(t, "GET", "/api/users", bob.Token, nil, &e))
	assert.Equal(t, "Admin access required", e.Error)

	var directory []map[string]any
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/users/directory", bob.Token, nil, &directory))
	assert.Len(t, directory, 2)

	grant := map[string]any{"entity_id": "light.porch", "shared_with_id": bobID, "access_mode": "triggerable"}
	var g struct {
		ID int64 `json:"id"`
	}
	require.Equal(t, http.StatusCreated, env.call(t, "POST", "/api/share-entity", admin.Token, grant, &g))
	var updated struct {
		Message string `json:"message"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "POST", "/api/share-entity", admin.Token, grant, &updated))
	assert.Equal(t, "Shared entity updated", updated.Message)

	var shared []struct {
		EntityID      string `json:"entity_id"`
		OwnerUsername string `json:"owner_username"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/shared-with-me", bob.Token, nil, &shared))
	require.Len(t, shared, 1)
	assert.Equal(t, "alice", shared[0].OwnerUsername)

	var states []struct {
		State *struct {
			State string `json:"state"`
		} `json:"state"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/shared-with-me/states", bob.Token, nil, &states))
	require.Len(t, states, 1)
	require.NotNil(t, states[0].State)
	assert.Equal(t, "off", states[0].State.State)

	require.Equal(t, http.StatusOK, env.call(t, "POST", fmt.Sprintf("/api/shared-entity/%d/trigger", g.ID), bob.Token,
		map[string]any{"service": "turn_on"}, nil))
	require.Len(t, env.ha.Calls(), 1)

	var mine []map[string]any
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/my-shares", admin.Token, nil, &mine))
	assert.Len(t, mine, 1)

	assert.Equal(t, http.StatusNotFound, env.call(t, "DELETE", fmt.Sprintf("/api/shared-entity/%d", g.ID), bob.Token, nil, nil),
		"only the owner can revoke")
	require.Equal(t, http.StatusOK, env.call(t, "DELETE", fmt.Sprintf("/api/shared-entity/%d", g.ID), admin.Token, nil, nil))

	assert.Equal(t, http.StatusBadRequest, env.call(t, "DELETE", "/api/users/abc", admin.Token, nil, &e))
	assert.Equal(t, "Invalid user ID", e.Error)
	assert.Equal(t, http.StatusBadRequest, env.call(t, "DELETE", fmt.Sprintf("/api/users/%d", admin.User.ID), admin.Token, nil, &e))
	assert.Equal(t, "Cannot delete your own account", e.Error)
	assert.Equal(t, http.StatusBadRequest, env.call(t, "PUT", fmt.Sprintf("/api/users/%d/admin", admin.User.ID), admin.Token,
		map[string]bool{"is_admin": false}, &e))
	assert.Equal(t, "Cannot remove admin status from the last admin user", e.Error)

	require.Equal(t, http.StatusOK, env.call(t, "PUT", fmt.Sprintf("/api/users/%d/admin", bobID), admin.Token,
		map[string]bool{"is_admin": true}, nil))
	assert.Equal(t, http.StatusOK, env.call(t, "GET", "/api/users", bob.Token, nil, nil), "promotion applies to existing tokens")

	var audit []struct {
		Action string `json:"action"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/audit?target_type=user&limit=50", admin.Token, nil, &audit))
	assert.NotEmpty(t, audit)
	assert.Equal(t, http.StatusBadRequest, env.call(t, "GET", "/api/audit?since=yesterday", admin.Token, nil, nil))

	require.Equal(t, http.StatusOK, env.call(t, "DELETE", fmt.Sprintf("/api/users/%d", bobID), admin.Token, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, env.call(t, "GET", "/api/settings", bob.Token, nil, &e))
	assert.Equal(t, "user not found", e.Error)
}

func TestPasskeyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.registerAdmin(t, "alice")

	var challenge struct {
		Options      map[string]any `json:"options"`
		SessionToken string         `json:"session_token"`
	}
	require.Equal(t, http.StatusOK, env.call(t, "POST", "/api/passkeys/register/begin", admin.Token, nil, &challenge))
	assert.NotEmpty(t, challenge.SessionToken)
	assert.NotEmpty(t, challenge.Options)

	var e apiError
	assert.Equal(t, http.StatusBadRequest, env.call(t, "POST", "/api/passkeys/register/finish?session=bogus", admin.Token, `{"id":"x"}`, &e))
	assert.Equal(t, "Invalid or expired session", e.Error)

	require.Equal(t, http.StatusOK, env.call(t, "POST", "/api/passkeys/login/begin", "", nil, &challenge))
	assert.NotEmpty(t, challenge.SessionToken)

	var keys []map[string]any
	require.Equal(t, http.StatusOK, env.call(t, "GET", "/api/passkeys", admin.Token, nil, &keys))
	assert.Empty(t, keys)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.RateLimit.LoginPerMinute = 2 })

	creds := map[string]string{"username": "nobody", "password": "whatever1"}
	assert.Equal(t, http.StatusUnauthorized, env.call(t, "POST", "/api/login", "", creds, nil))
	assert.Equal(t, http.StatusUnauthorized, env.call(t, "POST", "/api/login", "", creds, nil))

	var e apiError
	assert.Equal(t, http.StatusTooManyRequests, env.call(t, "POST", "/api/login", "", creds, &e))
	assert.Equal(t, "rate limit exceeded", e.Error)

	assert.Equal(t, http.StatusOK, env.call(t, "GET", "/api/admin-exists", "", nil, nil), "other routes are not limited")
}

func TestHelpPagesCompressed(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest("GET", env.srv.URL+"/help/share-links", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	resp2, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	assert.Contains(t, string(body), "Getting started")

	resp3, err := http.Get(env.srv.URL + "/help/missing")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}
