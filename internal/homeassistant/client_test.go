// ABOUTME: Tests for the Home Assistant client against the fake server
// ABOUTME: Covers auth, 404 mapping, partial GetStates, service calls, and DomainOf

package homeassistant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-gateway/internal/homeassistant/hatest"
)

func newFakeClient(t *testing.T) (*Client, *hatest.Server) {
	t.Helper()
	srv := hatest.New(t)
	srv.SetState("light.kitchen", "on", map[string]any{"friendly_name": "Kitchen"})
	srv.SetState("switch.fan", "off", nil)
	srv.SetState("sensor.temp", "21.5", map[string]any{"unit_of_measurement": "°C"})
	return NewClient(srv.URL+"/", hatest.Token, Options{}), srv
}

func TestClient_GetState(t *testing.T) {
	c, _ := newFakeClient(t)
	ctx := context.Background()

	st, err := c.GetState(ctx, "light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "on", st.State)
	assert.Equal(t, "Kitchen", st.FriendlyName())
	assert.False(t, st.LastChanged.IsZero())

	_, err = c.GetState(ctx, "light.nope")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestClient_BadToken(t *testing.T) {
	srv := hatest.New(t)
	c := NewClient(srv.URL, "wrong", Options{})

	err := c.Ping(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 401, se.StatusCode)

	_, err = c.GetAllStates(context.Background())
	assert.Error(t, err)
}

func TestClient_GetStatesSkipsFailuresAndKeepsOrder(t *testing.T) {
	c, srv := newFakeClient(t)
	srv.FailNext("switch.fan", 1)

	states, err := c.GetStates(context.Background(), []string{"sensor.temp", "switch.fan", "light.missing", "light.kitchen"})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "sensor.temp", states[0].EntityID)
	assert.Equal(t, "light.kitchen", states[1].EntityID)
}

func TestClient_GetStatesCancelled(t *testing.T) {
	c, _ := newFakeClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetStates(ctx, []string{"light.kitchen"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_GetAllStates(t *testing.T) {
	c, _ := newFakeClient(t)
	states, err := c.GetAllStates(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 3)
}

func TestClient_CallService(t *testing.T) {
	c, srv := newFakeClient(t)

	err := c.CallService(context.Background(), "switch", "turn_on", map[string]any{"entity_id": "switch.fan"})
	require.NoError(t, err)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "switch", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, "switch.fan", calls[0].Data["entity_id"])

	st, err := c.GetState(context.Background(), "switch.fan")
	require.NoError(t, err)
	assert.Equal(t, "on", st.State)
}

func TestClient_Ping(t *testing.T) {
	c, _ := newFakeClient(t)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"light.kitchen", "light", false},
		{"sensor.a.b", "sensor", false},
		{"nodot", "", true},
		{".kitchen", "", true},
		{"light.", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := DomainOf(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntityID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
