// ABOUTME: Tests for per-IP rate limiting and its HTTP middleware
// ABOUTME: Covers bursts, per-client isolation, disabled limits, and the 429 body

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_BurstThenRefuse(t *testing.T) {
	l := PerMinute("login", 3, nil)
	t.Cleanup(func() { _ = l.Close() })

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "other clients have their own bucket")
	assert.Equal(t, 2, l.Len())
}

func TestAllow_Disabled(t *testing.T) {
	l := PerMinute("off", 0, nil)
	t.Cleanup(func() { _ = l.Close() })

	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("10.0.0.1"))
	}
	assert.Equal(t, 0, l.Len())
}

func TestMiddleware(t *testing.T) {
	l := PerMinute("public", 1, nil)
	t.Cleanup(func() { _ = l.Close() })

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/share/abc", nil)
	req.RemoteAddr = "192.0.2.7:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientIP(r))

	r.RemoteAddr = "192.0.2.1:80"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "192.0.2.1", ClientIP(r))
}
