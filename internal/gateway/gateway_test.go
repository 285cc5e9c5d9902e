// ABOUTME: Tests for Gateway wiring and lifecycle
// ABOUTME: Runs real listeners to check health endpoints, gRPC health, and shutdown

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/hearth-gateway/internal/config"
	"github.com/2389/hearth-gateway/internal/homeassistant/hatest"
	"github.com/2389/hearth-gateway/internal/sealed"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a config with a temp database and generous rate limits.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, _, err := sealed.GenerateKey()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "hearth.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.Security.SealingKey = key
	cfg.RateLimit.LoginPerMinute = 1000
	cfg.RateLimit.PublicPerMinute = 1000
	return cfg
}

// testEnv is a gateway served by httptest next to a fake Home Assistant.
type testEnv struct {
	gw  *Gateway
	srv *httptest.Server
	ha  *hatest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, srv: srv, ha: hatest.New(t)}
}

func TestNew_RejectsBadSealingKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.SealingKey = "AGE-SECRET-KEY-1NOTAKEY"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestNew_RejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealthReporter_TracksPing(t *testing.T) {
	_, h := newGRPCServer(testLogger())

	resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	env := newTestEnv(t, nil)
	require.NoError(t, h.check(context.Background(), env.gw.store))
	resp, err = h.server.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.Error(t, h.check(context.Background(), failingPinger{}))
	resp, err = h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = freeAddr(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), time.Second)
		defer checkCancel()
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	assert.Error(t, err, "listener should be closed")
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-configured")
	require.NoError(t, err)
	assert.Equal(t, "tskey-configured", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/hearth/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/hearth/ts", dir)

	t.Setenv("HOME", "/home/hearth")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/hearth", ".local", "share", "hearth-gateway", "tailscale"), dir)
}

func TestShutdown_IsIdempotent(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()))
}
