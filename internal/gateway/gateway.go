// ABOUTME: Gateway orchestrator that wires services and runs the HTTP and gRPC servers
// ABOUTME: Manages store, background refresh, tailscale listeners, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/hearth-gateway/internal/accounts"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/clock"
	"github.com/2389/hearth-gateway/internal/config"
	"github.com/2389/hearth-gateway/internal/hacreds"
	"github.com/2389/hearth-gateway/internal/helpdocs"
	"github.com/2389/hearth-gateway/internal/homeassistant"
	"github.com/2389/hearth-gateway/internal/notify"
	"github.com/2389/hearth-gateway/internal/passkey"
	"github.com/2389/hearth-gateway/internal/ratelimit"
	"github.com/2389/hearth-gateway/internal/sealed"
	"github.com/2389/hearth-gateway/internal/sharing"
	"github.com/2389/hearth-gateway/internal/store"
	"github.com/2389/hearth-gateway/internal/tracker"
)

// shutdownTimeout bounds graceful shutdown once the run context is done.
const shutdownTimeout = 5 * time.Second

// Gateway owns every server component and their lifecycle.
type Gateway struct {
	config *config.Config
	store  *store.SQLiteStore
	clock  clock.Clock
	logger *slog.Logger

	verifier *auth.JWTVerifier
	cache    *homeassistant.StateCache
	notifier notify.Notifier

	accounts *accounts.Service
	sharing  *sharing.Service
	tracker  *tracker.Tracker
	passkeys *passkey.Service
	docs     *helpdocs.Docs

	loginLimiter  *ratelimit.Limiter
	publicLimiter *ratelimit.Limiter

	handler     http.Handler
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *healthReporter
	tsnetServer *tsnet.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option adjusts a Gateway during New.
type Option func(*options)

type options struct {
	clock     clock.Clock
	connector homeassistant.Connector
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithConnector replaces the Home Assistant client factory.
func WithConnector(c homeassistant.Connector) Option {
	return func(o *options) { o.connector = c }
}

// New wires a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.connector == nil {
		o.connector = homeassistant.NewConnector(homeassistant.Options{
			Timeout:        cfg.HomeAssistant.Timeout,
			MaxConcurrency: cfg.HomeAssistant.MaxConcurrency,
			Logger:         logger,
		})
	}

	s, err := store.OpenSQLite(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	gw, err := build(cfg, s, logger, o)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func build(cfg *config.Config, s *store.SQLiteStore, logger *slog.Logger, o options) (*Gateway, error) {
	sealer, err := sealed.New(cfg.Security.SealingKey)
	if err != nil {
		return nil, err
	}
	if !sealer.Enabled() {
		logger.Warn("security.sealing_key not set; Home Assistant tokens and OTP secrets are stored unencrypted")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	verifier = verifier.WithClock(o.clock)

	notifier, err := newNotifier(cfg.Notifications, logger)
	if err != nil {
		return nil, err
	}

	resolver := hacreds.NewResolver(o.connector, sealer, cfg.HomeAssistant.URL, cfg.HomeAssistant.Token)
	cache := homeassistant.NewStateCache(cfg.HomeAssistant.StateCacheTTL)
	refresh := auth.NewRefreshTokens(s, cfg.Auth.RefreshTokenTTL, o.clock)

	acct := accounts.NewService(accounts.Config{
		Store:     s,
		Verifier:  verifier,
		Refresh:   refresh,
		OTP:       auth.NewOTP(cfg.Auth.OTPIssuer, o.clock),
		Sealer:    sealer,
		Resolver:  resolver,
		AccessTTL: cfg.Auth.AccessTokenTTL,
		Clock:     o.clock,
		Logger:    logger,
	})

	passkeys, err := passkey.New(passkey.Config{
		Store:    s,
		Sessions: acct,
		BaseURL:  cfg.Server.BaseURL,
		Clock:    o.clock,
		Logger:   logger,
	})
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("configuring passkeys: %w", err)
	}

	docs, err := helpdocs.Load(logger)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		clock:    o.clock,
		logger:   logger.With("component", "gateway"),
		verifier: verifier,
		cache:    cache,
		notifier: notifier,
		accounts: acct,
		sharing: sharing.NewService(sharing.Config{
			Store:    s,
			Resolver: resolver,
			Cache:    cache,
			Notifier: notifier,
			Clock:    o.clock,
			Logger:   logger,
		}),
		tracker: tracker.New(tracker.Config{
			Store:    s,
			Resolver: resolver,
			Refresh:  refresh,
			Interval: cfg.HomeAssistant.RefreshInterval,
			Clock:    o.clock,
			Logger:   logger,
		}),
		passkeys:      passkeys,
		docs:          docs,
		loginLimiter:  ratelimit.PerMinute("login", cfg.RateLimit.LoginPerMinute, logger),
		publicLimiter: ratelimit.PerMinute("public", cfg.RateLimit.PublicPerMinute, logger),
	}

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.grpcServer, gw.health = newGRPCServer(gw.logger)

	return gw, nil
}

// newNotifier returns the Matrix notifier when enabled, otherwise a no-op.
func newNotifier(cfg config.NotificationsConfig, logger *slog.Logger) (notify.Notifier, error) {
	if !cfg.Matrix.Enabled {
		return notify.Nop{}, nil
	}
	n, err := notify.NewMatrixNotifier(notify.MatrixConfig{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		RoomID:      cfg.Matrix.RoomID,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("matrix notifications enabled", "room_id", cfg.Matrix.RoomID)
	return n, nil
}

// Handler returns the HTTP handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Accounts exposes the account service for CLI maintenance commands.
func (g *Gateway) Accounts() *accounts.Service {
	return g.accounts
}

// listeners holds whatever Run serves on. grpc is nil when disabled.
type listeners struct {
	http net.Listener
	grpc net.Listener
}

func (l listeners) close() {
	if l.http != nil {
		_ = l.http.Close()
	}
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
}

// setupTCPListeners listens on the configured addresses. The gRPC
// listener is only opened when server.grpc_addr is set.
func (g *Gateway) setupTCPListeners() (listeners, error) {
	var ls listeners
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	var err error
	ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return ls, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return ls, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
				"grpc_addr", g.config.Server.GRPCAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers serves on ls in goroutines, reporting failures on the channel.
func (g *Gateway) startServers(ls listeners) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// Run serves until ctx is canceled or a server fails, then shuts down.
// It returns nil after a clean shutdown triggered by ctx.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go func() {
		if err := g.tracker.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("refresh loop stopped", "error", err)
		}
	}()
	go g.health.watch(bgCtx, g.store, g.clock)

	errCh := g.startServers(ls)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
		select {
		case more := <-errCh:
			g.logger.Error("additional server error", "error", more)
		default:
		}
	}
	stopBackground()

	// The run context is already done, so shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "hearth-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or the TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens there.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ls listeners
	ls.grpc, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	ls.http, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		ls.close()
		_ = g.tsnetServer.Close()
		return listeners{}, err
	}
	return ls, nil
}

// logTailscaleStatus logs the node's address and DNS name.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if g.config.Server.BaseURL == "" && dnsName != "" {
		g.logger.Warn("server.base_url not set; passkeys only work when it matches the tailnet URL", "suggested", "https://"+dnsName)
	}
}

// createTailscaleHTTPListener picks Funnel, tailnet TLS, or plain HTTP.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer stops gracefully, or force-stops when ctx expires.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and releases every component. All close
// errors are reported together. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if closer, ok := g.notifier.(interface{ Close() error }); ok {
		errs = appendCloseError(errs, "notifier close", closer.Close())
	}
	errs = appendCloseError(errs, "state cache close", g.cache.Close())
	errs = appendCloseError(errs, "login limiter close", g.loginLimiter.Close())
	errs = appendCloseError(errs, "public limiter close", g.publicLimiter.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
