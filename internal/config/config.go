// ABOUTME: Configuration loading and parsing for hearth-gateway
// ABOUTME: Supports YAML, TOML, and JSONC files with env var expansion and duration parsing

package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength mirrors auth.MinSecretLength without importing auth.
const MinJWTSecretLength = 32

// Config represents the complete hearth-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server" json:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale" json:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database" json:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth" json:"auth"`
	Security      SecurityConfig      `yaml:"security" toml:"security" json:"security"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant" toml:"homeassistant" json:"homeassistant"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit" toml:"ratelimit" json:"ratelimit"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications" json:"notifications"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging" json:"logging"`

	// JWTSecretGenerated is set when no secret was configured and a random one was made.
	JWTSecretGenerated bool `yaml:"-" toml:"-" json:"-"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" json:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" json:"grpc_addr"`
	// BaseURL is the external URL, used for passkey origins and share URLs.
	BaseURL string `yaml:"base_url" toml:"base_url" json:"base_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname" json:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" json:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" json:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral" json:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https" json:"https"`    // serve TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel" json:"funnel"` // public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path" json:"path"`
	Driver string `yaml:"driver" toml:"driver" json:"driver"` // "sqlite" (modernc) or "sqlite3" (mattn)
}

// AuthConfig holds token and OTP settings
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" toml:"jwt_secret" json:"jwt_secret"`
	OTPIssuer       string        `yaml:"otp_issuer" toml:"otp_issuer" json:"otp_issuer"`
	AccessTokenTTL  time.Duration `yaml:"-" toml:"-" json:"-"`
	RefreshTokenTTL time.Duration `yaml:"-" toml:"-" json:"-"`

	AccessTokenTTLRaw  string `yaml:"access_token_ttl" toml:"access_token_ttl" json:"access_token_ttl"`
	RefreshTokenTTLRaw string `yaml:"refresh_token_ttl" toml:"refresh_token_ttl" json:"refresh_token_ttl"`
}

// SecurityConfig holds at-rest encryption settings
type SecurityConfig struct {
	// SealingKey is an age X25519 identity (AGE-SECRET-KEY-1...).
	SealingKey string `yaml:"sealing_key" toml:"sealing_key" json:"sealing_key"`
}

// HomeAssistantConfig holds server-wide Home Assistant defaults
type HomeAssistantConfig struct {
	URL             string        `yaml:"url" toml:"url" json:"url"`
	Token           string        `yaml:"token" toml:"token" json:"token"`
	MaxConcurrency  int           `yaml:"max_concurrency" toml:"max_concurrency" json:"max_concurrency"`
	Timeout         time.Duration `yaml:"-" toml:"-" json:"-"`
	RefreshInterval time.Duration `yaml:"-" toml:"-" json:"-"`
	StateCacheTTL   time.Duration `yaml:"-" toml:"-" json:"-"`

	TimeoutRaw         string `yaml:"timeout" toml:"timeout" json:"timeout"`
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval" json:"refresh_interval"`
	StateCacheTTLRaw   string `yaml:"state_cache_ttl" toml:"state_cache_ttl" json:"state_cache_ttl"`
}

// RateLimitConfig holds per-client request budgets
type RateLimitConfig struct {
	LoginPerMinute  int `yaml:"login_per_minute" toml:"login_per_minute" json:"login_per_minute"`
	PublicPerMinute int `yaml:"public_per_minute" toml:"public_per_minute" json:"public_per_minute"`
}

// NotificationsConfig holds outbound notification targets
type NotificationsConfig struct {
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix" json:"matrix"`
}

// MatrixConfig holds Matrix room notification configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver" json:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id" json:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token" json:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id" json:"room_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// Default returns a configuration that runs without any file.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "0.0.0.0:8080"},
		Database: DatabaseConfig{Path: "hearth.db", Driver: "sqlite"},
		Auth: AuthConfig{
			OTPIssuer:       "Hearth",
			AccessTokenTTL:  24 * time.Hour,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
		HomeAssistant: HomeAssistantConfig{
			MaxConcurrency:  8,
			Timeout:         10 * time.Second,
			RefreshInterval: 30 * time.Second,
			StateCacheTTL:   5 * time.Second,
		},
		RateLimit: RateLimitConfig{LoginPerMinute: 10, PublicPerMinute: 60},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format is chosen by extension: .toml, .json/.jsonc, otherwise YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing,
// and the legacy HOST/PORT/DB_PATH style variables are applied afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes in the format named by ext.
func Parse(ext string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing toml config: %w", err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON([]byte(expanded)), cfg); err != nil {
			return nil, fmt.Errorf("parsing json config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.EnsureJWTSecret(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a configuration from defaults plus environment overrides.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.EnsureJWTSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// DefaultPath returns the config file location: HEARTH_CONFIG when set,
// otherwise $XDG_CONFIG_HOME/hearth/gateway.yaml (~/.config when unset).
func DefaultPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "hearth", "gateway.yaml")
}

// DataDir returns $XDG_DATA_HOME/hearth, or ~/.local/share/hearth.
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "hearth")
}

// LoadOrEnv loads path when it exists and falls back to FromEnv when it
// does not, so a bare environment-configured deployment still starts.
func LoadOrEnv(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		slog.Info("config file not found, using defaults and environment", "path", path)
		return FromEnv()
	}
	return Load(path)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyEnv applies the flat environment overrides (HOST, PORT, HOME_ASSISTANT_URL,
// HA_TOKEN, REFRESH_INTERVAL, DB_PATH, JWT_SECRET).
func (c *Config) ApplyEnv(getenv func(string) string) error {
	host, port := getenv("HOST"), getenv("PORT")
	if host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(c.Server.HTTPAddr)
		if err != nil {
			curHost, curPort = "0.0.0.0", "8080"
		}
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		c.Server.HTTPAddr = net.JoinHostPort(host, port)
	}

	if v := getenv("HOME_ASSISTANT_URL"); v != "" {
		c.HomeAssistant.URL = v
	}
	if v := getenv("HA_TOKEN"); v != "" {
		c.HomeAssistant.Token = v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("REFRESH_INTERVAL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("REFRESH_INTERVAL must be a positive number of seconds, got %q", v)
		}
		c.HomeAssistant.RefreshInterval = time.Duration(secs) * time.Second
	}
	return nil
}

// EnsureJWTSecret generates a random signing secret when none is configured.
// Tokens signed with a generated secret do not survive a restart.
func (c *Config) EnsureJWTSecret() error {
	if c.Auth.JWTSecret != "" {
		return nil
	}
	secret, err := GenerateSecret()
	if err != nil {
		return err
	}
	c.Auth.JWTSecret = secret
	c.JWTSecretGenerated = true
	slog.Warn("auth.jwt_secret not set; generated a random secret, sessions will not survive restart")
	return nil
}

// GenerateSecret returns 32 random bytes hex encoded, suitable for auth.jwt_secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.Security.SealingKey != "" && !strings.HasPrefix(c.Security.SealingKey, "AGE-SECRET-KEY-1") {
		return fmt.Errorf("security.sealing_key must be an age X25519 identity")
	}

	if c.HomeAssistant.RefreshInterval <= 0 {
		return fmt.Errorf("homeassistant.refresh_interval must be positive")
	}

	if c.Notifications.Matrix.Enabled {
		m := c.Notifications.Matrix
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("notifications.matrix requires homeserver, user_id, access_token and room_id")
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"auth.access_token_ttl", cfg.Auth.AccessTokenTTLRaw, &cfg.Auth.AccessTokenTTL},
		{"auth.refresh_token_ttl", cfg.Auth.RefreshTokenTTLRaw, &cfg.Auth.RefreshTokenTTL},
		{"homeassistant.timeout", cfg.HomeAssistant.TimeoutRaw, &cfg.HomeAssistant.Timeout},
		{"homeassistant.refresh_interval", cfg.HomeAssistant.RefreshIntervalRaw, &cfg.HomeAssistant.RefreshInterval},
		{"homeassistant.state_cache_ttl", cfg.HomeAssistant.StateCacheTTLRaw, &cfg.HomeAssistant.StateCacheTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
