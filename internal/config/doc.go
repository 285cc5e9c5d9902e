// Package config handles configuration loading for hearth-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML, TOML, or JSON-with-comments file with
// environment variable expansion, then overlaid with the flat environment
// variables older deployments use. Every field has a default, so the
// gateway also runs with no file at all (see FromEnv).
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path passed with --config
//  2. Path from HEARTH_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/hearth/gateway.yaml (or ~/.config/hearth/gateway.yaml)
//
// DefaultPath resolves items 2 and 3. LoadOrEnv falls back to FromEnv when
// the file does not exist. The format follows the extension: .toml,
// .json/.jsonc, anything else is YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${HEARTH_JWT_SECRET}"
//
// After parsing, these variables override the file:
//
//	HOST, PORT            server.http_addr
//	HOME_ASSISTANT_URL    homeassistant.url
//	HA_TOKEN              homeassistant.token
//	REFRESH_INTERVAL      homeassistant.refresh_interval (integer seconds)
//	DB_PATH               database.path
//	JWT_SECRET            auth.jwt_secret
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "127.0.0.1:50051"   # optional gRPC health endpoint
//	  base_url: "https://hearth.example.com"
//
//	database:
//	  path: "/var/lib/hearth/hearth.db"
//	  driver: "sqlite"               # sqlite (pure Go) or sqlite3 (cgo)
//
//	auth:
//	  jwt_secret: "${HEARTH_JWT_SECRET}"
//	  access_token_ttl: "24h"
//	  refresh_token_ttl: "168h"
//	  otp_issuer: "Hearth"
//
//	security:
//	  sealing_key: "${HEARTH_SEALING_KEY}"   # age identity for HA tokens at rest
//
//	homeassistant:
//	  url: "http://homeassistant.local:8123"
//	  token: "${HA_TOKEN}"
//	  timeout: "10s"
//	  refresh_interval: "30s"
//	  state_cache_ttl: "5s"
//	  max_concurrency: 8
//
//	ratelimit:
//	  login_per_minute: 10
//	  public_per_minute: 60
//
//	notifications:
//	  matrix:
//	    enabled: false
//	    homeserver: "https://matrix.org"
//	    user_id: "@hearth:matrix.org"
//	    access_token: "${MATRIX_TOKEN}"
//	    room_id: "!abc:matrix.org"
//
//	tailscale:
//	  enabled: false
//	  hostname: "hearth"
//	  https: true
//	  funnel: true    # lets public share links work off the tailnet
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Validate returns the first problem found: missing listener address,
// missing database path, unknown driver, JWT secret shorter than 32 bytes,
// malformed sealing key, non-positive refresh interval, or an incomplete
// Matrix section. An empty JWT secret is replaced by a random one with a
// warning.
package config
