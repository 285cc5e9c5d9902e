// ABOUTME: First-run commands: interactive init and one-shot bootstrap
// ABOUTME: Both write a YAML config with generated secrets; bootstrap also creates the first admin

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/hearth-gateway/internal/config"
	"github.com/2389/hearth-gateway/internal/gateway"
	"github.com/2389/hearth-gateway/internal/sealed"
)

// configSettings is everything a generated config file carries.
type configSettings struct {
	Generator  string
	HTTPAddr   string
	GRPCAddr   string
	BaseURL    string
	DBPath     string
	JWTSecret  string
	SealingKey string
	HAURL      string
	HAToken    string

	TailscaleEnabled   bool
	TailscaleHostname  string
	TailscaleAuthKey   string
	TailscaleEphemeral bool
	TailscaleFunnel    bool

	LogLevel  string
	LogFormat string
}

// newSettings fills secrets and defaults for a fresh config.
func newSettings(generator string) (configSettings, error) {
	secret, err := config.GenerateSecret()
	if err != nil {
		return configSettings{}, err
	}
	key, _, err := sealed.GenerateKey()
	if err != nil {
		return configSettings{}, fmt.Errorf("generating sealing key: %w", err)
	}
	return configSettings{
		Generator:  generator,
		HTTPAddr:   "localhost:8080",
		DBPath:     filepath.Join(config.DataDir(), "hearth.db"),
		JWTSecret:  secret,
		SealingKey: key,
		LogLevel:   "info",
		LogFormat:  "text",
	}, nil
}

// renderConfig produces the YAML config file for s.
func renderConfig(s configSettings) string {
	var b strings.Builder
	b.WriteString("# hearth-gateway configuration\n")
	fmt.Fprintf(&b, "# Generated by hearth-gateway %s\n\n", s.Generator)

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", s.HTTPAddr)
	if s.GRPCAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", s.GRPCAddr)
	}
	if s.BaseURL != "" {
		fmt.Fprintf(&b, "  base_url: %q\n", s.BaseURL)
	}
	b.WriteString("\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n", s.DBPath)
	b.WriteString("\n")

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", s.JWTSecret)
	b.WriteString("\n")

	b.WriteString("security:\n")
	b.WriteString("  # age identity sealing Home Assistant tokens and OTP secrets at rest.\n")
	b.WriteString("  # Losing it makes stored credentials unreadable.\n")
	fmt.Fprintf(&b, "  sealing_key: %q\n", s.SealingKey)
	b.WriteString("\n")

	if s.HAURL != "" {
		b.WriteString("homeassistant:\n")
		fmt.Fprintf(&b, "  url: %q\n", s.HAURL)
		if s.HAToken != "" {
			fmt.Fprintf(&b, "  token: %q\n", s.HAToken)
		}
		b.WriteString("\n")
	}

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", s.TailscaleEnabled)
	if s.TailscaleEnabled {
		fmt.Fprintf(&b, "  hostname: %q\n", s.TailscaleHostname)
		if s.TailscaleAuthKey != "" {
			fmt.Fprintf(&b, "  auth_key: %q\n", s.TailscaleAuthKey)
		}
		fmt.Fprintf(&b, "  ephemeral: %t\n", s.TailscaleEphemeral)
		fmt.Fprintf(&b, "  funnel: %t\n", s.TailscaleFunnel)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", s.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", s.LogFormat)
	return b.String()
}

// writeConfigFile writes s to path with owner-only permissions and makes
// the database directory.
func writeConfigFile(path string, s configSettings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(renderConfig(s)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with a random JWT secret and sealing key (if absent)
// 2. Creates the database and the first admin with a generated password
//
// This is a one-command setup: hearth-gateway bootstrap --name admin
func runBootstrap(ctx context.Context, args []string, out io.Writer) error {
	flags, configPath := newFlagSet("bootstrap")
	name := flags.StringP("name", "n", "", "username of the first admin (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}
	username := strings.TrimSpace(*name)
	if username == "" {
		return errors.New("--name flag is required")
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(*configPath); errors.Is(err, fs.ErrNotExist) {
		settings, err := newSettings("bootstrap")
		if err != nil {
			return err
		}
		if err := writeConfigFile(*configPath, settings); err != nil {
			return err
		}
		green.Fprintf(out, "  ✓ Created config: %s\n", *configPath)
	} else {
		cyan.Fprintf(out, "  Using existing config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.JWTSecretGenerated {
		return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", *configPath)
	}

	gw, err := gateway.New(cfg, quietLogger(out))
	if err != nil {
		return fmt.Errorf("opening gateway: %w", err)
	}
	defer func() { _ = gw.Shutdown(context.Background()) }()

	green.Fprintf(out, "  ✓ Database: %s\n", cfg.Database.Path)

	user, password, err := gw.Accounts().CreateFirstAdmin(ctx, username)
	if err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}
	green.Fprintf(out, "  ✓ Created admin: %s\n", user.Username)

	fmt.Fprintln(out)
	green.Fprintln(out, "  Bootstrap complete!")
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  First Admin")
	cyan.Fprintln(out, "  -----------")
	fmt.Fprintf(out, "  ID:       %d\n", user.ID)
	fmt.Fprintf(out, "  Username: %s\n", user.Username)
	fmt.Fprintf(out, "  Password: %s\n", password)
	fmt.Fprintln(out)
	yellow.Fprintln(out, "  The password must be changed at first login. It is not shown again.")
	fmt.Fprintln(out)
	yellow.Fprintln(out, "  Ready to go:")
	fmt.Fprintln(out, "    hearth-gateway serve    # start the gateway")
	fmt.Fprintln(out)
	return nil
}

// quietLogger keeps CLI maintenance output to warnings and errors.
func quietLogger(w io.Writer) *slog.Logger {
	return slog.New(newColorHandler(w, slog.LevelWarn))
}

func runInit(args []string, in io.Reader, out io.Writer) error {
	flags, configPath := newFlagSet("init")
	if err := flags.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}
	yes := func(question string) bool {
		answer := strings.ToLower(ask(question, "no"))
		return answer == "yes" || answer == "y"
	}

	fmt.Fprintln(out, "hearth-gateway configuration setup")
	fmt.Fprintln(out, "==================================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", *configPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes("File exists. Overwrite?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	s, err := newSettings("init")
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	s.HTTPAddr = ask("HTTP address", s.HTTPAddr)
	s.GRPCAddr = ask("gRPC health address (leave empty to disable)", "")
	s.BaseURL = ask("External base URL (used for passkeys and share links)", "")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	s.DBPath = ask("SQLite database path", s.DBPath)

	fmt.Fprintln(out, "\n--- Home Assistant ---")
	s.HAURL = ask("Default Home Assistant URL (leave empty for per-user only)", "")
	if s.HAURL != "" {
		s.HAToken = ask("Default long-lived access token", "")
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	s.TailscaleEnabled = yes("Enable Tailscale?")
	if s.TailscaleEnabled {
		s.TailscaleHostname = ask("Tailscale hostname", "hearth")
		s.TailscaleAuthKey = ask("Tailscale auth key (leave empty for interactive)", "")
		s.TailscaleEphemeral = yes("Ephemeral node?")
		s.TailscaleFunnel = yes("Enable Funnel (public HTTPS)?")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	s.LogLevel = ask("Log level (debug/info/warn/error)", s.LogLevel)
	s.LogFormat = ask("Log format (text/json)", s.LogFormat)

	if err := writeConfigFile(outputFile, s); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", filepath.Dir(s.DBPath))
	fmt.Fprintln(out, "\nNext, create the first admin:")
	fmt.Fprintf(out, "  hearth-gateway bootstrap --config %s --name admin\n", outputFile)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
