// ABOUTME: Entry point for hearth-gateway, the Home Assistant sharing server
// ABOUTME: Dispatches serve, init, bootstrap, health, reset-password and users

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/hearth-gateway/internal/config"
	"github.com/2389/hearth-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                     _   _
 | |__   ___  __ _ _ __| |_| |__
 | '_ \ / _ \/ _' | '__| __| '_ \
 | | | |  __/ (_| | |  | |_| | | |
 |_| |_|\___|\__,_|_|   \__|_| |_|
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: hearth-gateway <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the gateway server")
	fmt.Fprintln(w, "  init                      Create a new config file interactively")
	fmt.Fprintln(w, "  bootstrap --name NAME     Write a config and create the first admin")
	fmt.Fprintln(w, "  health                    Check gateway health")
	fmt.Fprintln(w, "  reset-password USERNAME   Give a user a new generated password")
	fmt.Fprintln(w, "  users                     List accounts")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every command accepts --config PATH (default $HEARTH_CONFIG or ~/.config/hearth/gateway.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1], os.Args[2:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		color.Red("Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	switch command {
	case "serve":
		return runServe(ctx, args)
	case "init":
		return runInit(args, os.Stdin, os.Stdout)
	case "bootstrap":
		return runBootstrap(ctx, args, os.Stdout)
	case "health":
		return runHealth(ctx, args, os.Stdout)
	case "reset-password":
		return runResetPassword(ctx, args, os.Stdout)
	case "users":
		return runUsers(ctx, args, os.Stdout)
	case "version", "--version":
		fmt.Println(version)
		return nil
	case "help", "--help", "-h":
		usage(os.Stdout)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("hearth-gateway "+name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath(), "path to the config file")
	return fs, configPath
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrEnv(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.HomeAssistant.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Home Asst: %s\n", cfg.HomeAssistant.URL)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Notifications.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:    %s\n", cfg.Notifications.Matrix.RoomID)
	}
	fmt.Println()

	logger.Info("starting hearth-gateway",
		"version", version,
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}
