// ABOUTME: Operator commands that run against a configured gateway
// ABOUTME: health probes the running server; reset-password and users open the database directly

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/hearth-gateway/internal/config"
	"github.com/2389/hearth-gateway/internal/gateway"
)

// probeAddr turns a listen address into one a local client can dial.
func probeAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	flags, configPath := newFlagSet("health")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrEnv(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := checkHTTP(ctx, "http://"+probeAddr(cfg.Server.HTTPAddr)+"/health/ready"); err != nil {
		return err
	}
	if cfg.Server.GRPCAddr != "" {
		if err := checkGRPC(ctx, probeAddr(cfg.Server.GRPCAddr)); err != nil {
			return err
		}
	}

	color.New(color.FgGreen).Fprintln(out, "healthy")
	return nil
}

func checkHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func checkGRPC(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing gRPC: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.HealthService})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: gRPC status %s", resp.GetStatus())
	}
	return nil
}

// openGateway builds the gateway without serving, for commands that only
// need its services.
func openGateway(configPath string, out io.Writer) (*gateway.Gateway, error) {
	cfg, err := config.LoadOrEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	gw, err := gateway.New(cfg, quietLogger(out))
	if err != nil {
		return nil, fmt.Errorf("opening gateway: %w", err)
	}
	return gw, nil
}

func runResetPassword(ctx context.Context, args []string, out io.Writer) error {
	flags, configPath := newFlagSet("reset-password")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: hearth-gateway reset-password USERNAME")
	}
	username := flags.Arg(0)

	gw, err := openGateway(*configPath, out)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.Background()) }()

	password, err := gw.Accounts().ResetPassword(ctx, username)
	if err != nil {
		return fmt.Errorf("resetting password: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Fprintf(out, "  ✓ Password reset for %s\n", username)
	fmt.Fprintf(out, "  New password: %s\n", password)
	yellow.Fprintln(out, "  Existing sessions were ended. The password must be changed at next login.")
	return nil
}

func runUsers(ctx context.Context, args []string, out io.Writer) error {
	flags, configPath := newFlagSet("users")
	if err := flags.Parse(args); err != nil {
		return err
	}

	gw, err := openGateway(*configPath, out)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.Background()) }()

	users, err := gw.Accounts().ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Users")
	cyan.Fprintln(out, "  -----")

	if len(users) == 0 {
		fmt.Fprintln(out, "  (no users)")
		fmt.Fprintln(out)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tUSERNAME\tADMIN\tOTP\tHA\tCREATED")
	fmt.Fprintln(w, "  --\t--------\t-----\t---\t--\t-------")
	for _, u := range users {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\n",
			u.ID, u.Username, yesNo(u.IsAdmin), yesNo(u.OTPEnabled), yesNo(u.HasHAConfig),
			u.CreatedAt.Format("Jan 02 2006"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
