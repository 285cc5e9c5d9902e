// Package gateway wires the hearth-gateway components together and runs
// the servers.
//
// # Overview
//
// New opens the store and builds every service from the configuration:
// sealing, JWT verification, Home Assistant clients, accounts, sharing,
// the entity tracker, passkeys, rate limiters, notifications, and the
// help pages. Run starts listening and blocks until its context is done.
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// # Listeners
//
// Without tailscale the HTTP server listens on server.http_addr and, when
// server.grpc_addr is set, a gRPC server exposing grpc.health.v1 and
// reflection listens there. With tailscale enabled the gateway joins the
// tailnet through tsnet and serves HTTP on :80, HTTPS on :443 using tailnet
// certificates, or public HTTPS through Funnel. gRPC health listens on
// :50051 inside the tailnet.
//
// # HTTP Surface
//
// Routes use method patterns on http.ServeMux. Every response passes
// through request logging and gzip compression.
//
//	GET  /health                         liveness
//	GET  /health/ready                   store ping, 503 on failure
//	GET  /, /help/{topic}                help pages
//
//	GET  /api/admin-exists               public
//	POST /api/register                   public, rate limited
//	POST /api/login                      public, rate limited
//	POST /api/verify-otp                 public, rate limited
//	POST /api/refresh-token              public, rate limited
//	POST /api/logout                     public
//	GET  /api/shares/{id}                public share view, rate limited
//	POST /api/shares/{id}/trigger/{entityId}
//	POST /api/passkeys/login/{begin,finish}
//
// Everything else under /api requires a bearer token, and /api/users,
// /api/users/{id}, /api/users/{id}/admin and /api/audit also require an
// admin. Errors are always {"error": "..."}.
//
// # Shutdown
//
// When the run context ends, the refresh loop stops and servers get five
// seconds to drain. Shutdown then closes tailscale, the notifier, caches,
// and the store, and returns every close error joined together.
package gateway
