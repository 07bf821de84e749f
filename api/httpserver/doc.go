// Package httpserver wraps a DAP aggregator in a production HTTP server
// with health endpoints, graceful shutdown, metrics and request logging.
//
// The aggregator package implements the protocol surface; this package adds
// everything a deployed daemon needs around it, so the leader and helper
// binaries stay thin.
//
// # Key Components
//
//   - BaseServer: HTTP server with health checks, metrics, and lifecycle management
//   - RouteRegistrar: Interface for components to register their routes with the server
//   - AggregatorHandler: Registrar mounting one aggregator under its version prefix
//
// # Server Lifecycle
//
// The BaseServer implements a complete server lifecycle:
//
//  1. Initialization: Configure server with HTTP settings and route registrars
//  2. Startup: Run HTTP and metrics servers in background goroutines
//  3. Operation: Handle requests with proper logging and monitoring
//  4. Readiness Control: Support drain/undrain operations for load balancers
//  5. Graceful Shutdown: Wait for in-flight requests to complete
//
// # Health and Diagnostics
//
// All servers built with BaseServer automatically include:
//
//   - Liveness Check: Simple endpoint to verify server is running (/livez)
//   - Readiness Check: Endpoint indicating if server is ready to accept requests (/readyz)
//   - Drain Control: Endpoints to prepare for graceful shutdown (/drain, /undrain)
//   - Metrics: Optional Prometheus-compatible metrics endpoint
//   - Profiling: Optional pprof debugging endpoints when enabled
//
// # Usage Example
//
//	agg, err := aggregator.New(aggregator.Config{Role: dap.RoleNameLeader, Log: log})
//	if err != nil {
//	    return err
//	}
//
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
//	    ListenAddr:  ":8787",
//	    MetricsAddr: ":9090",
//	    Log:         log,
//	}, httpserver.NewAggregatorHandler(agg, httpserver.DefaultBasePath))
//	if err != nil {
//	    return err
//	}
//
//	srv.RunInBackground()
//	defer srv.Shutdown()
//
// The DAP routes then serve under /v09 next to the health endpoints at the
// server root.
package httpserver
