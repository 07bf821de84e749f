// Command aggregator runs a standalone DAP aggregator, serving either the
// Leader or the Helper side of the protocol.
//
// The daemon keeps all task and report state in memory and exposes the
// test-only control surface (/internal/test/*) the interop harness drives,
// so a pair of these processes is a complete target deployment.
//
// # Configuration File
//
// Create a YAML file with daemon settings:
//
//	role: "leader"          # leader or helper
//	listen_addr: ":8787"
//	metrics_addr: ":9090"   # empty disables the metrics server
//	base_path: "/v09"
//	sweep_quota: 0          # reports drained per process call, 0 = all
//	log_level: "info"
//	log_json: false
//
// # Usage
//
//	go run ./cmd/aggregator --config=leader.yaml
//	go run ./cmd/aggregator --role=helper --listen=:8788
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/thibmeu/daphne/aggregator"
	"github.com/thibmeu/daphne/api/httpserver"
	"github.com/thibmeu/daphne/cmd/common"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		role        = flag.String("role", "", "Aggregator role: leader or helper")
		listenAddr  = flag.String("listen", "", "HTTP listen address")
		metricsAddr = flag.String("metrics", "", "Metrics listen address (empty disables)")
		basePath    = flag.String("base-path", "", "Version prefix for the DAP routes")
		sweepQuota  = flag.Int("sweep-quota", -1, "Reports drained per process call, 0 drains all")
		pprof       = flag.Bool("pprof", false, "Enable the pprof debugging API")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logJSON     = flag.Bool("log-json", false, "Log in JSON format")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(common.VersionString())
		return
	}

	cfg := common.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := common.LoadServerConfig(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Command-line flags override config file
	if *role != "" {
		cfg.Role = *role
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *basePath != "" {
		cfg.BasePath = *basePath
	}
	if *sweepQuota >= 0 {
		cfg.SweepQuota = *sweepQuota
	}
	if *pprof {
		cfg.Pprof = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logJSON {
		cfg.LogJSON = true
	}

	log, err := common.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Printf("Logger error: %v\n", err)
		os.Exit(1)
	}
	log = log.With("service", "aggregator", "role", cfg.Role)

	agg, err := aggregator.New(aggregator.Config{
		Role:       cfg.Role,
		SweepQuota: cfg.SweepQuota,
		Log:        log,
	})
	if err != nil {
		fmt.Printf("Create aggregator error: %v\n", err)
		os.Exit(1)
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.Pprof,
		Log:                      log,
		DrainDuration:            cfg.DrainDuration.Std(),
		GracefulShutdownDuration: cfg.GracefulShutdownDuration.Std(),
		ReadTimeout:              cfg.ReadTimeout.Std(),
		WriteTimeout:             cfg.WriteTimeout.Std(),
	}, httpserver.NewAggregatorHandler(agg, cfg.BasePath))
	if err != nil {
		fmt.Printf("Create server error: %v\n", err)
		os.Exit(1)
	}

	log.Info("starting aggregator",
		"version", common.VersionString(),
		"listen_addr", cfg.ListenAddr,
		"base_path", cfg.BasePath,
	)
	srv.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down aggregator")
	srv.Shutdown()
}
