// Package cmd provides the daphne binaries.
//
// # Commands
//
// aggregator: Runs a standalone DAP aggregator in the Leader or Helper
// role, with the test-only control surface the interop harness drives.
//
//	go run ./cmd/aggregator --role=leader --listen=:8787
//	go run ./cmd/aggregator --role=helper --listen=:8788
//
// interop: CLI harness that drives an aggregator pair end to end, either
// as one full pipeline run or step by step.
//
//	go run ./cmd/interop run -c run.yaml
//	go run ./cmd/interop upload --task-id=8TuT... -v 42 -n 2
//	go run ./cmd/interop collect --task-id=8TuT... --collector-config=collector.json
//
// # Configuration
//
// Both commands take YAML configuration files via the --config flag;
// command-line flags override config file values.
//
// Example run file for the harness:
//
//	leader: "http://127.0.0.1:8787/v09"
//	helper: "http://127.0.0.1:8788/v09"
//	vdaf_type: "Prio3Sum"
//	vdaf_bits: "8"
//	measurement: 42
//	min_report_count: 2
//	trigger_rounds: 2
//	collector_config_file: "collector.json"
//	postgres:
//	  host: "localhost"
//	  port: 5432
//	  user: "daphne"
//	  password: "daphne"
//	  database: "daphne"
//
// Without a postgres section run records stay in memory; with one,
// 'daphne status' can inspect past runs and their step trails.
package cmd
