// Package common provides shared utilities for daphne CLI commands.
//
// This package contains helpers used across the standalone binaries
// (aggregator, interop) to reduce code duplication:
//
//   - Structured logger construction from level and format settings
//   - YAML configuration loading for the aggregator daemon
//   - YAML configuration loading for interop runs, including the optional
//     Postgres section for run persistence
package common

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thibmeu/daphne/api/httpserver"
	"github.com/thibmeu/daphne/common"
	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/interop"
)

// NewLogger builds the binaries' logger. level is debug, info, warn or
// error; json switches to the JSON handler for log shippers.
func NewLogger(level string, json bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// VersionString identifies the binary in --version output and startup logs.
func VersionString() string {
	return fmt.Sprintf("%s %s", common.PackageName, common.Version)
}

// ServerConfig configures one aggregator daemon.
type ServerConfig struct {
	// Role is "leader" or "helper".
	Role string `yaml:"role"`

	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// BasePath is the version prefix the DAP routes serve under.
	BasePath string `yaml:"base_path"`

	// SweepQuota caps reports drained per process call; zero drains all.
	SweepQuota int `yaml:"sweep_quota"`

	Pprof    bool   `yaml:"pprof"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	DrainDuration            interop.Duration `yaml:"drain_duration"`
	GracefulShutdownDuration interop.Duration `yaml:"graceful_shutdown_duration"`
	ReadTimeout              interop.Duration `yaml:"read_timeout"`
	WriteTimeout             interop.Duration `yaml:"write_timeout"`
}

// DefaultServerConfig returns a leader on the conventional local port.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Role:                     dap.RoleNameLeader,
		ListenAddr:               ":8787",
		BasePath:                 httpserver.DefaultBasePath,
		LogLevel:                 "info",
		DrainDuration:            interop.Duration(5 * time.Second),
		GracefulShutdownDuration: interop.Duration(10 * time.Second),
		ReadTimeout:              interop.Duration(15 * time.Second),
		WriteTimeout:             interop.Duration(15 * time.Second),
	}
}

// LoadServerConfig reads a YAML daemon config, filling unset fields from the
// defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// RunFile is one interop YAML document: the run settings inline, plus an
// optional Postgres section for persisting run records.
type RunFile struct {
	interop.Config `yaml:",inline"`

	Postgres *interop.PostgresConfig `yaml:"postgres"`
}

// LoadRunFile reads a YAML run config. An empty path yields the defaults.
func LoadRunFile(path string) (*RunFile, error) {
	file := &RunFile{Config: interop.Default()}
	if path == "" {
		return file, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return file, nil
}

// OpenRunStore connects the configured run store. Without a Postgres section
// runs are kept in memory and vanish with the process.
func OpenRunStore(file *RunFile) (interop.RunStore, error) {
	if file.Postgres == nil {
		return interop.NewInMemoryRunStore(), nil
	}
	return interop.NewPostgresRunStore(file.Postgres)
}
