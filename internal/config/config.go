// Package config holds coltlink's user settings and loads them from TOML or
// YAML files with COLT_* environment overrides.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/coltlink/internal/logging"
)

// PathEnv overrides the config file location.
const PathEnv = "COLTLINK_CONFIG"

// Config is the complete set of user settings.
type Config struct {
	// Executable is the COLT launcher. Empty means COLT is never started.
	Executable string `toml:"executable" yaml:"executable"`

	// WorkingFolder is the project-relative folder holding the .colt file
	// and the compile log.
	WorkingFolder string `toml:"working_folder" yaml:"working_folder"`

	// AutoRun compiles and runs the project after opening it in COLT.
	AutoRun bool `toml:"auto_run" yaml:"auto_run"`

	// FullConfig asks the exporter to include the full build configuration.
	FullConfig bool `toml:"full_config" yaml:"full_config"`

	// InterceptBuilds routes IDE builds to COLT's production compiler.
	InterceptBuilds bool `toml:"intercept_builds" yaml:"intercept_builds"`

	// SecurityToken authorizes RPC calls.
	SecurityToken string `toml:"security_token" yaml:"security_token"`

	Home        string `toml:"home" yaml:"home"`
	ClientName  string `toml:"client_name" yaml:"client_name"`
	Marker      string `toml:"marker" yaml:"marker"`
	LogFileName string `toml:"log_file_name" yaml:"log_file_name"`

	StartupIntervalMs int `toml:"startup_interval_ms" yaml:"startup_interval_ms"`
	StartupAttempts   int `toml:"startup_attempts" yaml:"startup_attempts"`
	SettleDelayMs     int `toml:"settle_delay_ms" yaml:"settle_delay_ms"`
	RequestTimeoutMs  int `toml:"request_timeout_ms" yaml:"request_timeout_ms"`

	LogLevel string `toml:"log_level" yaml:"log_level"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		WorkingFolder:     "colt",
		AutoRun:           true,
		ClientName:        "coltctl",
		Marker:            `colt\incremental`,
		LogFileName:       "compile_errors.log",
		StartupIntervalMs: 1000,
		StartupAttempts:   14,
		SettleDelayMs:     200,
		RequestTimeoutMs:  30000,
		LogLevel:          logging.LevelInfo,
	}
}

// DefaultPath returns $COLTLINK_CONFIG, or ~/.coltlink/config.toml.
func DefaultPath() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coltlink.toml"
	}
	return filepath.Join(home, ".coltlink", "config.toml")
}

// StartupInterval returns the delay between startup probes.
func (c *Config) StartupInterval() time.Duration {
	return time.Duration(c.StartupIntervalMs) * time.Millisecond
}

// SettleDelay returns the compile-log settle window.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkingFolder == "" {
		errs = append(errs, &ValidationError{Field: "working_folder", Value: c.WorkingFolder, Message: "must not be empty"})
	}
	if c.StartupIntervalMs <= 0 {
		errs = append(errs, &ValidationError{Field: "startup_interval_ms", Value: c.StartupIntervalMs, Message: "must be positive"})
	}
	if c.StartupAttempts <= 0 {
		errs = append(errs, &ValidationError{Field: "startup_attempts", Value: c.StartupAttempts, Message: "must be positive"})
	}
	if c.SettleDelayMs <= 0 {
		errs = append(errs, &ValidationError{Field: "settle_delay_ms", Value: c.SettleDelayMs, Message: "must be positive"})
	}
	if c.RequestTimeoutMs <= 0 {
		errs = append(errs, &ValidationError{Field: "request_timeout_ms", Value: c.RequestTimeoutMs, Message: "must be positive"})
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, &ValidationError{Field: "log_level", Value: c.LogLevel, Message: "unknown level"})
	}
	return errors.Join(errs...)
}
