// Package main is the entry point for coltctl, a command line client for the
// COLT live-coding service.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/coltlink/internal/config"
	"github.com/dshills/coltlink/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&streams{in: os.Stdin, out: os.Stdout, err: os.Stderr, isTTY: stdinIsTerminal})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// streams are the process's standard streams, replaceable in tests.
type streams struct {
	in    io.Reader
	out   io.Writer
	err   io.Writer
	isTTY func() bool
}

type rootOptions struct {
	io *streams

	configPath string
	projectDir string
	sources    []string
	logLevel   string
	timeout    time.Duration
	stopColt   bool

	cfg *config.Config
}

// prepare loads the configuration and applies flag overrides.
func (r *rootOptions) prepare() error {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	if r.timeout > 0 {
		cfg.RequestTimeoutMs = int(r.timeout / time.Millisecond)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if r.projectDir == "" {
		r.projectDir = "."
	}
	abs, err := filepath.Abs(r.projectDir)
	if err != nil {
		return fmt.Errorf("project dir: %w", err)
	}
	r.projectDir = abs
	r.cfg = cfg
	return nil
}

func newRootCmd(s *streams) *cobra.Command {
	opts := &rootOptions{io: s}

	rootCmd := &cobra.Command{
		Use:           "coltctl",
		Short:         "Drive the COLT live-coding service from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.prepare()
		},
	}
	rootCmd.SetIn(s.in)
	rootCmd.SetOut(s.out)
	rootCmd.SetErr(s.err)

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to coltctl config file ($COLTLINK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.projectDir, "project-dir", "", "IDE project directory (default current directory)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.sources, "src", []string{"src"}, "source roots relative to the project directory")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "per-request timeout (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&opts.stopColt, "stop-colt", false, "stop a COLT instance started by this command when it exits")

	rootCmd.AddCommand(newEndpointCmd(opts))
	rootCmd.AddCommand(newPingCmd(opts))
	rootCmd.AddCommand(newOpenCmd(opts))
	rootCmd.AddCommand(newBuildCmd(opts))
	rootCmd.AddCommand(newAuthCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "coltctl %s\n  commit: %s\n  built:  %s\n", version, commit, date)
			return nil
		},
	}
}

func (r *rootOptions) newLogger() *slog.Logger {
	return logging.New(r.io.err, r.cfg.LogLevel)
}
