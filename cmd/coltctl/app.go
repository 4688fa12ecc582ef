package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dshills/coltlink/internal/bridge"
	"github.com/dshills/coltlink/internal/config"
	"github.com/dshills/coltlink/internal/discovery"
	"github.com/dshills/coltlink/internal/invoke"
	"github.com/dshills/coltlink/internal/launcher"
	"github.com/dshills/coltlink/internal/process"
	"github.com/dshills/coltlink/internal/rpc"
)

// cliProject is the project named by --project-dir and --src.
type cliProject struct {
	dir     string
	sources []string
}

func (p *cliProject) Dir() string           { return p.dir }
func (p *cliProject) SourcePaths() []string { return append([]string(nil), p.sources...) }

// cliHost stands in for the IDE.
type cliHost struct {
	project *cliProject
	out     io.Writer
}

func (h *cliHost) CurrentProject() bridge.Project { return h.project }

func (h *cliHost) PlayOutput() {
	fmt.Fprintln(h.out, "build finished; output is ready to run")
}

// shutdownTimeout bounds how long --stop-colt waits before killing COLT.
const shutdownTimeout = 5 * time.Second

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	resolver *discovery.Resolver
	launcher *launcher.Launcher
	bridge   *bridge.Bridge
	stopColt bool
}

func newApp(opts *rootOptions) *app {
	cfg := opts.cfg
	logger := opts.newLogger()

	resolver := discovery.NewResolver(cfg.Home, discovery.WithLogger(logger))
	l := launcher.New(resolver.Home(), cfg.Executable,
		launcher.WithSupervisor(process.NewSupervisor(process.WithProcessExitCallback(func(p *process.Process) {
			logger.Info("colt exited", "pid", p.PID(), "code", p.ExitCode(), "err", p.ExitError())
		}))),
		launcher.WithForgetter(resolver),
		launcher.WithLogger(logger),
	)

	dialer := &bridge.ServiceDialer{
		Resolver: resolver,
		Launcher: l,
		InvokeOptions: []invoke.Option{
			invoke.WithInterval(cfg.StartupInterval()),
			invoke.WithMaxAttempts(cfg.StartupAttempts),
			invoke.WithLogger(logger),
		},
		TransportOptions: transportOptions(cfg, logger),
	}

	host := &cliHost{
		project: &cliProject{dir: opts.projectDir, sources: opts.sources},
		out:     opts.io.out,
	}
	b := bridge.New(host, cfg, dialer,
		bridge.WithSink(newPrinter(opts.io.out)),
		bridge.WithPrompter(newTerminalPrompter(opts.io.in, opts.io.out, opts.io.isTTY)),
		bridge.WithTokenStore(config.NewTokenStore(opts.configPath, cfg)),
		bridge.WithLogger(logger),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		launcher: l,
		bridge:   b,
		stopColt: opts.stopColt,
	}
}

func transportOptions(cfg *config.Config, logger *slog.Logger) []rpc.Option {
	return []rpc.Option{
		rpc.WithTimeout(cfg.RequestTimeout()),
		rpc.WithLogger(logger),
	}
}

// projectFile returns args[0] if given, else the COLT file of the project.
func (a *app) projectFile(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return a.bridge.FindCOLTFile()
}

// Close stops the log watcher and, with --stop-colt, any COLT instance the
// command launched.
func (a *app) Close() error {
	err := a.bridge.Close()
	if a.stopColt {
		a.launcher.Shutdown(shutdownTimeout)
	}
	return err
}
