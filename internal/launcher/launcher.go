// Package launcher starts the COLT companion when its service is unreachable.
//
// Launching is fire-and-forget: the project is written to the top of COLT's
// recent list and the executable is started, and the caller goes on polling
// the service whether or not either step worked.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/dshills/coltlink/internal/logging"
	"github.com/dshills/coltlink/internal/process"
)

// processName is the supervisor name used for companion processes.
const processName = "colt"

// ErrNoExecutable is returned when no companion executable is configured.
var ErrNoExecutable = errors.New("colt executable not configured")

// Forgetter drops cached endpoint lookups for a project.
type Forgetter interface {
	Forget(project string)
}

// Launcher registers a project with COLT and starts the companion executable.
type Launcher struct {
	home       string
	executable string
	args       []string
	supervisor *process.Supervisor
	forgetter  Forgetter
	logger     *slog.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithArgs sets extra command line arguments for the executable.
func WithArgs(args ...string) Option {
	return func(l *Launcher) {
		l.args = args
	}
}

// WithSupervisor sets the supervisor that starts and tracks the companion.
func WithSupervisor(s *process.Supervisor) Option {
	return func(l *Launcher) {
		if s != nil {
			l.supervisor = s
		}
	}
}

// WithForgetter sets the endpoint cache to invalidate after a launch.
func WithForgetter(f Forgetter) Option {
	return func(l *Launcher) {
		l.forgetter = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) {
		l.logger = logging.OrDiscard(logger)
	}
}

// New creates a launcher for the COLT home directory and executable.
func New(home, executable string, opts ...Option) *Launcher {
	l := &Launcher{
		home:       home,
		executable: executable,
		supervisor: process.NewSupervisor(),
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Shutdown stops every companion this launcher started, killing any still
// running after timeout. Companions started elsewhere are left alone.
func (l *Launcher) Shutdown(timeout time.Duration) {
	l.supervisor.Shutdown(timeout)
}

// Launch registers project as recently opened and starts the companion,
// unless one started by this launcher is still running. Both steps are
// attempted; the returned error joins whatever failed.
func (l *Launcher) Launch(ctx context.Context, project string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	if err := PrependRecent(l.home, project); err != nil {
		l.logger.Warn("update recent projects", "project", project, "err", err)
		errs = append(errs, err)
	}

	if err := l.start(); err != nil {
		l.logger.Warn("start colt", "executable", l.executable, "err", err)
		errs = append(errs, err)
	}

	if l.forgetter != nil {
		l.forgetter.Forget(project)
	}
	return errors.Join(errs...)
}

func (l *Launcher) start() error {
	if l.executable == "" {
		return ErrNoExecutable
	}
	if p := l.supervisor.Running(processName); p != nil {
		l.logger.Debug("colt already starting", "pid", p.PID())
		return nil
	}

	proc, err := l.supervisor.Start(processName, exec.Command(l.executable, l.args...))
	if err != nil {
		return fmt.Errorf("launch %s: %w", l.executable, err)
	}
	l.logger.Info("started colt", "executable", l.executable, "pid", proc.PID(), "id", proc.ID)
	return nil
}
