// Package bridge ties an IDE host to a COLT service: it opens and exports
// projects, runs base and production compilations, routes authentication
// failures to the session, and keeps the compile-log watcher pointed at
// the current project.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/coltlink/internal/config"
	"github.com/dshills/coltlink/internal/invoke"
	"github.com/dshills/coltlink/internal/logging"
	"github.com/dshills/coltlink/internal/logwatch"
	"github.com/dshills/coltlink/internal/remap"
	"github.com/dshills/coltlink/internal/rpc"
	"github.com/dshills/coltlink/internal/session"
)

// ProjectFileExt is the extension of COLT project files.
const ProjectFileExt = ".colt"

var (
	// ErrNoProject means the host has no current project.
	ErrNoProject = errors.New("no project open")

	// ErrNoCOLTFile means the working folder holds no .colt file.
	ErrNoCOLTFile = errors.New("no COLT project file in working folder")

	// ErrNoExporter means ExportAndOpen was called without an Exporter.
	ErrNoExporter = errors.New("no project exporter configured")
)

// Project is the IDE project currently open.
type Project interface {
	// Dir is the absolute project directory.
	Dir() string
	// SourcePaths are the source roots, relative to Dir or absolute.
	SourcePaths() []string
}

// Host is the IDE.
type Host interface {
	// CurrentProject returns the open project, or nil.
	CurrentProject() Project
	// PlayOutput runs the project's build output.
	PlayOutput()
}

// ProjectDescriptor describes an exported COLT project file.
type ProjectDescriptor struct {
	Path string
}

// Exporter writes a .colt file for an IDE project.
type Exporter interface {
	ExportProject(ctx context.Context, handle any) (ProjectDescriptor, error)
}

// Invoker runs calls against one COLT project, starting COLT if needed.
type Invoker interface {
	InvokeAsync(ctx context.Context, method string, cb invoke.Callback, params ...any) *invoke.Call
	Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Dialer returns an invoker for the COLT project file at path.
type Dialer interface {
	Dial(project string) Invoker
}

// InterceptDecision tells the host whether a build was taken over.
type InterceptDecision int

const (
	PassThrough InterceptDecision = iota
	Intercepted
)

func (d InterceptDecision) String() string {
	if d == Intercepted {
		return "intercepted"
	}
	return "pass-through"
}

// Bridge is the plugin core. It is safe for concurrent use.
type Bridge struct {
	host     Host
	cfg      *config.Config
	dialer   Dialer
	exporter Exporter
	sink     logwatch.Sink
	session  *session.Manager
	logger   *slog.Logger

	prompter  session.Prompter
	store     session.Store
	watchOpts []logwatch.Option

	mu             sync.Mutex
	watcher        *logwatch.Watcher
	allowIntercept bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithExporter sets the project exporter.
func WithExporter(e Exporter) Option {
	return func(b *Bridge) { b.exporter = e }
}

// WithSink sets where compile diagnostics go.
func WithSink(s logwatch.Sink) Option {
	return func(b *Bridge) {
		if s != nil {
			b.sink = s
		}
	}
}

// WithPrompter sets how the user is asked for a short code.
func WithPrompter(p session.Prompter) Option {
	return func(b *Bridge) { b.prompter = p }
}

// WithTokenStore sets where the security token is persisted.
func WithTokenStore(s session.Store) Option {
	return func(b *Bridge) { b.store = s }
}

// WithWatcherOptions passes extra options to every log watcher.
func WithWatcherOptions(opts ...logwatch.Option) Option {
	return func(b *Bridge) { b.watchOpts = append(b.watchOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logging.OrDiscard(l) }
}

// New creates a bridge for host using cfg. cfg is shared, not copied:
// preferences chosen in the short-code prompt are written back to it, through
// the token store when it is a PreferenceSaver.
func New(host Host, cfg *config.Config, dialer Dialer, opts ...Option) *Bridge {
	b := &Bridge{
		host:           host,
		cfg:            cfg,
		dialer:         dialer,
		sink:           logwatch.SinkFuncs{},
		logger:         logging.Discard(),
		allowIntercept: true,
	}
	for _, opt := range opts {
		opt(b)
	}

	prompter := b.prompter
	if prompter == nil {
		prompter = session.PrompterFunc(func(_ context.Context, p session.Preferences) (session.Reply, error) {
			return session.Reply{Preferences: p}, nil
		})
	}
	if b.store == nil {
		b.store = session.NewMemoryStore(cfg.SecurityToken)
	}
	b.session = session.New(b, prompter,
		session.WithStore(b.store),
		session.WithClientName(cfg.ClientName),
		session.WithPreferences(session.Preferences{
			InterceptBuilds: cfg.InterceptBuilds,
			AutoRun:         cfg.AutoRun,
		}),
		session.WithLogger(b.logger),
	)
	return b
}

// Session returns the token manager.
func (b *Bridge) Session() *session.Manager {
	return b.session
}

// Watcher returns the active log watcher, or nil.
func (b *Bridge) Watcher() *logwatch.Watcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watcher
}

// Invoke calls method on the COLT project of the current IDE project. It
// lets the session reach the service without knowing which project is open.
func (b *Bridge) Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	path, err := b.FindCOLTFile()
	if err != nil {
		return nil, err
	}
	return b.dialer.Dial(path).Invoke(ctx, method, params...)
}

// WorkingDir returns the COLT working folder of the current project.
func (b *Bridge) WorkingDir() (string, error) {
	p := b.host.CurrentProject()
	if p == nil {
		return "", ErrNoProject
	}
	return b.workingDir(p), nil
}

func (b *Bridge) workingDir(p Project) string {
	if filepath.IsAbs(b.cfg.WorkingFolder) {
		return b.cfg.WorkingFolder
	}
	return filepath.Join(p.Dir(), b.cfg.WorkingFolder)
}

// WatchErrorsLog restarts the compile-log watcher on the working folder of
// the current project. Without createFolder a missing folder leaves the
// watcher stopped.
func (b *Bridge) WatchErrorsLog(createFolder bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.watcher != nil {
		b.watcher.Close()
		b.watcher = nil
	}

	p := b.host.CurrentProject()
	if p == nil {
		return nil
	}
	dir := b.workingDir(p)
	if createFolder {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create working folder: %w", err)
		}
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}

	remapper := remap.New(remap.WithMarker(b.cfg.Marker), remap.WithBaseDir(p.Dir()))
	opts := append([]logwatch.Option{
		logwatch.WithFileName(b.cfg.LogFileName),
		logwatch.WithSettleDelay(b.cfg.SettleDelay()),
		logwatch.WithLogger(b.logger),
	}, b.watchOpts...)

	w := logwatch.New(dir, remapper, b.sink, p.SourcePaths, opts...)
	if err := w.Start(); err != nil {
		return err
	}
	b.watcher = w
	return nil
}

// OnProjectChanged reconnects the watcher after the host opened, closed or
// modified a project.
func (b *Bridge) OnProjectChanged() error {
	return b.WatchErrorsLog(false)
}

// FindCOLTFile returns the first .colt file in the working folder.
func (b *Bridge) FindCOLTFile() (string, error) {
	dir, err := b.WorkingDir()
	if err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+ProjectFileExt))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrNoCOLTFile
	}
	return matches[0], nil
}

// FindAndOpen starts watching the compile log, finds the project file, and
// with run set starts a base compilation. The returned call is nil unless
// run is set.
func (b *Bridge) FindAndOpen(ctx context.Context, run bool) (string, *invoke.Call, error) {
	if err := b.WatchErrorsLog(true); err != nil {
		b.logger.Warn("watch compile log", "err", err)
	}

	path, err := b.FindCOLTFile()
	if err != nil {
		return "", nil, err
	}
	if !run {
		return path, nil, nil
	}

	token := b.session.Token()
	call := b.dialer.Dial(path).InvokeAsync(ctx, rpc.MethodRunBaseCompilation, b.handleOutcome(ctx, token), token)
	return path, call, nil
}

// OpenInCOLT opens the current project, running it when AutoRun is set.
func (b *Bridge) OpenInCOLT(ctx context.Context) (string, *invoke.Call, error) {
	return b.FindAndOpen(ctx, b.session.Preferences().AutoRun)
}

// ExportAndOpen exports the project, optionally starts a base compilation,
// and removes older .colt files next to the new one.
func (b *Bridge) ExportAndOpen(ctx context.Context, handle any, run bool) (*invoke.Call, error) {
	if err := b.WatchErrorsLog(true); err != nil {
		b.logger.Warn("watch compile log", "err", err)
	}
	if b.exporter == nil {
		return nil, ErrNoExporter
	}

	desc, err := b.exporter.ExportProject(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("export project: %w", err)
	}

	var call *invoke.Call
	if run {
		token := b.session.Token()
		call = b.dialer.Dial(desc.Path).InvokeAsync(ctx, rpc.MethodRunBaseCompilation, b.handleOutcome(ctx, token), token)
	}
	return call, removeOlderProjects(desc.Path)
}

// ExportToCOLT exports and opens the project, running it when AutoRun is set.
func (b *Bridge) ExportToCOLT(ctx context.Context, handle any) (*invoke.Call, error) {
	return b.ExportAndOpen(ctx, handle, b.session.Preferences().AutoRun)
}

func removeOlderProjects(keep string) error {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(keep), "*"+ProjectFileExt))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if filepath.Base(m) == filepath.Base(keep) {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProductionBuild runs COLT's production compiler on the current project.
// With run set the host plays the output once the build succeeds.
func (b *Bridge) ProductionBuild(ctx context.Context, run bool) (*invoke.Call, error) {
	path, _, err := b.FindAndOpen(ctx, false)
	if err != nil {
		return nil, err
	}

	token := b.session.Token()
	cb := b.handleOutcome(ctx, token)
	if run {
		handle := cb
		cb = func(res invoke.Result) {
			if res.Err != nil {
				handle(res)
				return
			}
			b.host.PlayOutput()
		}
	}
	return b.dialer.Dial(path).InvokeAsync(ctx, rpc.MethodRunProductionCompilation, cb, token, false), nil
}

// OnBuildRequested is called when the host is about to build. The build is
// taken over when interception is enabled and allowed and the project has a
// COLT file.
func (b *Bridge) OnBuildRequested(ctx context.Context, testing bool) InterceptDecision {
	b.mu.Lock()
	allowed := b.allowIntercept
	b.mu.Unlock()

	if !allowed || !b.session.Preferences().InterceptBuilds {
		return PassThrough
	}
	if _, err := b.FindCOLTFile(); err != nil {
		return PassThrough
	}
	if _, err := b.ProductionBuild(ctx, testing); err != nil {
		b.logger.Error("production build", "err", err)
	}
	return Intercepted
}

// SetAllowBuildInterception turns build interception on or off, e.g. while
// the host builds a project on the bridge's own behalf.
func (b *Bridge) SetAllowBuildInterception(allow bool) {
	b.mu.Lock()
	b.allowIntercept = allow
	b.mu.Unlock()
}

// OnFileSaved clears stale diagnostics while the log is being watched.
func (b *Bridge) OnFileSaved() {
	b.mu.Lock()
	active := b.watcher != nil && b.watcher.State() != logwatch.StateIdle
	b.mu.Unlock()
	if active {
		b.sink.Clear()
	}
}

// Close stops the log watcher.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher == nil {
		return nil
	}
	err := b.watcher.Close()
	b.watcher = nil
	return err
}

// handleOutcome returns the callback every asynchronous call made with token
// reports to.
// Authentication failures renew the token; anything else is traced.
func (b *Bridge) handleOutcome(ctx context.Context, token string) invoke.Callback {
	return func(res invoke.Result) {
		if res.Err == nil {
			return
		}
		if b.session.OnAuthError(ctx, res.Err, token) {
			b.syncPreferences()
			return
		}
		if errors.Is(res.Err, context.Canceled) {
			b.logger.Debug("colt call cancelled")
			return
		}
		b.logger.Error("colt call failed", "err", res.Err)
	}
}

// PreferenceSaver is implemented by token stores that also persist the
// choices made in the short-code prompt.
type PreferenceSaver interface {
	SavePreferences(autoRun, interceptBuilds bool) error
}

// syncPreferences copies the choices made in the last prompt into cfg.
func (b *Bridge) syncPreferences() {
	p := b.session.Preferences()
	if ps, ok := b.store.(PreferenceSaver); ok {
		if err := ps.SavePreferences(p.AutoRun, p.InterceptBuilds); err != nil {
			b.logger.Warn("save preferences", "err", err)
		}
		return
	}
	b.mu.Lock()
	b.cfg.AutoRun = p.AutoRun
	b.cfg.InterceptBuilds = p.InterceptBuilds
	b.mu.Unlock()
}
