// Package logwatch follows COLT's compile_errors.log and forwards its
// remapped lines to a diagnostics sink.
package logwatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/coltlink/internal/logging"
	"github.com/dshills/coltlink/internal/remap"
)

const (
	// DefaultFileName is the compile log COLT writes into its working folder.
	DefaultFileName = "compile_errors.log"

	// DefaultSettleDelay is how long writes are allowed to settle before the
	// log is read.
	DefaultSettleDelay = 200 * time.Millisecond
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("log watcher closed")

// Sink receives diagnostics.
type Sink interface {
	Clear()
	Add(line remap.DiagnosticLine)
	Show()
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	ClearFunc func()
	AddFunc   func(remap.DiagnosticLine)
	ShowFunc  func()
}

func (s SinkFuncs) Clear() {
	if s.ClearFunc != nil {
		s.ClearFunc()
	}
}

func (s SinkFuncs) Add(line remap.DiagnosticLine) {
	if s.AddFunc != nil {
		s.AddFunc(line)
	}
}

func (s SinkFuncs) Show() {
	if s.ShowFunc != nil {
		s.ShowFunc()
	}
}

// State reports what the watcher is doing.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateDebouncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateDebouncing:
		return "debouncing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Watcher watches one directory for changes to the compile log.
type Watcher struct {
	dir       string
	fileName  string
	settle    time.Duration
	createDir bool
	remapper  *remap.Remapper
	sink      Sink
	roots     func() []string
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	closed bool
	fsw    *fsnotify.Watcher
	timer  *time.Timer
	stop   chan struct{}
	wg     sync.WaitGroup

	// fires counts settle callbacks that passed the state check and are
	// still writing to the sink.
	fires sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFileName sets the log file name.
func WithFileName(name string) Option {
	return func(w *Watcher) {
		if name != "" {
			w.fileName = name
		}
	}
}

// WithSettleDelay sets the settle window.
func WithSettleDelay(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithCreateDir makes Start create the directory if it is missing.
func WithCreateDir(create bool) Option {
	return func(w *Watcher) {
		w.createDir = create
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logging.OrDiscard(l)
	}
}

// New creates a watcher for dir. roots is called on every reload to get the
// current source roots; it may be nil.
func New(dir string, remapper *remap.Remapper, sink Sink, roots func() []string, opts ...Option) *Watcher {
	if remapper == nil {
		remapper = remap.New()
	}
	if sink == nil {
		sink = SinkFuncs{}
	}
	w := &Watcher{
		dir:      dir,
		fileName: DefaultFileName,
		settle:   DefaultSettleDelay,
		remapper: remapper,
		sink:     sink,
		roots:    roots,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the full path of the watched log file.
func (w *Watcher) Path() string {
	return filepath.Join(w.dir, w.fileName)
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start begins watching. Starting a running watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.state != StateIdle {
		return nil
	}

	if w.createDir {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.fsw = fsw
	w.stop = make(chan struct{})
	w.state = StateWatching

	w.wg.Add(1)
	go w.loop(fsw, w.stop)

	w.logger.Debug("watching compile log", "path", w.Path())
	return nil
}

// Stop cancels any pending settle timer and stops watching. It returns once
// a reload already started by the timer has finished.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	fsw := w.fsw
	if fsw != nil {
		close(w.stop)
		w.fsw = nil
	}
	w.state = StateIdle
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
		w.wg.Wait()
	}
	w.fires.Wait()
}

// Close stops the watcher for good.
func (w *Watcher) Close() error {
	w.Stop()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, stop <-chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("fs watcher error", "err", err)
		}
	}
}

// handle starts the settle timer for a change to the log file. Events that
// arrive while the timer is pending are dropped; the timer is not reset.
func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if !strings.HasSuffix(ev.Name, w.fileName) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateWatching {
		return
	}
	w.state = StateDebouncing
	w.timer = time.AfterFunc(w.settle, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.state != StateDebouncing {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.state = StateWatching
	w.fires.Add(1)
	w.mu.Unlock()

	defer w.fires.Done()
	w.Reload()
}

// Reload reads the log now, replaces the sink contents with its lines and
// returns them. Show is called when at least one line was produced.
func (w *Watcher) Reload() []remap.DiagnosticLine {
	w.sink.Clear()

	data, err := os.ReadFile(w.Path())
	if err != nil {
		w.logger.Debug("read compile log", "path", w.Path(), "err", err)
		return nil
	}

	var roots []string
	if w.roots != nil {
		roots = w.roots()
	}
	lines := w.remapper.Process(string(data), roots)
	for _, line := range lines {
		w.sink.Add(line)
	}
	if len(lines) > 0 {
		w.sink.Show()
	}
	w.logger.Debug("compile log reloaded", "lines", len(lines))
	return lines
}
