package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/coltlink/internal/logging"
	"github.com/dshills/coltlink/internal/rpc"
)

// Defaults for the startup wait.
const (
	DefaultInterval    = 1000 * time.Millisecond
	DefaultMaxAttempts = 14
)

// ErrStartupTimeout is delivered when the service never answered a ping
// within the allowed attempts.
var ErrStartupTimeout = errors.New("starting colt timed out")

// State is the position of a Call in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateLaunching
	StateWaiting
	StateInvoking
	StateSucceeded
	StateFailed
	StateCancelled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateLaunching:
		return "launching"
	case StateWaiting:
		return "waiting"
	case StateInvoking:
		return "invoking"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Result is the outcome of a call.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Callback receives the outcome of an asynchronous call. It runs exactly
// once, on a scheduler goroutine.
type Callback func(Result)

// Caller performs a single synchronous RPC.
type Caller interface {
	Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Launcher starts the companion service for a project.
type Launcher interface {
	Launch(ctx context.Context, project string) error
}

// Invoker runs RPC calls once the service is reachable, starting it first if
// a probe fails. It is safe for concurrent use; each call has its own state.
type Invoker struct {
	caller      Caller
	launcher    Launcher
	project     string
	interval    time.Duration
	maxAttempts int
	sched       Scheduler
	logger      *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLauncher sets the launcher used when the first probe fails.
func WithLauncher(l Launcher, project string) Option {
	return func(inv *Invoker) {
		inv.launcher = l
		inv.project = project
	}
}

// WithInterval sets the delay between startup probes.
func WithInterval(d time.Duration) Option {
	return func(inv *Invoker) {
		if d > 0 {
			inv.interval = d
		}
	}
}

// WithMaxAttempts sets how many failed startup probes are tolerated.
func WithMaxAttempts(n int) Option {
	return func(inv *Invoker) {
		if n > 0 {
			inv.maxAttempts = n
		}
	}
}

// WithScheduler sets the timer source.
func WithScheduler(s Scheduler) Option {
	return func(inv *Invoker) {
		if s != nil {
			inv.sched = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(inv *Invoker) {
		inv.logger = logging.OrDiscard(l)
	}
}

// New creates an invoker that calls through caller.
func New(caller Caller, opts ...Option) *Invoker {
	inv := &Invoker{
		caller:      caller,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		sched:       realScheduler{},
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// InvokeAsync schedules method and returns immediately. cb may be nil.
// Cancelling ctx, or calling Cancel on the returned call, stops the call and
// delivers the context error.
func (inv *Invoker) InvokeAsync(ctx context.Context, method string, cb Callback, params ...any) *Call {
	cctx, cancel := context.WithCancel(ctx)
	c := &Call{
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
		inv:    inv,
		ctx:    cctx,
		cancel: cancel,
		cb:     cb,
		done:   make(chan struct{}),
	}
	// A ctx that is already done runs onContextDone at once, and finish
	// blocks on mu until stopWatch is set.
	c.mu.Lock()
	c.stopWatch = context.AfterFunc(cctx, c.onContextDone)
	c.mu.Unlock()

	inv.logger.Debug("invoke scheduled", "call", c.ID, "method", method)
	c.arm(0, c.probe)
	return c
}

// Invoke runs method through InvokeAsync and waits for the outcome.
func (inv *Invoker) Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	res := inv.InvokeAsync(ctx, method, nil, params...).Wait(ctx)
	return res.Value, res.Err
}

// Call is one asynchronous invocation.
type Call struct {
	ID     string
	Method string
	Params []any

	inv    *Invoker
	ctx    context.Context
	cancel context.CancelFunc
	cb     Callback

	mu       sync.Mutex
	state    State
	attempts int
	timer    Timer
	result   Result

	stopWatch func() bool
	done      chan struct{}
}

// State returns the current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many startup probes have failed while waiting.
func (c *Call) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Done returns a channel closed once the call reaches a terminal state and
// its callback has returned.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Wait blocks until the call finishes or ctx is done.
func (c *Call) Wait(ctx context.Context) Result {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Cancel stops the call. The callback receives context.Canceled unless the
// call already finished.
func (c *Call) Cancel() {
	c.cancel()
	c.finish(StateCancelled, Result{Err: context.Canceled})
}

func (c *Call) onContextDone() {
	c.finish(StateCancelled, Result{Err: c.ctx.Err()})
}

// arm schedules step after d unless the call is finished. Any previous timer
// has already been stopped by the step that calls arm.
func (c *Call) arm(d time.Duration, step func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.timer = c.inv.sched.AfterFunc(d, step)
}

// begin stops the timer and moves to next, reporting false if the call has
// already finished.
func (c *Call) begin(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.stopTimerLocked()
	c.state = next
	return true
}

func (c *Call) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// probe is the first step: ping, and launch the service if it is not there.
func (c *Call) probe() {
	if !c.begin(StateProbing) {
		return
	}
	if c.ping() {
		c.invokeTarget()
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	if c.inv.launcher != nil {
		if !c.begin(StateLaunching) {
			return
		}
		if err := c.inv.launcher.Launch(c.ctx, c.inv.project); err != nil {
			c.inv.logger.Debug("launch failed, waiting anyway", "call", c.ID, "err", err)
		}
	}

	if !c.begin(StateWaiting) {
		return
	}
	c.arm(c.inv.interval, c.wait)
}

// wait is one startup probe in the Waiting state.
func (c *Call) wait() {
	if !c.begin(StateWaiting) {
		return
	}
	if c.ping() {
		c.invokeTarget()
		return
	}

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.attempts++
	exhausted := c.attempts >= c.inv.maxAttempts
	c.mu.Unlock()

	if exhausted {
		c.inv.logger.Warn(ErrStartupTimeout.Error(), "call", c.ID, "method", c.Method, "attempts", c.inv.maxAttempts)
		c.finish(StateFailed, Result{Err: ErrStartupTimeout})
		return
	}
	c.arm(c.inv.interval, c.wait)
}

func (c *Call) ping() bool {
	_, err := c.inv.caller.Invoke(c.ctx, rpc.MethodPing)
	return err == nil
}

func (c *Call) invokeTarget() {
	if !c.begin(StateInvoking) {
		return
	}
	raw, err := c.inv.caller.Invoke(c.ctx, c.Method, c.Params...)
	if err != nil {
		c.finish(StateFailed, Result{Err: err})
		return
	}
	c.finish(StateSucceeded, Result{Value: raw})
}

// finish moves to a terminal state and delivers res. Only the first call
// has any effect.
func (c *Call) finish(state State, res Result) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.result = res
	c.stopTimerLocked()
	stopWatch := c.stopWatch
	c.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	c.cancel()

	c.inv.logger.Debug("invoke finished", "call", c.ID, "method", c.Method, "state", state, "err", res.Err)
	if c.cb != nil {
		c.cb(res)
	}
	close(c.done)
}
