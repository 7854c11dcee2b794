package fiber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiber/continuation"
)

// Body is the computation run by a fiber. The fiber is passed so the body
// can park, sleep and reach its continuation stack.
type Body func(f *Fiber) (any, error)

// UncaughtHandler observes a fiber body failure. It is invoked on the carrier
// after the fiber terminated, before joiners are released.
type UncaughtHandler func(f *Fiber, err error)

var (
	fiberIDs atomic.Int64

	// fiber goroutine id -> *Fiber
	fibersByGoroutine sync.Map

	defaultUncaught atomic.Pointer[UncaughtHandler]
)

// SetDefaultUncaughtHandler sets the process-wide fallback handler, used for
// fibers whose own handler and scheduler handler are both unset. A nil
// handler restores logging.
func SetDefaultUncaughtHandler(h UncaughtHandler) {
	if h == nil {
		defaultUncaught.Store(nil)
		return
	}
	defaultUncaught.Store(&h)
}

// Fiber is a cooperatively scheduled lightweight thread. Its body runs on a
// dedicated goroutine that only executes while a carrier of its scheduler
// has handed control to it.
type Fiber struct {
	result   any
	err      error
	sched    Scheduler
	parent   Strand
	body     Body
	uncaught UncaughtHandler
	stack    *continuation.Stack
	task     *task
	done     chan struct{}
	joiners  *SimpleCondition
	name     atomic.Pointer[string]
	bodyName string

	// handoff between carrier and fiber goroutine
	resume chan bool
	yield  chan outcome

	// written by the fiber before yielding, read by the carrier after
	postPark     func(*Fiber)
	postParkErr  error
	parkDeadline time.Time

	timeout  *TimedTask
	carrier  atomic.Pointer[carrier]
	locals   map[any]any
	localsMu sync.Mutex

	id          int64
	runs        atomic.Uint64
	goid        atomic.Uint64
	execStart   atomic.Int64
	state       atomicState
	interrupted atomic.Bool
	coStarted   bool
	aborted     bool

	// goroutine running the post-park action, while it runs
	postParkGoid atomic.Uint64
}

// New creates a fiber in the NEW state.
func New(body Body, opts ...Option) (*Fiber, error) {
	if body == nil {
		return nil, fmt.Errorf("fiber: nil body")
	}
	cfg, err := resolveFiberOptions(opts)
	if err != nil {
		return nil, err
	}
	current := CurrentFiber()
	sched := cfg.scheduler
	if sched == nil && current != nil {
		sched = current.sched
	}
	if sched == nil {
		sched = DefaultScheduler()
	}
	parent := cfg.parent
	if parent == nil {
		if current != nil {
			parent = current
		} else {
			parent = CurrentStrand()
		}
	}
	f := newFiber(fiberIDs.Add(1), body, sched, cfg)
	f.parent = parent
	return f, nil
}

// Go creates and starts a fiber.
func Go(body Body, opts ...Option) (*Fiber, error) {
	f, err := New(body, opts...)
	if err != nil {
		return nil, err
	}
	if err := f.Start(); err != nil {
		return nil, err
	}
	return f, nil
}

func newFiber(id int64, body Body, sched Scheduler, cfg *fiberOptions) *Fiber {
	f := &Fiber{
		id:       id,
		body:     body,
		bodyName: cfg.bodyName,
		sched:    sched,
		uncaught: cfg.uncaught,
		stack:    continuation.NewStack(cfg.stackSize),
		done:     make(chan struct{}),
		joiners:  NewCondition(),
		resume:   make(chan bool),
		yield:    make(chan outcome),
	}
	if cfg.name != "" {
		name := cfg.name
		f.name.Store(&name)
	}
	f.task = newTask(f, sched)
	return f
}

// Start transitions NEW to STARTED and submits the fiber to its scheduler.
func (f *Fiber) Start() error {
	if !f.state.tryTransition(StateNew, StateStarted) {
		return ErrAlreadyStarted
	}
	f.sched.track(f, true)
	f.task.submit()
	return nil
}

// ID returns the fiber's process-unique id.
func (f *Fiber) ID() int64 { return f.id }

// Name returns the fiber's name, or an empty string.
func (f *Fiber) Name() string {
	if p := f.name.Load(); p != nil {
		return *p
	}
	return ""
}

// SetName renames a fiber that has not started.
func (f *Fiber) SetName(name string) error {
	if f.state.load() != StateNew {
		return ErrRenameAfterStart
	}
	f.name.Store(&name)
	return nil
}

func (f *Fiber) String() string {
	if name := f.Name(); name != "" {
		return fmt.Sprintf("Fiber@%d[%s]", f.id, name)
	}
	return fmt.Sprintf("Fiber@%d", f.id)
}

// IsFiber is always true.
func (f *Fiber) IsFiber() bool { return true }

// State returns the externally observable state.
func (f *Fiber) State() State { return f.state.load() }

// Scheduler returns the scheduler the fiber runs on.
func (f *Fiber) Scheduler() Scheduler { return f.sched }

// Stack returns the fiber's continuation stack. It may only be used by the
// fiber's own body.
func (f *Fiber) Stack() *continuation.Stack { return f.stack }

// Parent returns the strand that created the fiber, if known.
func (f *Fiber) Parent() Strand { return f.parent }

// Runs returns how many times the fiber has been scheduled onto a carrier.
func (f *Fiber) Runs() uint64 { return f.runs.Load() }

// Done is closed once the fiber terminated.
func (f *Fiber) Done() <-chan struct{} { return f.done }

// IsDone reports whether the fiber terminated.
func (f *Fiber) IsDone() bool { return f.state.isTerminal() }

// Blocker returns the blocker the fiber is parked on, or nil if it is not
// parked.
func (f *Fiber) Blocker() any { return f.task.blocker() }

// Unparker returns the token and time of the last unpark that resumed the
// fiber from a park.
func (f *Fiber) Unparker() (token any, at time.Time) {
	if u := f.task.unparker.Load(); u != nil {
		return u.token, u.at
	}
	return nil, time.Time{}
}

// Unpark wakes the fiber. The token must equal the blocker for an exclusive
// park to be ended. Unparking a terminated fiber is a no-op.
func (f *Fiber) Unpark(token any) { f.task.unpark(token) }

// TryUnpark moves a parked fiber to runnable without scheduling it, and
// reports success. The caller is responsible for getting it run, see
// [Fiber.Unpark] for the general case.
func (f *Fiber) TryUnpark(token any) bool { return f.task.tryUnpark(token) }

// Interrupt sets the interrupted flag and wakes the fiber, overriding an
// exclusive park.
func (f *Fiber) Interrupt() {
	f.interrupted.Store(true)
	f.task.unpark(emergencyToken)
}

// IsInterrupted reports the interrupted flag without clearing it.
func (f *Fiber) IsInterrupted() bool { return f.interrupted.Load() }

// clearInterrupt tests and clears the interrupted flag.
func (f *Fiber) clearInterrupt() bool { return f.interrupted.CompareAndSwap(true, false) }

// Local returns the fiber-local value for key.
func (f *Fiber) Local(key any) any {
	f.localsMu.Lock()
	defer f.localsMu.Unlock()
	return f.locals[key]
}

// SetLocal sets a fiber-local value. A nil value deletes the key.
func (f *Fiber) SetLocal(key, val any) {
	f.localsMu.Lock()
	defer f.localsMu.Unlock()
	if val == nil {
		delete(f.locals, key)
		return
	}
	if f.locals == nil {
		f.locals = make(map[any]any)
	}
	f.locals[key] = val
}

// Join waits for the fiber to terminate. A fiber caller is parked, any other
// caller blocks.
func (f *Fiber) Join(ctx context.Context) error {
	return f.join(ctx, 0)
}

// JoinTimeout is Join with a bound, returning a *TimeoutError on expiry.
func (f *Fiber) JoinTimeout(d time.Duration) error {
	return f.join(context.Background(), d)
}

// Get joins the fiber and returns its result or failure.
func (f *Fiber) Get(ctx context.Context) (any, error) {
	if err := f.join(ctx, 0); err != nil {
		return nil, err
	}
	return f.result, f.err
}

// GetTimeout is Get with a bound.
func (f *Fiber) GetTimeout(d time.Duration) (any, error) {
	if err := f.join(context.Background(), d); err != nil {
		return nil, err
	}
	return f.result, f.err
}

// Result returns the recorded outcome of a terminated fiber. ok is false,
// and the other results zero, if it has not terminated.
func (f *Fiber) Result() (v any, ok bool, err error) {
	select {
	case <-f.done:
		return f.result, true, f.err
	default:
		return nil, false, nil
	}
}

func (f *Fiber) join(ctx context.Context, timeout time.Duration) error {
	select {
	case <-f.done:
		return nil
	default:
	}
	if caller := CurrentFiber(); caller != nil {
		if caller == f {
			return protocolViolation("join self", f.state.load())
		}
		return f.joinFromFiber(ctx, caller, timeout)
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return &TimeoutError{Message: fmt.Sprintf("fiber: join %v timed out after %v", f, timeout)}
	}
}

func (f *Fiber) joinFromFiber(ctx context.Context, caller *Fiber, timeout time.Duration) error {
	w, err := f.joiners.Register()
	if err != nil {
		return err
	}
	defer f.joiners.Unregister(w)
	stop := context.AfterFunc(ctx, func() { caller.Unpark(f.joiners) })
	defer stop()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for i := 0; ; i++ {
		select {
		case <-f.done:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var left time.Duration
		if timeout > 0 {
			if left = time.Until(deadline); left <= 0 {
				return &TimeoutError{Message: fmt.Sprintf("fiber: join %v timed out after %v", f, timeout)}
			}
		}
		if err := f.joiners.Await(w, i, left); err != nil {
			var te *TimeoutError
			if errors.As(err, &te) {
				continue
			}
			return err
		}
	}
}

// CurrentFiber returns the fiber whose body is calling, or nil.
func CurrentFiber() *Fiber {
	if v, ok := fibersByGoroutine.Load(getGoroutineID()); ok {
		return v.(*Fiber)
	}
	return nil
}

// StackTrace returns a best-effort dump of the fiber's goroutine stack, or
// nil if the fiber has no live goroutine.
func (f *Fiber) StackTrace() []byte {
	_, stack, ok := goroutineStack(f.goid.Load())
	if !ok {
		return nil
	}
	return stack
}
