package fiber

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	// execNowSpins bounds the wait for a fiber to finish parking before it
	// is run inline.
	execNowSpins = 1 << 12
	// execNowCheckEvery is how often the spin checks its deadline.
	execNowCheckEvery = 100
)

const (
	asyncPending int32 = iota
	asyncCompleting
	asyncDone
	// asyncAbandoned means the waiter gave up, by timeout, cancellation or
	// interrupt. Completions are ignored.
	asyncAbandoned
)

// Async bridges a callback-style operation into a blocking call. The request
// function starts the operation and must arrange for exactly one of
// [Completion.Complete] or [Completion.Fail] to be called, from any
// goroutine, possibly before it returns.
//
// Called from a fiber, the request runs on the carrier once the fiber is
// parked, so the completion can never be missed. Called from a goroutine,
// the request runs synchronously and the goroutine blocks.
//
// An Async runs at most once.
type Async[T any] struct {
	value   T
	err     error
	request func(Completion[T])
	fiber   *Fiber
	done    chan struct{}
	opts    *asyncOptions
	state   atomic.Int32
	started atomic.Bool
}

// Completion delivers the result of an Async.
type Completion[T any] struct {
	a *Async[T]
}

// Complete records a value, and reports whether it was the effective
// completion.
func (c Completion[T]) Complete(v T) bool { return c.a.complete(v, nil) }

// Fail records a failure, and reports whether it was the effective
// completion.
func (c Completion[T]) Fail(err error) bool {
	var zero T
	if err == nil {
		err = fmt.Errorf("fiber: async failed with nil error")
	}
	return c.a.complete(zero, err)
}

// NewAsync prepares an Async operation.
func NewAsync[T any](request func(Completion[T]), opts ...AsyncOption) (*Async[T], error) {
	if request == nil {
		return nil, fmt.Errorf("fiber: nil async request")
	}
	cfg, err := resolveAsyncOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Async[T]{request: request, opts: cfg, done: make(chan struct{})}, nil
}

// RunAsync is NewAsync followed by Run.
func RunAsync[T any](ctx context.Context, request func(Completion[T]), opts ...AsyncOption) (T, error) {
	a, err := NewAsync(request, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return a.Run(ctx)
}

// Run starts the operation and waits for its completion.
func (a *Async[T]) Run(ctx context.Context) (T, error) {
	return a.run(ctx, 0)
}

// RunTimeout is Run bounded by d. On expiry it returns a *TimeoutError and
// any later completion is ignored.
func (a *Async[T]) RunTimeout(d time.Duration) (T, error) {
	return a.run(context.Background(), d)
}

func (a *Async[T]) run(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if !a.started.CompareAndSwap(false, true) {
		return zero, ErrAlreadyStarted
	}
	if f := CurrentFiber(); f != nil {
		return a.runFiber(ctx, f, timeout)
	}
	return a.runGoroutine(ctx, timeout)
}

func (a *Async[T]) runFiber(ctx context.Context, f *Fiber, timeout time.Duration) (T, error) {
	var (
		zero     T
		deadline time.Time
	)
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	a.fiber = f
	stop := context.AfterFunc(ctx, func() { f.Unpark(a) })
	defer stop()

	request := func(*Fiber) { a.request(Completion[T]{a}) }
	for {
		parked, err := f.park(a, false, timeout, request)
		if err != nil {
			a.abandon()
			return zero, err
		}
		if parked {
			break
		}
	}

	for {
		if a.state.Load() == asyncDone {
			return a.value, a.err
		}
		var (
			left  time.Duration
			cause error
		)
		if timeout > 0 {
			if left = time.Until(deadline); left <= 0 {
				cause = &TimeoutError{Message: fmt.Sprintf("fiber: async operation timed out after %v", timeout)}
			}
		}
		if err := ctx.Err(); err != nil {
			cause = err
		}
		interrupted := f.clearInterrupt()
		if interrupted {
			cause = ErrInterrupted
		}
		if cause != nil {
			if a.abandon() {
				return zero, cause
			}
			// lost the race to a completion in progress
			if interrupted {
				f.interrupted.Store(true)
			}
			left = 0
		}
		_, _ = f.park(a, true, left, nil)
	}
}

func (a *Async[T]) runGoroutine(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if err := a.requestSafely(); err != nil {
		a.abandon()
		return zero, err
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	var cause error
	select {
	case <-a.done:
		return a.value, a.err
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer:
		cause = &TimeoutError{Message: fmt.Sprintf("fiber: async operation timed out after %v", timeout)}
	}
	if a.abandon() {
		return zero, cause
	}
	<-a.done
	return a.value, a.err
}

func (a *Async[T]) requestSafely() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	a.request(Completion[T]{a})
	return nil
}

func (a *Async[T]) abandon() bool {
	return a.state.CompareAndSwap(asyncPending, asyncAbandoned)
}

func (a *Async[T]) complete(v T, err error) bool {
	if !a.state.CompareAndSwap(asyncPending, asyncCompleting) {
		return false
	}
	a.value, a.err = v, err
	a.state.Store(asyncDone)
	close(a.done)
	if f := a.fiber; f != nil {
		if !a.opts.immediateExec || !execNow(f, a, time.Time{}) {
			f.Unpark(a)
		}
	}
	return true
}

// execNow runs target inline on the calling fiber's carrier, once target has
// parked with a blocker admitting token. It reports false, having done
// nothing, if the caller is not a fiber of the same scheduler, or target
// does not park in time. deadline, if set, bounds the wait.
func execNow(target *Fiber, token any, deadline time.Time) bool {
	caller := CurrentFiber()
	if caller == nil || caller == target {
		return false
	}
	c := caller.carrier.Load()
	if c == nil || c.sched != target.sched {
		return false
	}
	if g := target.postParkGoid.Load(); g != 0 && g == getGoroutineID() {
		// target finishes parking on this goroutine, after we return
		return false
	}
	for i := 0; i < execNowSpins; i++ {
		if target.task.tryUnpark(token) {
			target.exec(c)
			return true
		}
		switch target.task.state.load() {
		case parkParking, parkPinned, parkPinnedWoken:
		case parkParked:
			if !target.task.admits(token) {
				return false
			}
		default:
			return false
		}
		if i%execNowCheckEvery == 0 && !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
		runtime.Gosched()
	}
	return false
}
