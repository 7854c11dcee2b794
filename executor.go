package fiber

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"
)

// Executor runs functions asynchronously. Execute must not block on the
// completion of previously submitted functions.
type Executor interface {
	Execute(fn func()) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func()) error

func (x ExecutorFunc) Execute(fn func()) error { return x(fn) }

// GoExecutor runs every function on a new goroutine.
var GoExecutor Executor = ExecutorFunc(func(fn func()) error {
	go fn()
	return nil
})

// BoundedExecutor runs at most n functions at a time, each on its own
// goroutine. Submission never blocks.
type BoundedExecutor struct {
	sem *semaphore.Weighted
}

// NewBoundedExecutor returns a BoundedExecutor of n slots.
func NewBoundedExecutor(n int) *BoundedExecutor {
	if n < 1 {
		n = 1
	}
	return &BoundedExecutor{sem: semaphore.NewWeighted(int64(n))}
}

func (x *BoundedExecutor) Execute(fn func()) error {
	go func() {
		if err := x.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer x.sem.Release(1)
		fn()
	}()
	return nil
}

// ExecutorScheduler runs each fiber execution as one function on an
// Executor. It cannot report its queue or which fibers are running, so
// backpressure and runaway detection are inactive.
type ExecutorScheduler struct {
	id       uuid.UUID
	opts     *schedulerOptions
	executor Executor
	timed    *TimedScheduler
	live     liveFibers
	inflight sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewExecutorScheduler starts a scheduler backed by executor.
func NewExecutorScheduler(executor Executor, opts ...SchedulerOption) (*ExecutorScheduler, error) {
	if executor == nil {
		return nil, fmt.Errorf("fiber: nil executor")
	}
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &ExecutorScheduler{
		id:       uuid.New(),
		opts:     cfg,
		executor: executor,
	}
	s.timed = newTimedScheduler(s, cfg)
	s.timed.start()
	return s, nil
}

func (s *ExecutorScheduler) ID() uuid.UUID                            { return s.id }
func (s *ExecutorScheduler) QueueLength() int                         { return -1 }
func (s *ExecutorScheduler) RunningFibers() map[CarrierID]*Fiber      { return nil }
func (s *ExecutorScheduler) Timed() *TimedScheduler                   { return s.timed }
func (s *ExecutorScheduler) Monitor() Monitor                         { return s.opts.monitor }
func (s *ExecutorScheduler) Logger() *logiface.Logger[logiface.Event] { return s.opts.logger }
func (s *ExecutorScheduler) uncaughtHandler() UncaughtHandler         { return s.opts.uncaught }
func (s *ExecutorScheduler) track(f *Fiber, live bool)                { s.live.track(f, live) }

func (s *ExecutorScheduler) submit(t *task) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		t.fiber.abort(ErrSchedulerClosed)
		return
	}
	c := &carrier{sched: s}
	s.inflight.Add(1)
	s.mu.RUnlock()
	err := s.executor.Execute(func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				fiberFields(s.opts.logger.Crit(), t.fiber).
					Any("panic", r).
					Log("fiber: carrier failure")
			}
		}()
		t.fiber.exec(c)
	})
	if err != nil {
		s.inflight.Done()
		fiberFields(s.opts.logger.Err(), t.fiber).
			Err(err).
			Log("fiber: executor rejected fiber")
		t.fiber.abort(fmt.Errorf("fiber: executor rejected fiber: %w", err))
	}
}

// Close stops accepting work, waits for in-flight executions, and
// terminates fibers that are still parked.
func (s *ExecutorScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.timed.Close()
	s.live.abortAll(ErrSchedulerClosed)
	return nil
}
