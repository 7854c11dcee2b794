package fiber

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
)

// CarrierID identifies a carrier within its scheduler.
type CarrierID int

// Scheduler runs fibers. Implementations are provided by this package:
// [PoolScheduler] and [ExecutorScheduler].
type Scheduler interface {
	// ID returns the scheduler's instance id, as logged.
	ID() uuid.UUID
	// QueueLength approximates the number of fibers waiting for a carrier,
	// or returns -1 if unknown.
	QueueLength() int
	// RunningFibers maps carriers to the fiber they are currently running,
	// or returns nil if the scheduler cannot tell.
	RunningFibers() map[CarrierID]*Fiber
	// Timed returns the scheduler's timer service.
	Timed() *TimedScheduler
	// Monitor returns the scheduler's monitor, never nil.
	Monitor() Monitor
	// Logger returns the scheduler's logger, which may be nil.
	Logger() *logiface.Logger[logiface.Event]
	// Close stops the scheduler. Fibers still parked are terminated with
	// ErrSchedulerClosed.
	Close(ctx context.Context) error

	submit(t *task)
	track(f *Fiber, live bool)
	uncaughtHandler() UncaughtHandler
}

// carrier is the execution context fibers run on. For a PoolScheduler it is
// one of its workers.
type carrier struct {
	sched    Scheduler
	resident atomic.Pointer[Fiber]
	id       CarrierID
}

// swapResident installs f as the running fiber and returns the previous one.
func (c *carrier) swapResident(f *Fiber) *Fiber {
	return c.resident.Swap(f)
}

// liveFibers tracks started, unterminated fibers so that a closing scheduler
// can release their goroutines.
type liveFibers struct {
	m     sync.Map
	count atomic.Int64
}

func (l *liveFibers) track(f *Fiber, live bool) {
	if live {
		if _, loaded := l.m.LoadOrStore(f.id, f); !loaded {
			l.count.Add(1)
		}
	} else if _, loaded := l.m.LoadAndDelete(f.id); loaded {
		l.count.Add(-1)
	}
}

func (l *liveFibers) abortAll(err error) {
	l.m.Range(func(_, v any) bool {
		v.(*Fiber).abort(err)
		return true
	})
}

func (l *liveFibers) snapshot() []*Fiber {
	out := make([]*Fiber, 0, l.count.Load())
	l.m.Range(func(_, v any) bool {
		out = append(out, v.(*Fiber))
		return true
	})
	return out
}

var defaultScheduler = sync.OnceValue(func() *PoolScheduler {
	s, err := NewPoolScheduler(WithSchedulerName("default"))
	if err != nil {
		// configuration comes from validated process defaults
		panic(err)
	}
	return s
})

// DefaultScheduler returns the process-wide PoolScheduler, configured from
// [LoadConfig] on first use. It is never closed.
func DefaultScheduler() *PoolScheduler {
	return defaultScheduler()
}
