package fiber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// newTestScheduler returns a pool scheduler with logging disabled, closed
// when the test ends.
func newTestScheduler(t *testing.T, opts ...SchedulerOption) *PoolScheduler {
	t.Helper()
	opts = append([]SchedulerOption{WithLogger(nil), WithParallelism(4)}, opts...)
	s, err := NewPoolScheduler(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})
	return s
}

func mustGo(t *testing.T, s Scheduler, body Body, opts ...Option) *Fiber {
	t.Helper()
	f, err := Go(body, append([]Option{WithScheduler(s)}, opts...)...)
	require.NoError(t, err)
	return f
}

func getResult(t *testing.T, f *Fiber) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	select {
	case <-f.Done():
	case <-ctx.Done():
		require.FailNow(t, "fiber did not terminate", "%v in state %v", f, f.State())
	}
	v, ok, err := f.Result()
	require.True(t, ok)
	return v, err
}

func waitParked(t *testing.T, f *Fiber) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.task.state.load() == parkParked
	}, testTimeout, time.Millisecond, "%v never parked", f)
}

// stubScheduler records submissions instead of running fibers.
type stubScheduler struct {
	submitted []*task
	mu        sync.Mutex
}

var _ Scheduler = (*stubScheduler)(nil)

func (s *stubScheduler) ID() uuid.UUID                            { return uuid.Nil }
func (s *stubScheduler) QueueLength() int                         { return 0 }
func (s *stubScheduler) RunningFibers() map[CarrierID]*Fiber      { return nil }
func (s *stubScheduler) Timed() *TimedScheduler                   { return nil }
func (s *stubScheduler) Monitor() Monitor                         { return NopMonitor{} }
func (s *stubScheduler) Logger() *logiface.Logger[logiface.Event] { return nil }
func (s *stubScheduler) Close(context.Context) error              { return nil }
func (s *stubScheduler) track(*Fiber, bool)                       {}
func (s *stubScheduler) uncaughtHandler() UncaughtHandler         { return nil }

func (s *stubScheduler) submit(t *task) {
	s.mu.Lock()
	s.submitted = append(s.submitted, t)
	s.mu.Unlock()
}

func (s *stubScheduler) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

func newStubFiber() (*Fiber, *stubScheduler) {
	s := &stubScheduler{}
	f := newFiber(fiberIDs.Add(1), func(*Fiber) (any, error) { return nil, nil }, s, &fiberOptions{})
	return f, s
}
