package fiber

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-fiber/continuation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiber_counter10(t *testing.T) {
	s := newTestScheduler(t)
	var counter atomic.Int64
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		for range 10 {
			counter.Add(1)
			f.Park(nil)
		}
		return counter.Load(), nil
	})
	for !f.IsDone() {
		f.Unpark(nil)
		runtime.Gosched()
	}
	v, err := getResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
	assert.Equal(t, int64(10), counter.Load())
	assert.Equal(t, StateTerminated, f.State())
}

func TestFiber_lifecycle(t *testing.T) {
	s := newTestScheduler(t)
	f, err := New(func(f *Fiber) (any, error) { return "ok", nil }, WithScheduler(s))
	require.NoError(t, err)
	assert.Equal(t, StateNew, f.State())
	assert.Empty(t, f.Name())
	require.NoError(t, f.SetName("worker"))
	assert.Equal(t, "worker", f.Name())
	assert.Contains(t, f.String(), "worker")
	assert.Same(t, s, f.Scheduler())

	require.NoError(t, f.Start())
	assert.ErrorIs(t, f.Start(), ErrAlreadyStarted)
	assert.ErrorIs(t, f.SetName("other"), ErrRenameAfterStart)
	assert.ErrorIs(t, f.SetName("other"), ErrProtocolViolation)

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateTerminated, f.State())
	assert.Equal(t, uint64(1), f.Runs())
}

func TestFiber_result(t *testing.T) {
	s := newTestScheduler(t)
	release := make(chan struct{})
	f := mustGo(t, s, func(*Fiber) (any, error) {
		<-release
		return "v", errors.New("failed")
	})

	v, ok, err := f.Result()
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.NoError(t, err)

	close(release)
	<-f.Done()
	v, ok, err = f.Result()
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.EqualError(t, err, "failed")
}

func TestFiber_newValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(func(*Fiber) (any, error) { return nil, nil }, WithStackSize(-1))
	assert.Error(t, err)
}

func TestFiber_failures(t *testing.T) {
	s := newTestScheduler(t)
	sentinel := errors.New("boom")
	for _, tc := range []struct {
		name  string
		body  Body
		check func(t *testing.T, err error)
	}{
		{
			name: "error",
			body: func(*Fiber) (any, error) { return nil, sentinel },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, sentinel)
			},
		},
		{
			name: "panic",
			body: func(*Fiber) (any, error) { panic(sentinel) },
			check: func(t *testing.T, err error) {
				var pe PanicError
				require.ErrorAs(t, err, &pe)
				assert.ErrorIs(t, err, sentinel)
			},
		},
		{
			name: "goexit",
			body: func(*Fiber) (any, error) {
				runtime.Goexit()
				return nil, nil
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrGoexit)
			},
		},
		{
			name: "unbalanced stack",
			body: func(f *Fiber) (any, error) {
				f.Stack().EnterFrame()
				return nil, nil
			},
			check: func(t *testing.T, err error) {
				var pe *ProtocolError
				require.ErrorAs(t, err, &pe)
				assert.ErrorIs(t, err, continuation.ErrUnbalanced)
			},
		},
		{
			name: "stack misuse",
			body: func(f *Fiber) (any, error) {
				f.Stack().LeaveFrame()
				return nil, nil
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrProtocolViolation)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var handled atomic.Pointer[error]
			f := mustGo(t, s, tc.body, WithUncaughtHandler(func(_ *Fiber, err error) {
				handled.Store(&err)
			}))
			_, err := getResult(t, f)
			tc.check(t, err)
			require.NotNil(t, handled.Load())
			assert.Equal(t, err, *handled.Load())
		})
	}
}

func TestFiber_uncaughtHandlerChain(t *testing.T) {
	var schedCalls, defaultCalls atomic.Int32
	s := newTestScheduler(t, WithSchedulerUncaughtHandler(func(*Fiber, error) { schedCalls.Add(1) }))
	SetDefaultUncaughtHandler(func(*Fiber, error) { defaultCalls.Add(1) })
	t.Cleanup(func() { SetDefaultUncaughtHandler(nil) })

	_, err := getResult(t, mustGo(t, s, func(*Fiber) (any, error) { return nil, errors.New("x") }))
	require.Error(t, err)
	assert.Equal(t, int32(1), schedCalls.Load())
	assert.Zero(t, defaultCalls.Load())

	other := newTestScheduler(t)
	_, err = getResult(t, mustGo(t, other, func(*Fiber) (any, error) { panic("x") }))
	require.Error(t, err)
	assert.Equal(t, int32(1), defaultCalls.Load())
}

func TestFiber_parkOutsideFiber(t *testing.T) {
	s := newTestScheduler(t)
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		f.Park(nil)
		return nil, nil
	})
	waitParked(t, f)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.ErrorIs(t, r.(error), ErrNotRunning)
		f.Unpark(nil)
		_, err := getResult(t, f)
		assert.NoError(t, err)
	}()
	f.Park(nil)
}

func TestFiber_sleep(t *testing.T) {
	s := newTestScheduler(t)
	const d = 20 * time.Millisecond
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		start := time.Now()
		if err := f.Sleep(d); err != nil {
			return nil, err
		}
		return time.Since(start), nil
	})
	require.Eventually(t, func() bool { return f.State() == StateTimedWaiting || f.IsDone() }, testTimeout, time.Millisecond)
	v, err := getResult(t, f)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v.(time.Duration), d)
}

func TestFiber_interruptSleep(t *testing.T) {
	s := newTestScheduler(t)
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		err := f.Sleep(time.Minute)
		return f.IsInterrupted(), err
	})
	waitParked(t, f)
	f.Interrupt()
	v, err := getResult(t, f)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, false, v)
}

func TestFiber_timedParkExclusive(t *testing.T) {
	s := newTestScheduler(t)
	blocker := new(int)
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		start := time.Now()
		f.ParkExclusive(blocker, 30*time.Millisecond)
		return time.Since(start), nil
	})
	waitParked(t, f)
	f.Unpark(nil)
	f.Unpark("not the blocker")
	v, err := getResult(t, f)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v.(time.Duration), 30*time.Millisecond)
}

func TestFiber_parkWith(t *testing.T) {
	s := newTestScheduler(t)
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		parked, err := f.ParkWith("self", func(f *Fiber) { f.Unpark("self") }, 0)
		if err != nil {
			return nil, err
		}
		if !parked {
			return nil, errors.New("did not park")
		}
		_, err = f.ParkWith("self", func(*Fiber) { panic("post-park") }, 0)
		return nil, err
	})
	_, err := getResult(t, f)
	var pe PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "post-park", pe.Value)
}

func TestFiber_yield(t *testing.T) {
	s := newTestScheduler(t, WithParallelism(1))
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		for range 3 {
			f.Yield()
		}
		return nil, nil
	})
	_, err := getResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), f.Runs())
}

func TestFiber_join(t *testing.T) {
	s := newTestScheduler(t)
	child := mustGo(t, s, func(f *Fiber) (any, error) {
		if err := f.Sleep(20 * time.Millisecond); err != nil {
			return nil, err
		}
		return 5, nil
	})
	parent := mustGo(t, s, func(f *Fiber) (any, error) {
		var te *TimeoutError
		if err := child.JoinTimeout(time.Millisecond); !errors.As(err, &te) {
			return nil, fmt.Errorf("expected timeout, got %v", err)
		}
		return child.Get(context.Background())
	})
	v, err := getResult(t, parent)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestFiber_joinErrors(t *testing.T) {
	s := newTestScheduler(t)
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		err := f.Join(context.Background())
		f.Park(nil)
		return nil, err
	})
	waitParked(t, f)

	var te *TimeoutError
	require.ErrorAs(t, f.JoinTimeout(10*time.Millisecond), &te)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Join(ctx), context.Canceled)

	f.Unpark(nil)
	_, err := getResult(t, f)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestFiber_joinFromFiberCancel(t *testing.T) {
	s := newTestScheduler(t)
	blocked := mustGo(t, s, func(f *Fiber) (any, error) {
		f.Park(nil)
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	joiner := mustGo(t, s, func(f *Fiber) (any, error) {
		return nil, blocked.Join(ctx)
	})
	waitParked(t, joiner)
	cancel()
	_, err := getResult(t, joiner)
	assert.ErrorIs(t, err, context.Canceled)
	blocked.Unpark(nil)
	_, err = getResult(t, blocked)
	assert.NoError(t, err)
}

func TestFiber_current(t *testing.T) {
	s := newTestScheduler(t)
	assert.Nil(t, CurrentFiber())
	assert.False(t, CurrentStrand().IsFiber())
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		child, err := New(func(*Fiber) (any, error) { return nil, nil })
		if err != nil {
			return nil, err
		}
		return []any{CurrentFiber(), CurrentStrand(), child.Scheduler(), child.Parent()}, nil
	})
	v, err := getResult(t, f)
	require.NoError(t, err)
	got := v.([]any)
	assert.Same(t, f, got[0])
	assert.Same(t, f, got[1])
	assert.Same(t, s, got[2])
	assert.Same(t, f, got[3])
}

func TestFiber_locals(t *testing.T) {
	f, _ := newStubFiber()
	assert.Nil(t, f.Local("k"))
	f.SetLocal("k", 1)
	assert.Equal(t, 1, f.Local("k"))
	f.SetLocal("k", nil)
	assert.Nil(t, f.Local("k"))
}

func TestFiber_stackTrace(t *testing.T) {
	s := newTestScheduler(t)
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		f.Park(nil)
		return nil, nil
	})
	waitParked(t, f)
	assert.Contains(t, string(f.StackTrace()), "goroutine ")
	assert.Nil(t, f.Blocker())
	f.Unpark(nil)
	_, err := getResult(t, f)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.StackTrace() == nil }, testTimeout, time.Millisecond)
}
