package fiber

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnedSynchronizer_register(t *testing.T) {
	o := NewOwnedSynchronizer()
	assert.Nil(t, o.Owner())
	assert.False(t, o.VerifyOwner())

	w, err := o.Register()
	require.NoError(t, err)
	assert.Same(t, CurrentStrand(), o.Owner())
	assert.True(t, o.VerifyOwner())

	_, err = o.Register()
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	other := make(chan bool)
	go func() { other <- o.VerifyOwner() }()
	assert.False(t, <-other)

	o.Unregister(&Waiter{})
	assert.NotNil(t, o.Owner())
	o.Unregister(w)
	assert.Nil(t, o.Owner())
	_, err = o.Register()
	assert.NoError(t, err)
}

func TestOwnedSynchronizer_awaitNotOwner(t *testing.T) {
	o := NewOwnedSynchronizer()
	err := o.Await(&Waiter{strand: CurrentStrand()}, 0, 0)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestOwnedSynchronizer_signal(t *testing.T) {
	s := newTestScheduler(t)
	o := NewOwnedSynchronizer()
	var ready atomic.Bool
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		return nil, awaitFlag(o, &ready, 0)
	})
	waitParked(t, f)
	assert.Same(t, o, f.Blocker())

	// the owner is parked exclusively: stray unparks are ignored
	f.Unpark(nil)
	f.Unpark("stray")
	time.Sleep(10 * time.Millisecond)
	assert.False(t, f.IsDone())
	assert.Same(t, o, f.Blocker())

	ready.Store(true)
	o.Signal()
	_, err := getResult(t, f)
	require.NoError(t, err)
	assert.Nil(t, o.Owner())
}

func TestOwnedSynchronizer_interrupt(t *testing.T) {
	s := newTestScheduler(t)
	o := NewOwnedSynchronizer()
	var never atomic.Bool
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		return nil, awaitFlag(o, &never, 0)
	})
	waitParked(t, f)
	f.Interrupt()
	_, err := getResult(t, f)
	assert.ErrorIs(t, err, ErrInterrupted)

	// an interrupt raised before waiting is observed without parking
	g := mustGo(t, s, func(f *Fiber) (any, error) {
		f.Interrupt()
		return nil, awaitFlag(o, &never, 0)
	})
	_, err = getResult(t, g)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestOwnedSynchronizer_timeout(t *testing.T) {
	o := NewOwnedSynchronizer()
	var never atomic.Bool
	start := time.Now()
	err := awaitFlag(o, &never, 15*time.Millisecond)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestOwnedSynchronizer_signalAndTryToExecNow(t *testing.T) {
	s := newTestScheduler(t)
	o := NewOwnedSynchronizer()
	var ready atomic.Bool
	owner := mustGo(t, s, func(f *Fiber) (any, error) {
		return nil, awaitFlag(o, &ready, 0)
	})
	waitParked(t, owner)

	producer := mustGo(t, s, func(f *Fiber) (any, error) {
		ready.Store(true)
		o.SignalAndTryToExecNow()
		// the owner ran to completion on this carrier before returning
		return owner.IsDone(), nil
	})
	v, err := getResult(t, producer)
	require.NoError(t, err)
	assert.Equal(t, true, v)
	_, err = getResult(t, owner)
	assert.NoError(t, err)
}

func TestOwnedSynchronizer_signalAndTryToExecNowFallback(t *testing.T) {
	s := newTestScheduler(t)
	o := NewOwnedSynchronizer()
	o.SignalAndTryToExecNow()

	var ready atomic.Bool
	owner := mustGo(t, s, func(f *Fiber) (any, error) {
		return nil, awaitFlag(o, &ready, 0)
	})
	waitParked(t, owner)
	ready.Store(true)
	// not a fiber, so the owner is unparked instead
	o.SignalAndTryToExecNow()
	_, err := getResult(t, owner)
	assert.NoError(t, err)
}
