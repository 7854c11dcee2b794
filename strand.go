package fiber

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// Strand is either a fiber or a plain goroutine, so that blocking utilities
// such as conditions are written once for both.
//
// Park and ParkTimeout may only be called by the strand itself, and may
// return spuriously. Unpark delivers at most one pending permit.
type Strand interface {
	ID() int64
	Name() string
	IsFiber() bool
	State() State
	Park(blocker any)
	ParkTimeout(blocker any, d time.Duration)
	Unpark(token any)
	Interrupt()
	IsInterrupted() bool
	// Blocker returns what the strand is parked on, or nil.
	Blocker() any

	parkStrand(blocker any, exclusive bool, timeout time.Duration)
	clearInterrupt() bool
}

var (
	_ Strand = (*Fiber)(nil)
	_ Strand = (*goroutineStrand)(nil)
)

func (f *Fiber) parkStrand(blocker any, exclusive bool, timeout time.Duration) {
	_, _ = f.park(blocker, exclusive, timeout, nil)
}

var (
	// goroutine id -> weak.Pointer[goroutineStrand]
	strandsByGoroutine sync.Map

	// goroutine id -> *goroutineStrand, for strands with an interrupt or
	// permit their goroutine has not consumed yet
	retainedStrands sync.Map
)

// goroutineStrand is the Strand of a goroutine that is not a fiber. It parks
// on a single-permit channel.
//
// The handle is only weakly registered, so it is kept strongly reachable
// while it carries state its goroutine has yet to observe.
type goroutineStrand struct {
	permit      chan struct{}
	info        atomic.Pointer[blockerInfo]
	goid        uint64
	deadline    atomic.Int64
	retainMu    sync.Mutex
	parked      atomic.Bool
	interrupted atomic.Bool
}

// release drops the strand's retention once the interrupt and permit have
// both been consumed. Producers set either under retainMu.
func (s *goroutineStrand) release() {
	s.retainMu.Lock()
	if !s.interrupted.Load() && len(s.permit) == 0 {
		retainedStrands.CompareAndDelete(s.goid, s)
	}
	s.retainMu.Unlock()
}

func currentGoroutineStrand() *goroutineStrand {
	goid := getGoroutineID()
	if v, ok := strandsByGoroutine.Load(goid); ok {
		if s := v.(weak.Pointer[goroutineStrand]).Value(); s != nil {
			return s
		}
	}
	s := &goroutineStrand{goid: goid, permit: make(chan struct{}, 1)}
	wp := weak.Make(s)
	strandsByGoroutine.Store(goid, wp)
	runtime.AddCleanup(s, func(goid uint64) {
		strandsByGoroutine.CompareAndDelete(goid, wp)
	}, goid)
	return s
}

// CurrentStrand returns the calling fiber, or else a handle for the calling
// goroutine. A goroutine's handle is shared by every caller for as long as
// any of them holds it.
func CurrentStrand() Strand {
	if f := CurrentFiber(); f != nil {
		return f
	}
	return currentGoroutineStrand()
}

func (s *goroutineStrand) ID() int64 { return int64(s.goid) }

func (s *goroutineStrand) Name() string { return fmt.Sprintf("goroutine-%d", s.goid) }

func (s *goroutineStrand) String() string { return fmt.Sprintf("Goroutine@%d", s.goid) }

func (s *goroutineStrand) IsFiber() bool { return false }

func (s *goroutineStrand) State() State {
	if !s.parked.Load() {
		return StateRunning
	}
	if s.deadline.Load() != 0 {
		return StateTimedWaiting
	}
	return StateWaiting
}

func (s *goroutineStrand) Park(blocker any) { s.parkStrand(blocker, false, 0) }

func (s *goroutineStrand) ParkTimeout(blocker any, d time.Duration) {
	s.parkStrand(blocker, false, d)
}

func (s *goroutineStrand) parkStrand(blocker any, exclusive bool, timeout time.Duration) {
	if g := getGoroutineID(); g != s.goid {
		panic(&ProtocolError{Op: "park", State: fmt.Sprintf("goroutine %d parking strand of goroutine %d", g, s.goid), Cause: ErrProtocolViolation})
	}
	s.info.Store(&blockerInfo{blocker: blocker, exclusive: exclusive})
	defer s.info.Store(nil)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
		s.deadline.Store(time.Now().Add(timeout).UnixNano())
		defer s.deadline.Store(0)
	}
	s.parked.Store(true)
	defer s.parked.Store(false)
	select {
	case <-s.permit:
		s.release()
	case <-timer:
	}
}

func (s *goroutineStrand) Unpark(token any) {
	if info := s.info.Load(); info != nil && info.exclusive &&
		token != emergencyToken && !sameToken(info.blocker, token) {
		return
	}
	s.retainMu.Lock()
	select {
	case s.permit <- struct{}{}:
	default:
	}
	retainedStrands.Store(s.goid, s)
	s.retainMu.Unlock()
}

func (s *goroutineStrand) Interrupt() {
	s.retainMu.Lock()
	s.interrupted.Store(true)
	retainedStrands.Store(s.goid, s)
	s.retainMu.Unlock()
	s.Unpark(emergencyToken)
}

func (s *goroutineStrand) IsInterrupted() bool { return s.interrupted.Load() }

func (s *goroutineStrand) clearInterrupt() bool {
	if !s.interrupted.CompareAndSwap(true, false) {
		return false
	}
	s.release()
	return true
}

func (s *goroutineStrand) Blocker() any {
	if !s.parked.Load() {
		return nil
	}
	if info := s.info.Load(); info != nil {
		return info.blocker
	}
	return nil
}

// Park parks the calling strand.
func Park(blocker any) { CurrentStrand().Park(blocker) }

// ParkTimeout parks the calling strand for at most d.
func ParkTimeout(blocker any, d time.Duration) { CurrentStrand().ParkTimeout(blocker, d) }

// UnparkStrand unparks s, if it is not nil.
func UnparkStrand(s Strand, token any) {
	if s != nil {
		s.Unpark(token)
	}
}

// Interrupted tests and clears the calling strand's interrupted flag.
func Interrupted() bool { return CurrentStrand().clearInterrupt() }

// YieldStrand gives up the processor: a fiber yields its carrier, a
// goroutine calls runtime.Gosched.
func YieldStrand() {
	if f := CurrentFiber(); f != nil {
		f.Yield()
		return
	}
	runtime.Gosched()
}

// Sleep suspends the calling strand for at least d. It returns
// ErrInterrupted, clearing the flag, if the strand is interrupted.
func Sleep(d time.Duration) error {
	if f := CurrentFiber(); f != nil {
		return f.Sleep(d)
	}
	s := currentGoroutineStrand()
	deadline := time.Now().Add(d)
	for {
		if s.clearInterrupt() {
			return ErrInterrupted
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		s.ParkTimeout(nil, left)
	}
}
