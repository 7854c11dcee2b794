package fiber

import (
	"reflect"
	"sync/atomic"
	"time"
)

// emergencyToken is the unpark token used by Interrupt. It always passes the
// exclusive-park check.
var emergencyToken = &struct{ name string }{"emergency"}

type blockerInfo struct {
	blocker   any
	exclusive bool
}

type unparkInfo struct {
	token any
	at    time.Time
}

// task binds a Fiber to its scheduler and owns the park/unpark protocol. Every
// park-state change is a CAS on state.
//
// A park episode begins when park moves RUNNABLE to PARKING and ends with
// exactly one resubmission, however many wakers race to end it.
type task struct {
	fiber    *Fiber
	sched    Scheduler
	info     atomic.Pointer[blockerInfo]
	unparker atomic.Pointer[unparkInfo]
	// epoch counts park episodes, letting late timers detect staleness.
	epoch atomic.Uint64
	state atomicParkState
}

func newTask(f *Fiber, s Scheduler) *task {
	return &task{fiber: f, sched: s}
}

// park begins a park episode. It returns false, without suspending, when a
// wakeup was already pending (LEASED). Any state other than RUNNABLE or
// LEASED is a protocol violation.
func (t *task) park(blocker any, exclusive bool) bool {
	t.info.Store(&blockerInfo{blocker: blocker, exclusive: exclusive})
	for {
		switch s := t.state.load(); s {
		case parkLeased:
			if t.state.tryTransition(parkLeased, parkRunnable) {
				return false
			}
		case parkRunnable:
			if t.state.tryTransition(parkRunnable, parkParking) {
				t.epoch.Add(1)
				return true
			}
		default:
			panic(protocolViolation("park", s))
		}
	}
}

// onParkCompleted is called by the carrier once the fiber is off its stack.
// A wakeup that arrived while parking is honoured by resubmitting at once.
func (t *task) onParkCompleted() {
	for {
		switch s := t.state.load(); s {
		case parkParking:
			if t.state.tryTransition(parkParking, parkParked) {
				return
			}
		case parkRunnable:
			t.submit()
			return
		case parkLeased:
			if t.state.tryTransition(parkLeased, parkRunnable) {
				t.submit()
				return
			}
		default:
			panic(protocolViolation("onParkCompleted", s))
		}
	}
}

// unpark delivers a wakeup. A parked fiber is resubmitted and a parking fiber
// is flagged for immediate resubmission. A pinned fiber is resubmitted by
// unpin. A running fiber is leased, and a leased fiber is left alone.
// Exclusive parks only accept the blocker itself or the emergency token.
func (t *task) unpark(token any) {
	if t.fiber.state.isTerminal() {
		return
	}
	for {
		switch s := t.state.load(); s {
		case parkRunnable:
			if t.state.tryTransition(parkRunnable, parkLeased) {
				return
			}
		case parkLeased, parkPinnedWoken:
			return
		case parkPinned:
			if !t.admits(token) {
				return
			}
			if t.state.tryTransition(parkPinned, parkPinnedWoken) {
				t.unparker.Store(&unparkInfo{token: token, at: time.Now()})
				return
			}
		case parkParking, parkParked:
			if !t.admits(token) {
				return
			}
			if t.state.tryTransition(s, parkRunnable) {
				t.unparker.Store(&unparkInfo{token: token, at: time.Now()})
				if s == parkParked {
					t.submit()
				}
				return
			}
		default:
			panic(protocolViolation("unpark", s))
		}
	}
}

// tryUnpark moves PARKED to RUNNABLE without resubmitting. The caller owns
// running the fiber on success.
func (t *task) tryUnpark(token any) bool {
	if !t.admits(token) {
		return false
	}
	if !t.state.tryTransition(parkParked, parkRunnable) {
		return false
	}
	t.unparker.Store(&unparkInfo{token: token, at: time.Now()})
	return true
}

// pin holds a parked fiber in place: until unpin, no wakeup resubmits it, so
// its stack may be read from another goroutine.
func (t *task) pin() bool {
	return t.state.tryTransition(parkParked, parkPinned)
}

// unpin releases pin, resubmitting the fiber if it was unparked meanwhile.
func (t *task) unpin() {
	for {
		switch s := t.state.load(); s {
		case parkPinned:
			if t.state.tryTransition(parkPinned, parkParked) {
				return
			}
		case parkPinnedWoken:
			if t.state.tryTransition(parkPinnedWoken, parkRunnable) {
				t.submit()
				return
			}
		default:
			panic(protocolViolation("unpin", s))
		}
	}
}

func (t *task) admits(token any) bool {
	if token == emergencyToken {
		return true
	}
	info := t.info.Load()
	return info == nil || !info.exclusive || sameToken(info.blocker, token)
}

// blocker returns the current blocker, only while parked.
func (t *task) blocker() any {
	if s := t.state.load(); s != parkParked && s != parkPinned {
		return nil
	}
	if info := t.info.Load(); info != nil {
		return info.blocker
	}
	return nil
}

// submit hands the fiber to its scheduler. A fiber only parks or yields
// after running, so a fiber that never ran is being started.
func (t *task) submit() {
	t.sched.Monitor().FiberSubmitted(t.fiber, t.fiber.runs.Load() == 0)
	t.sched.submit(t)
}

// sameToken compares tokens by identity, tolerating incomparable values.
func sameToken(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
