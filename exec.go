package fiber

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/go-fiber/continuation"
)

// outcome is what a fiber goroutine reports when it hands control back to
// its carrier.
type outcome int

const (
	outcomeParked outcome = iota
	outcomeYielded
	outcomeDone
)

// exec runs the fiber on carrier c until it parks, yields or terminates. It
// may be nested: a fiber running on c can exec another fiber inline, in
// which case c's resident fiber is swapped for the duration.
func (f *Fiber) exec(c *carrier) {
	if f.state.isTerminal() {
		return
	}
	if t := f.timeout; t != nil {
		t.Cancel()
		f.timeout = nil
	}

	prev := c.swapResident(f)
	f.carrier.Store(c)
	f.runs.Add(1)
	f.execStart.Store(time.Now().UnixNano())
	f.state.store(StateRunning)

	if !f.coStarted {
		f.coStarted = true
		go f.main()
	} else {
		f.resume <- true
	}
	out := <-f.yield

	f.execStart.Store(0)
	f.carrier.Store(nil)
	c.swapResident(prev)

	switch out {
	case outcomeParked:
		f.afterPark()
	case outcomeYielded:
		f.state.store(StateWaiting)
		f.task.submit()
	case outcomeDone:
		f.terminate()
	}
}

// afterPark completes a park episode on the carrier, once the fiber
// goroutine is blocked.
func (f *Fiber) afterPark() {
	if f.parkDeadline.IsZero() {
		f.state.store(StateWaiting)
	} else {
		f.state.store(StateTimedWaiting)
		f.timeout = f.sched.Timed().schedule(f, f.task.info.Load().blocker, f.parkDeadline, f.task.epoch.Load())
	}
	f.sched.Monitor().FiberSuspended(f)

	if pp := f.postPark; pp != nil {
		f.postPark = nil
		f.postParkGoid.Store(getGoroutineID())
		err := f.runPostPark(pp)
		f.postParkGoid.Store(0)
		if err != nil {
			f.postParkErr = err
			defer f.task.unpark(emergencyToken)
		}
	}
	f.task.onParkCompleted()
}

func (f *Fiber) runPostPark(pp func(*Fiber)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
			fiberFields(f.sched.Logger().Err(), f).
				Err(err).
				Log("fiber: post-park action panicked")
		}
	}()
	pp(f)
	return nil
}

// terminate records the end of the body on the carrier.
func (f *Fiber) terminate() {
	f.state.store(StateTerminated)
	f.sched.track(f, false)
	f.sched.Monitor().FiberTerminated(f, f.err)
	if f.err != nil {
		f.reportUncaught(f.err)
	}
	close(f.done)
	f.joiners.SignalAll()
}

// reportUncaught runs the handler chain: fiber, scheduler, process default,
// else the scheduler's logger. Handler panics are contained.
func (f *Fiber) reportUncaught(err error) {
	defer func() {
		if r := recover(); r != nil {
			fiberFields(f.sched.Logger().Err(), f).
				Any("panic", r).
				Log("fiber: uncaught handler panicked")
		}
	}()
	switch {
	case f.uncaught != nil:
		f.uncaught(f, err)
	case f.sched.uncaughtHandler() != nil:
		f.sched.uncaughtHandler()(f, err)
	case defaultUncaught.Load() != nil:
		(*defaultUncaught.Load())(f, err)
	default:
		fiberFields(f.sched.Logger().Warning(), f).
			Err(err).
			Log("fiber: uncaught failure")
	}
}

// abort terminates a fiber that will never run again, such as one parked on
// a closed scheduler. Its goroutine, if any, exits via runtime.Goexit.
func (f *Fiber) abort(err error) {
	for {
		s := f.state.load()
		if s == StateTerminated {
			return
		}
		if f.state.tryTransition(s, StateTerminated) {
			break
		}
	}
	f.result, f.err = nil, err
	f.aborted = true
	f.sched.track(f, false)
	f.sched.Monitor().FiberTerminated(f, err)
	close(f.done)
	f.joiners.SignalAll()
	if f.coStarted {
		f.resume <- false
	}
}

// main is the fiber goroutine.
func (f *Fiber) main() {
	goid := getGoroutineID()
	f.goid.Store(goid)
	fibersByGoroutine.Store(goid, f)

	var (
		res       any
		err       error
		completed bool
	)
	defer func() {
		fibersByGoroutine.Delete(goid)
		r := recover()
		if f.aborted {
			return
		}
		if r != nil {
			err = failureFromPanic(r)
		} else if !completed {
			// Function ended but not via normal return -> Goexit (or panic(nil))
			err = ErrGoexit
		}
		f.result, f.err = res, err
		f.yield <- outcomeDone
	}()

	res, err = f.body(f)
	if err == nil && f.stack.Depth() != 0 {
		err = &ProtocolError{Op: "return", State: fmt.Sprintf("stack depth %d", f.stack.Depth()), Cause: continuation.ErrUnbalanced}
	}
	completed = true
}

func failureFromPanic(r any) error {
	if e, ok := r.(error); ok {
		if errors.Is(e, ErrProtocolViolation) {
			return e
		}
		for _, sentinel := range []error{continuation.ErrUnbalanced, continuation.ErrNoFrame, continuation.ErrSlotRange} {
			if errors.Is(e, sentinel) {
				return &ProtocolError{Op: "continuation", Cause: e}
			}
		}
	}
	return PanicError{Value: r}
}

// switchOut hands control back to the carrier and blocks until resumed.
func (f *Fiber) switchOut(out outcome) {
	f.yield <- out
	if !<-f.resume {
		runtime.Goexit()
	}
}

// verifyCurrent panics unless called by f's own goroutine while running.
func (f *Fiber) verifyCurrent(op string) {
	if s := f.state.load(); s != StateRunning || f.goid.Load() != getGoroutineID() {
		panic(&ProtocolError{Op: op, State: s.String(), Cause: ErrNotRunning})
	}
}

// park is the primitive suspend. It reports whether the fiber actually
// suspended: a pending wakeup (LEASED) is consumed without suspending.
func (f *Fiber) park(blocker any, exclusive bool, timeout time.Duration, postPark func(*Fiber)) (bool, error) {
	f.verifyCurrent("park")
	if !f.task.park(blocker, exclusive) {
		return false, nil
	}
	f.postPark = postPark
	f.postParkErr = nil
	if timeout > 0 {
		f.parkDeadline = time.Now().Add(timeout)
	} else {
		f.parkDeadline = time.Time{}
	}
	f.switchOut(outcomeParked)
	err := f.postParkErr
	f.postParkErr = nil
	return true, err
}

// Park suspends the fiber until unparked. Must be called by the fiber
// itself. It may return spuriously, so callers re-check their condition.
func (f *Fiber) Park(blocker any) {
	_, _ = f.park(blocker, false, 0, nil)
}

// ParkTimeout is Park bounded by d.
func (f *Fiber) ParkTimeout(blocker any, d time.Duration) {
	_, _ = f.park(blocker, false, d, nil)
}

// ParkExclusive is Park that only ends on an unpark carrying blocker, a
// timeout, or an interrupt.
func (f *Fiber) ParkExclusive(blocker any, d time.Duration) {
	_, _ = f.park(blocker, true, d, nil)
}

// ParkWith parks and runs postPark on the carrier once the fiber is
// suspended, so that postPark may safely trigger the wakeup itself. It
// reports whether the fiber actually suspended, and any panic of postPark.
func (f *Fiber) ParkWith(blocker any, postPark func(*Fiber), d time.Duration) (bool, error) {
	return f.park(blocker, false, d, postPark)
}

// Yield gives up the carrier and resubmits the fiber.
func (f *Fiber) Yield() {
	f.verifyCurrent("yield")
	f.switchOut(outcomeYielded)
}

// Sleep parks the fiber for at least d. It returns ErrInterrupted, clearing
// the flag, if the fiber is interrupted.
func (f *Fiber) Sleep(d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if f.clearInterrupt() {
			return ErrInterrupted
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		f.ParkTimeout(nil, left)
		if !f.IsInterrupted() && time.Now().Before(deadline) {
			f.sched.Monitor().SpuriousWakeup(f)
		}
	}
}
