package fiber

import (
	"sync/atomic"
)

// State is the externally observable status of a Fiber.
//
//	StateNew → StateStarted          [Start()]
//	StateStarted → StateRunning      [first exec]
//	StateRunning → StateWaiting      [park]
//	StateRunning → StateTimedWaiting [timed park]
//	StateWaiting → StateRunning      [resume]
//	StateRunning → StateTerminated   [body returned or failed]
//
// StateTerminated is set once and never left.
type State int32

const (
	StateNew State = iota
	StateStarted
	StateRunning
	StateWaiting
	StateTimedWaiting
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateStarted:
		return "Started"
	case StateRunning:
		return "Running"
	case StateWaiting:
		return "Waiting"
	case StateTimedWaiting:
		return "TimedWaiting"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// parkState is the task adapter's internal synchronization state.
//
//	parkRunnable → parkParking  [park]
//	parkLeased → parkRunnable   [park, returns without suspending]
//	parkParking → parkParked    [onParkCompleted]
//	parkRunnable → parkLeased   [unpark while running]
//	parkParked → parkRunnable   [unpark, resubmit]
//	parkParking → parkRunnable  [unpark, flag for onParkCompleted]
//	parkParked → parkPinned     [pin]
//	parkPinned → parkPinnedWoken [unpark, deferred until unpin]
//	parkPinned → parkParked     [unpin]
//	parkPinnedWoken → parkRunnable [unpin, resubmit]
//
// Use tryTransition (CAS) for every change. store is only for a task that is
// not yet visible to any other goroutine.
type parkState int32

const (
	parkRunnable parkState = iota
	parkLeased
	parkParking
	parkParked
	// parkPinned holds a parked fiber in place while its stack is read.
	parkPinned
	parkPinnedWoken
)

func (s parkState) String() string {
	switch s {
	case parkRunnable:
		return "Runnable"
	case parkLeased:
		return "Leased"
	case parkParking:
		return "Parking"
	case parkParked:
		return "Parked"
	case parkPinned:
		return "Pinned"
	case parkPinnedWoken:
		return "PinnedWoken"
	default:
		return "Unknown"
	}
}

// atomicParkState is a lock-free park-state cell with cache-line padding, as
// it is contended by every waker of a fiber.
type atomicParkState struct { // betteralign:ignore
	_ [64]byte     //nolint:unused
	v atomic.Int32 // state value
	_ [60]byte     //nolint:unused
}

func (s *atomicParkState) load() parkState { return parkState(s.v.Load()) }

func (s *atomicParkState) store(state parkState) { s.v.Store(int32(state)) }

func (s *atomicParkState) tryTransition(from, to parkState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// atomicState holds a fiber's State.
type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) load() State { return State(s.v.Load()) }

func (s *atomicState) store(state State) { s.v.Store(int32(state)) }

func (s *atomicState) tryTransition(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// isTerminal reports whether the state is StateTerminated.
func (s *atomicState) isTerminal() bool { return s.load() == StateTerminated }
