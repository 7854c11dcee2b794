package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// OwnedSynchronizer is a Condition with at most one registered waiter at a
// time, its owner. The owner parks exclusively, so only a signal, its timeout
// or an interrupt wakes it.
//
// Lock and Unlock guard the state the owner waits on, for producers that
// must update it atomically with respect to the owner's check.
type OwnedSynchronizer struct {
	waiter atomic.Pointer[Waiter]
	mu     sync.Mutex
}

var _ Condition = (*OwnedSynchronizer)(nil)

// NewOwnedSynchronizer returns an OwnedSynchronizer without an owner.
func NewOwnedSynchronizer() *OwnedSynchronizer { return &OwnedSynchronizer{} }

// Register makes the calling strand the owner. It fails with a
// *ProtocolError if another registration is outstanding.
func (o *OwnedSynchronizer) Register() (*Waiter, error) {
	w := &Waiter{strand: CurrentStrand()}
	if !o.waiter.CompareAndSwap(nil, w) {
		return nil, &ProtocolError{
			Op:    "register",
			State: fmt.Sprintf("attempt by %v but owned by %v", w.strand, o.Owner()),
			Cause: ErrProtocolViolation,
		}
	}
	return w, nil
}

// Unregister releases ownership, if w holds it.
func (o *OwnedSynchronizer) Unregister(w *Waiter) {
	o.waiter.CompareAndSwap(w, nil)
}

// Owner returns the registered strand, or nil.
func (o *OwnedSynchronizer) Owner() Strand {
	if w := o.waiter.Load(); w != nil {
		return w.strand
	}
	return nil
}

// VerifyOwner reports whether the calling strand is the owner.
func (o *OwnedSynchronizer) VerifyOwner() bool {
	owner := o.Owner()
	if owner == nil {
		return false
	}
	if f, ok := owner.(*Fiber); ok {
		return f == CurrentFiber()
	}
	return CurrentFiber() == nil && owner.ID() == int64(getGoroutineID())
}

func (o *OwnedSynchronizer) Lock()   { o.mu.Lock() }
func (o *OwnedSynchronizer) Unlock() { o.mu.Unlock() }

// Await parks the owner. The interrupted flag is checked, and cleared,
// both before and after parking.
func (o *OwnedSynchronizer) Await(w *Waiter, iteration int, timeout time.Duration) error {
	if o.waiter.Load() != w {
		return protocolViolation("await", w.strand.State())
	}
	if w.strand.clearInterrupt() {
		return ErrInterrupted
	}
	return awaitSignal(o, w, iteration, timeout, true)
}

// Signal wakes the owner, if any.
func (o *OwnedSynchronizer) Signal() {
	w := o.waiter.Load()
	if w == nil {
		return
	}
	w.signalled.Store(true)
	w.strand.Unpark(o)
}

// SignalAll is Signal, as there is only one waiter.
func (o *OwnedSynchronizer) SignalAll() { o.Signal() }

// SignalAndTryToExecNow signals the owner and, if it is a fiber parked on o
// and the caller is a fiber on the same scheduler, runs it at once on the
// caller's carrier.
func (o *OwnedSynchronizer) SignalAndTryToExecNow() {
	w := o.waiter.Load()
	if w == nil {
		return
	}
	w.signalled.Store(true)
	if f, ok := w.strand.(*Fiber); ok && execNow(f, o, time.Time{}) {
		return
	}
	w.strand.Unpark(o)
}
