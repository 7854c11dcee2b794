package fiber

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// spinsBeforePark is the number of Await iterations that only yield the
// processor before a waiter actually parks.
const spinsBeforePark = 4

// Condition is a wait queue of strands.
//
// The calling pattern is:
//
//	w, err := cond.Register()
//	if err != nil {
//		return err
//	}
//	defer cond.Unregister(w)
//	for i := 0; !ready(); i++ {
//		if err := cond.Await(w, i, 0); err != nil {
//			return err
//		}
//	}
//
// Await may return without a signal, so the condition must be re-checked.
type Condition interface {
	// Register adds the calling strand to the queue.
	Register() (*Waiter, error)
	// Await waits for a signal. iteration counts calls within one wait loop,
	// starting from zero, and drives the spin-then-park policy. A timeout of
	// zero means no timeout.
	Await(w *Waiter, iteration int, timeout time.Duration) error
	Unregister(w *Waiter)
	Signal()
	SignalAll()
}

// Waiter is a registration with a Condition.
type Waiter struct {
	strand    Strand
	signalled atomic.Bool
}

// Strand returns the registered strand.
func (w *Waiter) Strand() Strand { return w.strand }

// SimpleCondition is a FIFO Condition. A signal delivered between Register
// and the waiter parking is not lost: it is recorded on the waiter and the
// strand's park returns at once.
type SimpleCondition struct {
	waiters []*Waiter
	mu      sync.Mutex
}

var _ Condition = (*SimpleCondition)(nil)

// NewCondition returns an empty SimpleCondition.
func NewCondition() *SimpleCondition { return &SimpleCondition{} }

func (c *SimpleCondition) Register() (*Waiter, error) {
	w := &Waiter{strand: CurrentStrand()}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w, nil
}

func (c *SimpleCondition) Unregister(w *Waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.waiters, w); i >= 0 {
		c.waiters = slices.Delete(c.waiters, i, i+1)
	}
}

func (c *SimpleCondition) Await(w *Waiter, iteration int, timeout time.Duration) error {
	return awaitSignal(c, w, iteration, timeout, false)
}

// Signal wakes one waiter, preferring one that is actually parked on c.
func (c *SimpleCondition) Signal() {
	c.mu.Lock()
	var target *Waiter
	for _, w := range c.waiters {
		if !w.signalled.Load() && sameToken(w.strand.Blocker(), c) && w.signalled.CompareAndSwap(false, true) {
			target = w
			break
		}
	}
	if target == nil {
		for _, w := range c.waiters {
			if w.signalled.CompareAndSwap(false, true) {
				target = w
				break
			}
		}
	}
	c.mu.Unlock()
	if target != nil {
		target.strand.Unpark(c)
	}
}

// SignalAll wakes every registered waiter.
func (c *SimpleCondition) SignalAll() {
	c.mu.Lock()
	waiters := slices.Clone(c.waiters)
	c.mu.Unlock()
	for _, w := range waiters {
		w.signalled.Store(true)
		w.strand.Unpark(c)
	}
}

// Len returns the number of registered waiters.
func (c *SimpleCondition) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *SimpleCondition) String() string {
	return fmt.Sprintf("SimpleCondition{waiters: %d}", c.Len())
}

// awaitSignal is the shared Await: spin, park on cond, then classify the
// wakeup.
func awaitSignal(cond any, w *Waiter, iteration int, timeout time.Duration, exclusive bool) error {
	if w.signalled.CompareAndSwap(true, false) {
		return nil
	}
	if iteration < spinsBeforePark {
		runtime.Gosched()
		return nil
	}
	start := time.Now()
	w.strand.parkStrand(cond, exclusive, timeout)
	if w.signalled.CompareAndSwap(true, false) {
		return nil
	}
	if w.strand.clearInterrupt() {
		return ErrInterrupted
	}
	if timeout > 0 && time.Since(start) >= timeout {
		return &TimeoutError{Message: fmt.Sprintf("fiber: await on %v timed out after %v", w.strand, timeout)}
	}
	if f, ok := w.strand.(*Fiber); ok {
		f.sched.Monitor().SpuriousWakeup(f)
	}
	return nil
}
