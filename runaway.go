package fiber

import (
	"time"
)

// RunawayReport describes a fiber that has held its carrier for longer than
// the runaway threshold without parking or yielding.
type RunawayReport struct {
	Fiber *Fiber
	// Status is the goroutine status of the fiber, as reported by the
	// runtime, e.g. "running" or "sync.Mutex.Lock".
	Status string
	// Stack is the fiber goroutine's stack, if it could be captured.
	Stack    []byte
	Duration time.Duration
	Carrier  CarrierID
	// Blocked is set when the fiber is blocked in the runtime, rather than
	// computing, which starves the carrier just the same.
	Blocked bool
}

func (ts *TimedScheduler) scanRunaway(now time.Time) {
	threshold := ts.opts.runawayThreshold
	for cid, f := range ts.owner.RunningFibers() {
		start := f.execStart.Load()
		if start == 0 {
			continue
		}
		d := now.Sub(time.Unix(0, start))
		if d < threshold {
			continue
		}
		r := RunawayReport{Fiber: f, Carrier: cid, Duration: d}
		var ok bool
		if r.Status, r.Stack, ok = goroutineStack(f.goid.Load()); ok {
			r.Blocked = statusBlocked(r.Status)
		}
		ts.reportRunaway(r)
	}
}

func (ts *TimedScheduler) reportRunaway(r RunawayReport) {
	if h := ts.opts.runawayHandler; h != nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					fiberFields(ts.opts.logger.Err(), r.Fiber).
						Any("panic", v).
						Log("fiber: runaway handler panicked")
				}
			}()
			h(r)
		}()
	}
	ts.owner.Monitor().FiberRunaway(r)

	if _, ok := ts.limiter.Allow(r.Fiber.ID()); !ok {
		return
	}
	msg := "fiber: runaway fiber is hogging its carrier"
	if r.Blocked {
		msg = "fiber: fiber is blocking its carrier"
	}
	if b := ts.opts.logger.Warning(); b != nil {
		fiberFields(b, r.Fiber).
			Int("carrier", int(r.Carrier)).
			Dur("duration", r.Duration).
			Str("status", r.Status).
			Str("stack", string(r.Stack)).
			Log(msg)
	}
}
