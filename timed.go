package fiber

import (
	"container/heap"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// backpressureCheckEvery is how many timed tasks are dispatched between
// checks of the owning scheduler's queue length.
const backpressureCheckEvery = 1024

// TimedTask is a pending timer of a TimedScheduler.
type TimedTask struct {
	when    time.Time
	ts      *TimedScheduler
	fiber   *Fiber
	blocker any
	fn      func()
	seq     uint64
	epoch   uint64
	index   int
}

// When returns the time the task is due.
func (t *TimedTask) When() time.Time { return t.when }

// Cancel removes the task if it has not been dispatched. It is safe to call
// on a nil task, and more than once.
func (t *TimedTask) Cancel() {
	if t == nil || t.ts == nil {
		return
	}
	ts := t.ts
	ts.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&ts.queue, t.index)
	}
	ts.mu.Unlock()
}

type timerHeap []*TimedTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*TimedTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimedScheduler wakes timed parks and runs delayed functions for a
// scheduler, on a single goroutine. It also hosts runaway fiber detection.
//
// Dispatch pauses while the owning scheduler's queue is longer than the
// configured threshold, checked every 1024 dispatched tasks, so that mass
// timeouts cannot flood the carriers.
type TimedScheduler struct {
	owner   Scheduler
	opts    *schedulerOptions
	limiter *catrate.Limiter
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	queue   timerHeap
	mu      sync.Mutex
	once    sync.Once
	seq     uint64
	count   uint64
	closed  bool
}

func newTimedScheduler(owner Scheduler, opts *schedulerOptions) *TimedScheduler {
	return &TimedScheduler{
		owner:   owner,
		opts:    opts,
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Minute: 1}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (ts *TimedScheduler) start() { go ts.loop() }

// ScheduleFunc runs fn on the timer goroutine after d. It returns nil if the
// scheduler is closed. fn must not block.
func (ts *TimedScheduler) ScheduleFunc(d time.Duration, fn func()) *TimedTask {
	return ts.add(&TimedTask{when: time.Now().Add(d), fn: fn})
}

// schedule arranges for the park episode epoch of f to be ended at deadline,
// unparking with blocker so that exclusive parks are admitted.
func (ts *TimedScheduler) schedule(f *Fiber, blocker any, deadline time.Time, epoch uint64) *TimedTask {
	return ts.add(&TimedTask{when: deadline, fiber: f, blocker: blocker, epoch: epoch})
}

func (ts *TimedScheduler) add(t *TimedTask) *TimedTask {
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return nil
	}
	t.ts = ts
	ts.seq++
	t.seq = ts.seq
	heap.Push(&ts.queue, t)
	first := t.index == 0
	ts.mu.Unlock()
	if first {
		select {
		case ts.wake <- struct{}{}:
		default:
		}
	}
	return t
}

// Len returns the number of pending tasks.
func (ts *TimedScheduler) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.queue)
}

// Close stops the timer goroutine, discarding pending tasks.
func (ts *TimedScheduler) Close() {
	ts.once.Do(func() {
		ts.mu.Lock()
		ts.closed = true
		for _, t := range ts.queue {
			t.index = -1
		}
		ts.queue = nil
		ts.mu.Unlock()
		close(ts.stop)
	})
	<-ts.stopped
}

// next pops a due task, or returns the time until the earliest one.
func (ts *TimedScheduler) next(now time.Time) (*TimedTask, time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.queue) == 0 {
		return nil, -1
	}
	if d := ts.queue[0].when.Sub(now); d > 0 {
		return nil, d
	}
	return heap.Pop(&ts.queue).(*TimedTask), 0
}

func (ts *TimedScheduler) loop() {
	defer close(ts.stopped)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	var nextScan time.Time
	if ts.opts.runawayScanInterval > 0 {
		nextScan = time.Now().Add(ts.opts.runawayScanInterval)
	}

	for {
		now := time.Now()
		if !nextScan.IsZero() && !now.Before(nextScan) {
			ts.scanRunaway(now)
			nextScan = now.Add(ts.opts.runawayScanInterval)
		}

		t, wait := ts.next(now)
		if t != nil {
			ts.dispatch(t, now)
			if !ts.throttle() {
				return
			}
			continue
		}

		if !nextScan.IsZero() {
			if d := nextScan.Sub(now); wait < 0 || d < wait {
				wait = d
			}
		}
		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ts.stop:
			return
		case <-ts.wake:
		case <-timerC:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// throttle applies backpressure, returning false if the scheduler stopped
// while paused.
func (ts *TimedScheduler) throttle() bool {
	ts.count++
	if ts.count%backpressureCheckEvery != 0 || ts.opts.backpressurePause <= 0 {
		return true
	}
	n := ts.owner.QueueLength()
	if n <= ts.opts.backpressureThreshold {
		return true
	}
	if b := ts.opts.logger.Debug(); b != nil {
		b.Int("queue", n).
			Dur("pause", ts.opts.backpressurePause).
			Log("fiber: timed dispatch backpressure")
	}
	pause := time.NewTimer(ts.opts.backpressurePause)
	defer pause.Stop()
	select {
	case <-ts.stop:
		return false
	case <-pause.C:
		return true
	}
}

func (ts *TimedScheduler) dispatch(t *TimedTask, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			fiberFields(ts.opts.logger.Err(), t.fiber).
				Any("panic", r).
				Log("fiber: timed task failed")
		}
	}()
	if t.fn != nil {
		t.fn()
		return
	}
	f := t.fiber
	if f.task.epoch.Load() != t.epoch {
		return
	}
	switch f.task.state.load() {
	case parkParking, parkParked, parkPinned:
	default:
		return
	}
	ts.owner.Monitor().TimedParkLatency(now.Sub(t.when))
	f.task.unpark(t.blocker)
}
