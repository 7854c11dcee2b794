package fiber

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// carrier goroutine id -> *worker
var carriersByGoroutine sync.Map

// PoolScheduler is a work-stealing pool of carriers.
//
// Each carrier owns a FIFO queue. A fiber submitted from a carrier of the
// pool (including by a fiber running on it) is queued locally, anything else
// goes to a shared queue. Idle carriers take from their own queue, then the
// shared queue, then steal from their peers.
//
// A carrier blocks while the fiber it runs is executing, so at most
// Parallelism fiber bodies run at any time.
type PoolScheduler struct {
	id       uuid.UUID
	opts     *schedulerOptions
	workers  []*worker
	timed    *TimedScheduler
	group    *errgroup.Group
	cancel   context.CancelFunc
	closed   chan struct{}
	global   lockedIngress
	live     liveFibers
	once     sync.Once
	seed     atomic.Uint32
	closing  atomic.Bool
	finished atomic.Bool
}

type worker struct {
	carrier
	pool     *PoolScheduler
	wake     chan struct{}
	local    lockedIngress
	tid      atomic.Int64
	executed atomic.Uint64
	idle     atomic.Bool
}

// PoolStats is a point-in-time view of a PoolScheduler.
type PoolStats struct {
	ID          uuid.UUID
	Carriers    []CarrierStats
	Parallelism int
	QueueLength int
	LiveFibers  int
}

// CarrierStats describes one carrier.
type CarrierStats struct {
	Resident   *Fiber
	ID         CarrierID
	ThreadID   int
	QueueDepth int
	Executed   uint64
	Idle       bool
}

// NewPoolScheduler starts a pool scheduler and its timed scheduler.
func NewPoolScheduler(opts ...SchedulerOption) (*PoolScheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &PoolScheduler{
		id:      uuid.New(),
		opts:    cfg,
		workers: make([]*worker, cfg.parallelism),
		closed:  make(chan struct{}),
	}
	for i := range p.workers {
		w := &worker{pool: p, wake: make(chan struct{}, 1)}
		w.sched = p
		w.id = CarrierID(i)
		p.workers[i] = w
	}
	p.timed = newTimedScheduler(p, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	var gctx context.Context
	p.group, gctx = errgroup.WithContext(ctx)
	for _, w := range p.workers {
		p.group.Go(func() error { return w.run(gctx) })
	}
	p.timed.start()

	if b := cfg.logger.Debug(); b != nil {
		b.Str("scheduler", p.id.String()).
			Str("name", cfg.name).
			Int("parallelism", cfg.parallelism).
			Log("fiber: pool scheduler started")
	}
	return p, nil
}

// ID implements Scheduler.
func (p *PoolScheduler) ID() uuid.UUID { return p.id }

// Timed implements Scheduler.
func (p *PoolScheduler) Timed() *TimedScheduler { return p.timed }

// Monitor implements Scheduler.
func (p *PoolScheduler) Monitor() Monitor { return p.opts.monitor }

// Logger implements Scheduler.
func (p *PoolScheduler) Logger() *logiface.Logger[logiface.Event] { return p.opts.logger }

// Parallelism returns the number of carriers.
func (p *PoolScheduler) Parallelism() int { return len(p.workers) }

func (p *PoolScheduler) uncaughtHandler() UncaughtHandler { return p.opts.uncaught }

func (p *PoolScheduler) track(f *Fiber, live bool) { p.live.track(f, live) }

// QueueLength implements Scheduler. The value is approximate.
func (p *PoolScheduler) QueueLength() int {
	n := p.global.length.Load()
	for _, w := range p.workers {
		n += w.local.length.Load()
	}
	return int(n)
}

// RunningFibers implements Scheduler.
func (p *PoolScheduler) RunningFibers() map[CarrierID]*Fiber {
	m := make(map[CarrierID]*Fiber, len(p.workers))
	for _, w := range p.workers {
		if f := w.resident.Load(); f != nil {
			m[w.id] = f
		}
	}
	return m
}

// Fibers returns the fibers that have started and not yet terminated, in
// no particular order.
func (p *PoolScheduler) Fibers() []*Fiber { return p.live.snapshot() }

// Stats returns a snapshot of the pool.
func (p *PoolScheduler) Stats() PoolStats {
	s := PoolStats{
		ID:          p.id,
		Parallelism: len(p.workers),
		QueueLength: p.QueueLength(),
		LiveFibers:  int(p.live.count.Load()),
		Carriers:    make([]CarrierStats, len(p.workers)),
	}
	for i, w := range p.workers {
		s.Carriers[i] = CarrierStats{
			ID:         w.id,
			Resident:   w.resident.Load(),
			ThreadID:   int(w.tid.Load()),
			QueueDepth: int(w.local.length.Load()),
			Executed:   w.executed.Load(),
			Idle:       w.idle.Load(),
		}
	}
	return s
}

func (p *PoolScheduler) submit(t *task) {
	if p.finished.Load() {
		if b := p.opts.logger.Debug(); b != nil {
			fiberFields(b, t.fiber).Log("fiber: submit after scheduler closed")
		}
		t.fiber.abort(ErrSchedulerClosed)
		return
	}
	if w := p.localWorker(); w != nil {
		w.local.push(t)
	} else {
		p.global.push(t)
	}
	p.signalIdle()
}

// localWorker returns the calling goroutine's carrier, if it belongs to p.
func (p *PoolScheduler) localWorker() *worker {
	goid := getGoroutineID()
	if v, ok := carriersByGoroutine.Load(goid); ok {
		if w := v.(*worker); w.pool == p {
			return w
		}
		return nil
	}
	if v, ok := fibersByGoroutine.Load(goid); ok {
		if c := v.(*Fiber).carrier.Load(); c != nil && c.sched == Scheduler(p) {
			return p.workers[c.id]
		}
	}
	return nil
}

// signalIdle wakes one idle carrier, if any.
func (p *PoolScheduler) signalIdle() {
	n := len(p.workers)
	start := int(p.seed.Add(1))
	for i := 0; i < n; i++ {
		w := p.workers[(start+i)%n]
		if w.idle.CompareAndSwap(true, false) {
			select {
			case w.wake <- struct{}{}:
			default:
			}
			return
		}
	}
}

func (p *PoolScheduler) wakeAll() {
	for _, w := range p.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops accepting new work once runnable fibers drain, then stops the
// carriers and the timed scheduler. Fibers that are still parked are
// terminated with ErrSchedulerClosed. If ctx ends first the carriers are
// told to stop after their current fiber and ctx.Err() is returned, with
// cleanup finishing in the background.
func (p *PoolScheduler) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.closing.Store(true)
		p.wakeAll()
		go func() {
			err := p.group.Wait()
			p.finishClose(err)
		}()
	})
	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *PoolScheduler) finishClose(err error) {
	p.finished.Store(true)
	p.timed.Close()
	p.global.drain()
	for _, w := range p.workers {
		w.local.drain()
	}
	p.live.abortAll(ErrSchedulerClosed)
	p.cancel()
	if b := p.opts.logger.Debug(); b != nil {
		b.Str("scheduler", p.id.String()).
			Err(err).
			Log("fiber: pool scheduler closed")
	}
	close(p.closed)
}

func (w *worker) run(ctx context.Context) error {
	goid := getGoroutineID()
	carriersByGoroutine.Store(goid, w)
	defer carriersByGoroutine.Delete(goid)

	if w.pool.opts.lockedCarriers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		w.tid.Store(int64(gettid()))
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if t := w.next(); t != nil {
			w.execute(t)
			continue
		}
		if w.pool.closing.Load() && w.pool.QueueLength() == 0 {
			return nil
		}
		w.idle.Store(true)
		if t := w.next(); t != nil {
			w.idle.Store(false)
			w.execute(t)
			continue
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
		}
		w.idle.Store(false)
	}
}

func (w *worker) next() *task {
	if t := w.local.pop(); t != nil {
		return t
	}
	p := w.pool
	if t := p.global.pop(); t != nil {
		return t
	}
	n := len(p.workers)
	start := int(p.seed.Add(1))
	for i := 0; i < n; i++ {
		v := p.workers[(start+i)%n]
		if v == w {
			continue
		}
		if t := v.local.pop(); t != nil {
			return t
		}
	}
	return nil
}

func (w *worker) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			fiberFields(w.pool.opts.logger.Crit(), t.fiber).
				Int("carrier", int(w.id)).
				Any("panic", r).
				Log("fiber: carrier failure")
		}
	}()
	w.executed.Add(1)
	t.fiber.exec(&w.carrier)
}
