// Package fiber provides lightweight, cooperatively scheduled threads
// ("fibers") multiplexed over a small, fixed set of carrier goroutines, with
// park/unpark synchronization, timed waits, wait conditions, a bridge from
// callback-style APIs, and persistence of parked fibers.
//
// # Architecture
//
// Every [Fiber] has its own goroutine, but that goroutine only executes while
// a carrier of its [Scheduler] has handed control to it; the carrier blocks
// until the fiber parks, yields or returns. A [PoolScheduler] runs a fixed
// number of carriers with per-carrier queues and work stealing, so at most
// that many fiber bodies execute in parallel. An [ExecutorScheduler] instead
// runs each execution as a function on an [Executor].
//
// Each scheduler owns a [TimedScheduler], a single goroutine that ends timed
// parks, applies backpressure when the carriers fall behind, and reports
// fibers that hog a carrier (see [RunawayReport]).
//
// # Park and Unpark
//
// [Fiber.Park] suspends the calling fiber until [Fiber.Unpark]. An unpark
// that arrives while the fiber is running is remembered, so the next park
// returns at once; an unpark that races the fiber suspending resumes it as
// soon as it is off its carrier. Park may return spuriously, so callers
// re-check what they wait for, typically through a [Condition].
//
// # Strands
//
// A [Strand] is either a fiber or a plain goroutine. [CurrentStrand], [Park],
// [Sleep] and the [Condition] implementations work the same for both, so
// synchronization code is written once.
//
// # Persistence
//
// A fiber whose body keeps its resumable state in its continuation stack
// (see package continuation) can be encoded with [Serialize] while parked,
// and rebuilt with [Deserialize], possibly on another scheduler or process.
// Bodies are located by the name given to [RegisterBody].
//
// # Configuration
//
// Scheduler defaults are read once from the environment (see [LoadConfig]):
// FIBER_PARALLELISM, FIBER_MONITOR, FIBER_DETAILED_INFO and FIBER_LOG_LEVEL.
// Options passed to [NewPoolScheduler] take precedence.
//
// # Usage
//
//	sched, err := fiber.NewPoolScheduler(fiber.WithParallelism(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sched.Close(context.Background())
//
//	f, err := fiber.Go(func(f *fiber.Fiber) (any, error) {
//	    if err := f.Sleep(10 * time.Millisecond); err != nil {
//	        return nil, err
//	    }
//	    return "done", nil
//	}, fiber.WithScheduler(sched))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	v, err := f.Get(context.Background())
package fiber
