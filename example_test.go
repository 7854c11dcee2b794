package fiber_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	fiber "github.com/joeycumines/go-fiber"
)

// Example_parkUnpark demonstrates the basic park/unpark handshake.
//
// A fiber parks until another strand unparks it. An unpark that arrives
// before the park is not lost: the next park returns immediately.
func Example_parkUnpark() {
	sched, err := fiber.NewPoolScheduler(fiber.WithLogger(nil), fiber.WithParallelism(2))
	if err != nil {
		fmt.Println("failed to create scheduler:", err)
		return
	}
	defer sched.Close(context.Background())

	var counter atomic.Int64
	f, err := fiber.Go(func(f *fiber.Fiber) (any, error) {
		for range 3 {
			counter.Add(1)
			f.Park(nil)
		}
		return counter.Load(), nil
	}, fiber.WithScheduler(sched), fiber.WithName("counter"))
	if err != nil {
		fmt.Println("failed to start fiber:", err)
		return
	}

	for !f.IsDone() {
		f.Unpark(nil)
		time.Sleep(time.Millisecond)
	}

	v, err := f.Get(context.Background())
	fmt.Println(f.Name(), v, err)

	// Output:
	// counter 3 <nil>
}

// Example_condition demonstrates waiting on a Condition from a fiber, and
// signalling it from a plain goroutine.
func Example_condition() {
	sched, err := fiber.NewPoolScheduler(fiber.WithLogger(nil), fiber.WithParallelism(2))
	if err != nil {
		fmt.Println("failed to create scheduler:", err)
		return
	}
	defer sched.Close(context.Background())

	var (
		cond  = fiber.NewCondition()
		ready atomic.Bool
	)
	f, _ := fiber.Go(func(f *fiber.Fiber) (any, error) {
		w, err := cond.Register()
		if err != nil {
			return nil, err
		}
		defer cond.Unregister(w)
		for i := 0; !ready.Load(); i++ {
			if err := cond.Await(w, i, time.Second); err != nil {
				return nil, err
			}
		}
		return "ready", nil
	}, fiber.WithScheduler(sched))

	go func() {
		time.Sleep(10 * time.Millisecond)
		ready.Store(true)
		cond.SignalAll()
	}()

	fmt.Println(f.Get(context.Background()))

	// Output:
	// ready <nil>
}

// ExampleRunAsync demonstrates bridging a callback-style API into a
// blocking call on a fiber, with a timeout.
func ExampleRunAsync() {
	sched, err := fiber.NewPoolScheduler(fiber.WithLogger(nil), fiber.WithParallelism(2))
	if err != nil {
		fmt.Println("failed to create scheduler:", err)
		return
	}
	defer sched.Close(context.Background())

	// fetch stands in for any API that reports its result via a callback.
	fetch := func(key string, callback func(string, error)) {
		time.AfterFunc(5*time.Millisecond, func() { callback("value of "+key, nil) })
	}

	f, _ := fiber.Go(func(f *fiber.Fiber) (any, error) {
		a, err := fiber.NewAsync(func(c fiber.Completion[string]) {
			fetch("k", func(v string, err error) {
				if err != nil {
					c.Fail(err)
					return
				}
				c.Complete(v)
			})
		})
		if err != nil {
			return nil, err
		}
		return a.RunTimeout(time.Second)
	}, fiber.WithScheduler(sched))

	fmt.Println(f.Get(context.Background()))

	// Output:
	// value of k <nil>
}

// ticker parks three times, keeping its loop counter in the continuation
// stack so that a restored copy resumes the loop rather than restarting it.
func ticker(f *fiber.Fiber) (any, error) {
	s := f.Stack()
	var i int64
	if s.EnterFrame() == 1 {
		i = s.LoadWord(0) + 1
	}
	for ; i < 3; i++ {
		fmt.Println("tick", i)
		s.ReserveFrame(1, 1)
		s.StoreWord(0, i)
		f.Park(nil)
	}
	s.LeaveFrame()
	return i, nil
}

// ExampleSerialize demonstrates moving a parked fiber to another scheduler.
func ExampleSerialize() {
	fiber.RegisterBody("example.ticker", ticker)

	src, _ := fiber.NewPoolScheduler(fiber.WithLogger(nil), fiber.WithParallelism(1))
	defer src.Close(context.Background())
	dst, _ := fiber.NewPoolScheduler(fiber.WithLogger(nil), fiber.WithParallelism(1))
	defer dst.Close(context.Background())

	original, err := fiber.Go(ticker, fiber.WithScheduler(src), fiber.WithBodyName("example.ticker"))
	if err != nil {
		fmt.Println("failed to start fiber:", err)
		return
	}

	// Serialize is rejected until the fiber has finished parking.
	var data []byte
	for data == nil {
		if data, err = fiber.Serialize(original); err != nil {
			time.Sleep(time.Millisecond)
		}
	}

	restored, err := fiber.Deserialize(data, fiber.WithScheduler(dst))
	if err != nil {
		fmt.Println("failed to restore fiber:", err)
		return
	}
	for !restored.IsDone() {
		restored.Unpark(nil)
		time.Sleep(time.Millisecond)
	}
	fmt.Println(restored.Get(context.Background()))

	// Output:
	// tick 0
	// tick 1
	// tick 2
	// 3 <nil>
}
