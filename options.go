// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// maxParallelism caps the carrier count of a PoolScheduler.
	maxParallelism = 0x7fff

	defaultBackpressureThreshold = 800
	defaultBackpressurePause     = time.Millisecond
	defaultRunawayScanInterval   = time.Second
)

// fiberOptions holds configuration options for Fiber creation.
type fiberOptions struct {
	scheduler Scheduler
	uncaught  UncaughtHandler
	parent    Strand
	name      string
	bodyName  string
	stackSize int
}

// --- Fiber Options ---

// Option configures a Fiber instance.
type Option interface {
	applyFiber(*fiberOptions) error
}

// fiberOptionImpl implements Option.
type fiberOptionImpl struct {
	applyFiberFunc func(*fiberOptions) error
}

func (f *fiberOptionImpl) applyFiber(opts *fiberOptions) error {
	return f.applyFiberFunc(opts)
}

// WithName sets the fiber's name.
func WithName(name string) Option {
	return &fiberOptionImpl{func(opts *fiberOptions) error {
		opts.name = name
		return nil
	}}
}

// WithScheduler binds the fiber to a scheduler. By default a fiber created
// from within another fiber inherits its scheduler, and any other fiber uses
// [DefaultScheduler].
func WithScheduler(s Scheduler) Option {
	return &fiberOptionImpl{func(opts *fiberOptions) error {
		opts.scheduler = s
		return nil
	}}
}

// WithStackSize sets the initial slot capacity hint of the fiber's
// continuation stack.
func WithStackSize(slots int) Option {
	return &fiberOptionImpl{func(opts *fiberOptions) error {
		if slots < 0 {
			return fmt.Errorf("fiber: invalid stack size %d", slots)
		}
		opts.stackSize = slots
		return nil
	}}
}

// WithUncaughtHandler sets a per-fiber handler for body failures. It takes
// precedence over the scheduler's handler.
func WithUncaughtHandler(h UncaughtHandler) Option {
	return &fiberOptionImpl{func(opts *fiberOptions) error {
		opts.uncaught = h
		return nil
	}}
}

// WithBodyName records the name the body was registered under via
// [RegisterBody], which is required to [Serialize] the fiber.
func WithBodyName(name string) Option {
	return &fiberOptionImpl{func(opts *fiberOptions) error {
		opts.bodyName = name
		return nil
	}}
}

// WithParent records the strand that created the fiber. It defaults to the
// calling strand.
func WithParent(s Strand) Option {
	return &fiberOptionImpl{func(opts *fiberOptions) error {
		opts.parent = s
		return nil
	}}
}

// resolveFiberOptions applies Option instances to fiberOptions.
func resolveFiberOptions(opts []Option) (*fiberOptions, error) {
	cfg := &fiberOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyFiber(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// schedulerOptions holds configuration options for scheduler creation.
type schedulerOptions struct {
	logger                *logiface.Logger[logiface.Event]
	uncaught              UncaughtHandler
	monitor               Monitor
	runawayHandler        func(RunawayReport)
	name                  string
	parallelism           int
	monitorType           MonitorType
	backpressureThreshold int
	backpressurePause     time.Duration
	runawayScanInterval   time.Duration
	runawayThreshold      time.Duration
	detailedInfo          bool
	lockedCarriers        bool
	loggerSet             bool
}

// --- Scheduler Options ---

// SchedulerOption configures a PoolScheduler or ExecutorScheduler.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionImpl implements SchedulerOption.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (s *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return s.applySchedulerFunc(opts)
}

// WithSchedulerName names the scheduler in logs and diagnostics.
func WithSchedulerName(name string) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.name = name
		return nil
	}}
}

// WithParallelism sets the number of carriers. Values outside
// [1, 0x7fff] are rejected.
func WithParallelism(n int) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if n < 1 || n > maxParallelism {
			return fmt.Errorf("fiber: parallelism %d out of range [1,%d]", n, maxParallelism)
		}
		opts.parallelism = n
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		opts.loggerSet = true
		return nil
	}}
}

// WithSchedulerUncaughtHandler sets the handler for fibers without their own.
func WithSchedulerUncaughtHandler(h UncaughtHandler) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.uncaught = h
		return nil
	}}
}

// WithMonitor installs a custom Monitor, overriding WithMonitorType.
func WithMonitor(m Monitor) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.monitor = m
		return nil
	}}
}

// WithMonitorType selects one of the built-in monitors.
func WithMonitorType(t MonitorType) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if t < MonitorNone || t > MonitorDetailed {
			return fmt.Errorf("fiber: unknown monitor type %d", t)
		}
		opts.monitorType = t
		return nil
	}}
}

// WithDetailedFiberInfo makes the detailed monitor capture stack traces.
func WithDetailedFiberInfo(enabled bool) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.detailedInfo = enabled
		return nil
	}}
}

// WithLockedCarriers wires every carrier goroutine to its own OS thread.
func WithLockedCarriers(enabled bool) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.lockedCarriers = enabled
		return nil
	}}
}

// WithBackpressure configures the timed scheduler's throttling: when the
// pool's queue is longer than threshold, timer dispatch pauses for pause.
func WithBackpressure(threshold int, pause time.Duration) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if threshold < 0 || pause < 0 {
			return errors.New("fiber: invalid backpressure configuration")
		}
		opts.backpressureThreshold = threshold
		opts.backpressurePause = pause
		return nil
	}}
}

// WithRunawayDetection configures the runaway fiber scan. An interval of
// zero disables it. A threshold of zero defaults to the interval.
func WithRunawayDetection(interval, threshold time.Duration) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if interval < 0 || threshold < 0 {
			return errors.New("fiber: invalid runaway detection configuration")
		}
		opts.runawayScanInterval = interval
		opts.runawayThreshold = threshold
		return nil
	}}
}

// WithRunawayHandler receives every runaway report, in addition to the
// monitor and the (rate limited) log.
func WithRunawayHandler(fn func(RunawayReport)) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.runawayHandler = fn
		return nil
	}}
}

// resolveSchedulerOptions applies SchedulerOption instances on top of the
// process configuration.
func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	conf := LoadConfig()
	cfg := &schedulerOptions{
		parallelism:           conf.Parallelism,
		monitorType:           conf.Monitor,
		detailedInfo:          conf.DetailedInfo,
		backpressureThreshold: defaultBackpressureThreshold,
		backpressurePause:     defaultBackpressurePause,
		runawayScanInterval:   defaultRunawayScanInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.loggerSet {
		cfg.logger = newDefaultLogger(conf.LogLevel)
	}
	if cfg.runawayThreshold == 0 {
		cfg.runawayThreshold = cfg.runawayScanInterval
	}
	if cfg.monitor == nil {
		cfg.monitor = newMonitor(cfg.monitorType, cfg.detailedInfo)
	}
	return cfg, nil
}

// asyncOptions holds configuration options for an Async operation.
type asyncOptions struct {
	immediateExec bool
}

// --- Async Options ---

// AsyncOption configures an Async operation.
type AsyncOption interface {
	applyAsync(*asyncOptions) error
}

// asyncOptionImpl implements AsyncOption.
type asyncOptionImpl struct {
	applyAsyncFunc func(*asyncOptions) error
}

func (a *asyncOptionImpl) applyAsync(opts *asyncOptions) error {
	return a.applyAsyncFunc(opts)
}

// WithImmediateExec makes a completion delivered from a carrier of the
// waiting fiber's scheduler resume the fiber inline on that carrier.
func WithImmediateExec(enabled bool) AsyncOption {
	return &asyncOptionImpl{func(opts *asyncOptions) error {
		opts.immediateExec = enabled
		return nil
	}}
}

// resolveAsyncOptions applies AsyncOption instances to asyncOptions.
func resolveAsyncOptions(opts []AsyncOption) (*asyncOptions, error) {
	cfg := &asyncOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyAsync(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
