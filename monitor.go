package fiber

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor observes scheduler and fiber events. Methods are called on hot
// paths, from carriers and the timer goroutine, and must not block.
type Monitor interface {
	// FiberSubmitted is called each time a fiber is handed to its scheduler.
	// start is set for the first submission.
	FiberSubmitted(f *Fiber, start bool)
	FiberSuspended(f *Fiber)
	FiberTerminated(f *Fiber, err error)
	// SpuriousWakeup is called when a parked fiber resumed without its wait
	// condition being met.
	SpuriousWakeup(f *Fiber)
	// TimedParkLatency is the delay between a timed park's deadline and the
	// timer firing.
	TimedParkLatency(d time.Duration)
	FiberRunaway(r RunawayReport)
}

// NopMonitor discards every event.
type NopMonitor struct{}

var _ Monitor = NopMonitor{}

func (NopMonitor) FiberSubmitted(*Fiber, bool)    {}
func (NopMonitor) FiberSuspended(*Fiber)          {}
func (NopMonitor) FiberTerminated(*Fiber, error)  {}
func (NopMonitor) SpuriousWakeup(*Fiber)          {}
func (NopMonitor) TimedParkLatency(time.Duration) {}
func (NopMonitor) FiberRunaway(RunawayReport)     {}

// MonitorStats are the counters of a BasicMonitor.
type MonitorStats struct {
	Started         uint64
	Submitted       uint64
	Suspended       uint64
	Terminated      uint64
	Failed          uint64
	SpuriousWakeups uint64
	Runaways        uint64
	TimedParks      uint64
	// Live is Started less Terminated.
	Live int64
	// MaxTimedParkLatency is the worst observed timer lateness.
	MaxTimedParkLatency  time.Duration
	MeanTimedParkLatency time.Duration
}

// BasicMonitor counts events.
type BasicMonitor struct {
	started      atomic.Uint64
	submitted    atomic.Uint64
	suspended    atomic.Uint64
	terminated   atomic.Uint64
	failed       atomic.Uint64
	spurious     atomic.Uint64
	runaways     atomic.Uint64
	timedParks   atomic.Uint64
	latencyTotal atomic.Int64
	latencyMax   atomic.Int64
}

var _ Monitor = (*BasicMonitor)(nil)

// NewBasicMonitor returns a zeroed BasicMonitor.
func NewBasicMonitor() *BasicMonitor { return &BasicMonitor{} }

func (m *BasicMonitor) FiberSubmitted(_ *Fiber, start bool) {
	if start {
		m.started.Add(1)
	}
	m.submitted.Add(1)
}

func (m *BasicMonitor) FiberSuspended(*Fiber) { m.suspended.Add(1) }

func (m *BasicMonitor) FiberTerminated(_ *Fiber, err error) {
	m.terminated.Add(1)
	if err != nil {
		m.failed.Add(1)
	}
}

func (m *BasicMonitor) SpuriousWakeup(*Fiber) { m.spurious.Add(1) }

func (m *BasicMonitor) TimedParkLatency(d time.Duration) {
	m.timedParks.Add(1)
	m.latencyTotal.Add(int64(d))
	for {
		cur := m.latencyMax.Load()
		if int64(d) <= cur || m.latencyMax.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (m *BasicMonitor) FiberRunaway(RunawayReport) { m.runaways.Add(1) }

// Stats returns a snapshot. Counters are read independently.
func (m *BasicMonitor) Stats() MonitorStats {
	s := MonitorStats{
		Started:             m.started.Load(),
		Submitted:           m.submitted.Load(),
		Suspended:           m.suspended.Load(),
		Terminated:          m.terminated.Load(),
		Failed:              m.failed.Load(),
		SpuriousWakeups:     m.spurious.Load(),
		Runaways:            m.runaways.Load(),
		TimedParks:          m.timedParks.Load(),
		MaxTimedParkLatency: time.Duration(m.latencyMax.Load()),
	}
	s.Live = int64(s.Started) - int64(s.Terminated)
	if s.TimedParks != 0 {
		s.MeanTimedParkLatency = time.Duration(m.latencyTotal.Load() / int64(s.TimedParks))
	}
	return s
}

// FiberInfo is a diagnostic view of a live fiber.
type FiberInfo struct {
	Blocker any
	Name    string
	// Stack is only captured when detailed info is enabled.
	Stack []byte
	ID    int64
	Runs  uint64
	State State
}

// DetailedMonitor is a BasicMonitor that also keeps a registry of live
// fibers.
type DetailedMonitor struct {
	BasicMonitor
	fibers    sync.Map
	withStack bool
}

var _ Monitor = (*DetailedMonitor)(nil)

// NewDetailedMonitor returns a DetailedMonitor. If withStack is set, Fibers
// captures each fiber's goroutine stack, which is expensive.
func NewDetailedMonitor(withStack bool) *DetailedMonitor {
	return &DetailedMonitor{withStack: withStack}
}

func (m *DetailedMonitor) FiberSubmitted(f *Fiber, start bool) {
	if start {
		m.fibers.Store(f.id, f)
	}
	m.BasicMonitor.FiberSubmitted(f, start)
}

func (m *DetailedMonitor) FiberTerminated(f *Fiber, err error) {
	m.fibers.Delete(f.id)
	m.BasicMonitor.FiberTerminated(f, err)
}

// Fibers lists the live fibers, ordered by id.
func (m *DetailedMonitor) Fibers() []FiberInfo {
	var out []FiberInfo
	m.fibers.Range(func(_, v any) bool {
		f := v.(*Fiber)
		info := FiberInfo{
			ID:      f.id,
			Name:    f.Name(),
			State:   f.State(),
			Runs:    f.Runs(),
			Blocker: f.Blocker(),
		}
		if m.withStack {
			info.Stack = f.StackTrace()
		}
		out = append(out, info)
		return true
	})
	slices.SortFunc(out, func(a, b FiberInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func newMonitor(t MonitorType, detailedInfo bool) Monitor {
	switch t {
	case MonitorBasic:
		return NewBasicMonitor()
	case MonitorDetailed:
		return NewDetailedMonitor(detailedInfo)
	default:
		return NopMonitor{}
	}
}
