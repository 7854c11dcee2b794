package fiber

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMonitor struct {
	mock.Mock
}

var _ Monitor = (*mockMonitor)(nil)

func (m *mockMonitor) FiberSubmitted(f *Fiber, start bool) { m.Called(f, start) }
func (m *mockMonitor) FiberSuspended(f *Fiber)             { m.Called(f) }
func (m *mockMonitor) FiberTerminated(f *Fiber, err error) { m.Called(f, err) }
func (m *mockMonitor) SpuriousWakeup(f *Fiber)             { m.Called(f) }
func (m *mockMonitor) TimedParkLatency(d time.Duration)    { m.Called(d) }
func (m *mockMonitor) FiberRunaway(r RunawayReport)        { m.Called(r) }

func TestMonitor_events(t *testing.T) {
	m := new(mockMonitor)
	m.On("FiberRunaway", mock.Anything).Maybe()
	s := newTestScheduler(t, WithMonitor(m))
	assert.Same(t, m, s.Monitor())

	f, err := New(func(f *Fiber) (any, error) {
		f.Park(nil)
		return nil, nil
	}, WithScheduler(s))
	require.NoError(t, err)

	m.On("FiberSubmitted", f, true).Once()
	m.On("FiberSuspended", f).Once()
	m.On("FiberSubmitted", f, false).Once()
	m.On("FiberTerminated", f, nil).Once()

	require.NoError(t, f.Start())
	waitParked(t, f)
	f.Unpark(nil)
	_, err = getResult(t, f)
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestBasicMonitor_stats(t *testing.T) {
	m := NewBasicMonitor()
	s := newTestScheduler(t, WithMonitor(m))

	ok := mustGo(t, s, func(*Fiber) (any, error) { return nil, nil })
	failed := mustGo(t, s, func(*Fiber) (any, error) { return nil, errors.New("x") })
	timed := mustGo(t, s, func(f *Fiber) (any, error) {
		f.ParkTimeout(nil, 5*time.Millisecond)
		return nil, nil
	})
	for _, f := range []*Fiber{ok, failed, timed} {
		_, _ = getResult(t, f)
	}

	st := m.Stats()
	assert.Equal(t, uint64(3), st.Started)
	assert.Equal(t, uint64(4), st.Submitted)
	assert.Equal(t, uint64(1), st.Suspended)
	assert.Equal(t, uint64(3), st.Terminated)
	assert.Equal(t, uint64(1), st.Failed)
	assert.Equal(t, uint64(1), st.TimedParks)
	assert.Zero(t, st.Live)
	assert.Zero(t, st.Runaways)
	assert.GreaterOrEqual(t, st.MaxTimedParkLatency, time.Duration(0))
	assert.Equal(t, st.MaxTimedParkLatency, st.MeanTimedParkLatency)
}

func TestBasicMonitor_latency(t *testing.T) {
	m := NewBasicMonitor()
	m.TimedParkLatency(time.Millisecond)
	m.TimedParkLatency(3 * time.Millisecond)
	st := m.Stats()
	assert.Equal(t, 3*time.Millisecond, st.MaxTimedParkLatency)
	assert.Equal(t, 2*time.Millisecond, st.MeanTimedParkLatency)
}

func TestBasicMonitor_spuriousWakeup(t *testing.T) {
	m := NewBasicMonitor()
	s := newTestScheduler(t, WithMonitor(m))
	f := mustGo(t, s, func(f *Fiber) (any, error) {
		return nil, f.Sleep(50 * time.Millisecond)
	})
	waitParked(t, f)
	f.Unpark(nil)
	_, err := getResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Stats().SpuriousWakeups)
}

func TestDetailedMonitor_fibers(t *testing.T) {
	for _, withStack := range []bool{false, true} {
		m := NewDetailedMonitor(withStack)
		s := newTestScheduler(t, WithMonitor(m))
		blocker := "blocker"
		a := mustGo(t, s, func(f *Fiber) (any, error) {
			f.Park(blocker)
			return nil, nil
		}, WithName("a"))
		b := mustGo(t, s, func(f *Fiber) (any, error) {
			f.Park(blocker)
			return nil, nil
		}, WithName("b"))
		waitParked(t, a)
		waitParked(t, b)

		infos := m.Fibers()
		require.Len(t, infos, 2)
		assert.Equal(t, a.ID(), infos[0].ID)
		assert.Equal(t, "a", infos[0].Name)
		assert.Equal(t, "b", infos[1].Name)
		for _, info := range infos {
			assert.Equal(t, StateWaiting, info.State)
			assert.Equal(t, uint64(1), info.Runs)
			assert.Equal(t, blocker, info.Blocker)
			if withStack {
				assert.NotEmpty(t, info.Stack)
			} else {
				assert.Nil(t, info.Stack)
			}
		}

		a.Unpark(nil)
		b.Unpark(nil)
		for _, f := range []*Fiber{a, b} {
			_, err := getResult(t, f)
			require.NoError(t, err)
		}
		assert.Empty(t, m.Fibers())
		assert.Equal(t, uint64(2), m.Stats().Terminated)
	}
}

func TestNewMonitor(t *testing.T) {
	assert.IsType(t, NopMonitor{}, newMonitor(MonitorNone, false))
	assert.IsType(t, &BasicMonitor{}, newMonitor(MonitorBasic, false))
	d, ok := newMonitor(MonitorDetailed, true).(*DetailedMonitor)
	require.True(t, ok)
	assert.True(t, d.withStack)

	s := newTestScheduler(t, WithMonitorType(MonitorDetailed))
	assert.IsType(t, &DetailedMonitor{}, s.Monitor())
}
