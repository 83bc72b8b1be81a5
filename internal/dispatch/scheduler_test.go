package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/heartbeat"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/logging"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/transmission"
)

type fakeCycler struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
	gate  chan struct{}
}

func (c *fakeCycler) ExecuteDrainCycle(context.Context) (transmission.CycleSummary, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return transmission.CycleSummary{}, c.err
}

func (c *fakeCycler) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

const (
	debounce  = 2 * time.Second
	frequency = 10 * time.Second
)

func newScheduler(t *testing.T, cycler Cycler, mode Mode, mock *clock.Mock) *Scheduler {
	t.Helper()
	s := New(cycler, Options{
		Mode:      mode,
		Frequency: frequency,
		Debounce:  debounce,
		Throttle:  time.Hour,
		Clock:     mock,
		Logger:    logging.Discard(),
	})
	t.Cleanup(s.Stop)
	return s
}

func waitCalls(t *testing.T, c *fakeCycler, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return c.calls.Load() == n }, time.Second, time.Millisecond)
}

func TestBurstIsDebouncedIntoOneCycle(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{}
	s := newScheduler(t, cycler, ModeTimer, mock)

	for i := 0; i < 5; i++ {
		s.OnDataAvailable(events.BucketOnline)
		mock.Add(debounce / 2)
	}
	assert.Zero(t, cycler.calls.Load())

	mock.Add(debounce)
	waitCalls(t, cycler, 1)
}

func TestDrainedCycleStopsPeriodicTimer(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	waitCalls(t, cycler, 1)
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, "drained", s.LastResult())

	mock.Add(5 * frequency)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, cycler.calls.Load())

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	waitCalls(t, cycler, 2)
}

func TestFailedCycleRetriesOnFrequency(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{err: errors.New("collector down")}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	waitCalls(t, cycler, 1)

	require.Eventually(t, func() bool {
		mock.Add(frequency)
		return cycler.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Running())

	cycler.setErr(nil)
	require.Eventually(t, func() bool {
		mock.Add(frequency)
		return !s.Running()
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectStopsAndIgnoresData(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{err: errors.New("collector down")}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	waitCalls(t, cycler, 1)

	s.OnConnectivity(heartbeat.StatusDisconnect)
	assert.False(t, s.Running())
	s.OnDataAvailable(events.BucketOffline)
	mock.Add(5 * frequency)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, cycler.calls.Load())

	s.OnConnectivity(heartbeat.StatusReconnect)
	s.OnDataAvailable(events.BucketOffline)
	mock.Add(debounce)
	waitCalls(t, cycler, 2)
}

func TestStaleCompletionIsIgnored(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{err: errors.New("collector down"), gate: make(chan struct{})}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	waitCalls(t, cycler, 1)

	s.OnConnectivity(heartbeat.StatusDisconnect)
	close(cycler.gate)
	time.Sleep(10 * time.Millisecond)

	mock.Add(5 * frequency)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, cycler.calls.Load())
	assert.False(t, s.Running())
}

func TestDataDuringCycleTriggersAnotherCycle(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{gate: make(chan struct{})}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	waitCalls(t, cycler, 1)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	close(cycler.gate)

	require.Eventually(t, func() bool {
		mock.Add(debounce)
		return cycler.calls.Load() == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, "drained", s.LastResult())

	mock.Add(10 * frequency)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 2, cycler.calls.Load())
}

func TestManualModeOnlyRunsOnRequest(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{}
	s := newScheduler(t, cycler, ModeManual, mock)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(10 * debounce)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, cycler.calls.Load())

	_, err := s.DispatchNow(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, cycler.calls.Load())

	_, err = s.DispatchNow(context.Background())
	require.ErrorIs(t, err, ErrThrottled)
	assert.EqualValues(t, 1, cycler.calls.Load())
}

func TestSetModeAtRuntime(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{err: errors.New("collector down")}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.OnDataAvailable(events.BucketOnline)
	mock.Add(debounce)
	waitCalls(t, cycler, 1)
	require.Eventually(t, func() bool { return s.Running() }, time.Second, time.Millisecond)

	s.SetMode(ModeManual)
	assert.Equal(t, ModeManual, s.Mode())
	assert.False(t, s.Running())
	mock.Add(5 * frequency)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, cycler.calls.Load())

	s.SetMode(ModeTimer)
	mock.Add(debounce)
	waitCalls(t, cycler, 2)
}

func TestStopPreventsFurtherCycles(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.OnDataAvailable(events.BucketOnline)
	s.Stop()
	mock.Add(debounce)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, cycler.calls.Load())

	_, err := s.DispatchNow(context.Background())
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("manual")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, m)
	_, err = ParseMode("cron")
	require.Error(t, err)
}

func TestPauseAndResume(t *testing.T) {
	mock := clock.NewMock()
	cycler := &fakeCycler{}
	s := newScheduler(t, cycler, ModeTimer, mock)

	s.Pause()
	s.OnDataAvailable(events.BucketOnline)
	mock.Add(10 * debounce)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, cycler.calls.Load())

	s.Resume()
	mock.Add(debounce)
	waitCalls(t, cycler, 1)
}
