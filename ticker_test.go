package autorelease

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCountingTicker(s Scheduler) (*ticker, *int32) {
	var sweeps int32
	tk := newTicker(s, TickDuration, func() { atomic.AddInt32(&sweeps, 1) }, nil)
	return tk, &sweeps
}

func TestTickerStateString(t *testing.T) {
	assert.Equal(t, "idle", TickerIdle.String())
	assert.Equal(t, "waiting", TickerWaiting.String())
	assert.Equal(t, "sweeping", TickerSweeping.String())
	assert.Equal(t, "stopped", TickerStopped.String())
	assert.Equal(t, "unknown", TickerState(42).String())
}

func TestTickerStartArmsOnce(t *testing.T) {
	s := newManualScheduler()
	tk, sweeps := newCountingTicker(s)
	assert.Equal(t, TickerIdle, tk.getState())

	tk.start()
	tk.start()
	assert.Equal(t, TickerWaiting, tk.getState())
	assert.Equal(t, 1, s.pendingCount(), "start while waiting must not arm again")

	require.Equal(t, 1, s.fire())
	assert.Equal(t, int32(1), atomic.LoadInt32(sweeps))
	assert.Equal(t, TickerWaiting, tk.getState())
	assert.Equal(t, 1, s.pendingCount(), "fire re-arms the next sweep")
}

func TestTickerScheduleUsesInterval(t *testing.T) {
	s := newManualScheduler()
	tk, _ := newCountingTicker(s)
	tk.start()

	timers := s.take()
	require.Len(t, timers, 1)
	assert.Equal(t, TickDuration, timers[0].delay)
}

func TestTickerStopPreventsSweep(t *testing.T) {
	s := newManualScheduler()
	tk, sweeps := newCountingTicker(s)
	tk.start()

	tk.stop()
	assert.Equal(t, TickerStopped, tk.getState())
	assert.Equal(t, 0, s.fire())
	assert.Equal(t, int32(0), atomic.LoadInt32(sweeps))
}

func TestTickerStaleCallbackIgnored(t *testing.T) {
	s := newManualScheduler()
	tk, sweeps := newCountingTicker(s)

	tk.start()
	stale := s.take()
	require.Len(t, stale, 1)

	tk.stop()
	tk.start()
	require.Equal(t, TickerWaiting, tk.getState())

	// 已 dispose 的 timer 仍可能被執行，generation 不符必須忽略
	stale[0].task()
	assert.Equal(t, int32(0), atomic.LoadInt32(sweeps))
	assert.Equal(t, 1, s.pendingCount())

	s.fire()
	assert.Equal(t, int32(1), atomic.LoadInt32(sweeps))
}

func TestTickerRestartAfterStop(t *testing.T) {
	s := newManualScheduler()
	tk, sweeps := newCountingTicker(s)

	tk.start()
	tk.stop()
	tk.start()

	assert.Equal(t, TickerWaiting, tk.getState())
	s.fire()
	assert.Equal(t, int32(1), atomic.LoadInt32(sweeps))
}

func TestTickerScheduleFailure(t *testing.T) {
	s := newManualScheduler()
	boom := errors.New("boom")
	s.setErr(boom)

	var reported error
	tk := newTicker(s, TickDuration, func() {}, func(err error) { reported = err })
	tk.start()

	assert.Equal(t, TickerStopped, tk.getState())
	assert.ErrorIs(t, tk.lastError(), boom)
	assert.ErrorIs(t, reported, boom)

	// 排程恢復後 start 會清掉錯誤
	s.setErr(nil)
	tk.start()
	assert.Equal(t, TickerWaiting, tk.getState())
	assert.NoError(t, tk.lastError())
}

func TestTickerFailureOnRearmStopsAfterSweep(t *testing.T) {
	s := newManualScheduler()
	var sweeps int32
	tk := newTicker(s, TickDuration, func() {
		atomic.AddInt32(&sweeps, 1)
		s.setErr(ErrSchedulerClosed)
	}, nil)
	tk.start()

	s.fire()
	assert.Equal(t, int32(1), atomic.LoadInt32(&sweeps))
	assert.Equal(t, TickerStopped, tk.getState())
	assert.ErrorIs(t, tk.lastError(), ErrSchedulerClosed)
	assert.Equal(t, 0, s.pendingCount())
}

func TestTickerStopWaitsForSweep(t *testing.T) {
	s := newManualScheduler()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var finished atomic.Bool

	tk := newTicker(s, TickDuration, func() {
		close(entered)
		<-unblock
		finished.Store(true)
	}, nil)
	tk.start()

	go s.fire()
	<-entered
	assert.Equal(t, TickerSweeping, tk.getState())

	stopped := make(chan struct{})
	go func() {
		tk.stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a sweep was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	<-stopped
	assert.True(t, finished.Load())
	assert.Equal(t, TickerStopped, tk.getState())
	assert.Equal(t, 0, s.fire(), "timer armed by the finished sweep is cancelled")
}

func TestTickerExclusive(t *testing.T) {
	s := newManualScheduler()
	tk, _ := newCountingTicker(s)

	ran := false
	tk.exclusive(func() { ran = true })
	assert.True(t, ran)
}
