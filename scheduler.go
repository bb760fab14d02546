package autorelease

import (
	"errors"
	"sync"
	"time"

	"github.com/jiansoft/robin"
)

// ErrSchedulerClosed is returned when a task is scheduled after Close.
var ErrSchedulerClosed = errors.New("autorelease: scheduler closed")

// Scheduler runs delayed tasks for the queue's ticker.
//
// Tasks must run one at a time. The queue owns its Scheduler and closes it
// in Queue.Close.
type Scheduler interface {
	// Schedule runs task once after delay. Disposing the returned value
	// prevents a task that has not started yet from running.
	Schedule(delay time.Duration, task func()) (robin.Disposable, error)
	// Close waits for queued tasks to finish and shuts the scheduler down.
	Close()
}

// fiberScheduler runs every task on one dedicated goroutine backed by a
// robin.GoroutineSingle fiber.
type fiberScheduler struct {
	mu     sync.Mutex
	fiber  *robin.GoroutineSingle
	closed bool
}

// NewFiberScheduler starts a Scheduler with its own goroutine.
func NewFiberScheduler() Scheduler {
	return newFiberScheduler()
}

func newFiberScheduler() *fiberScheduler {
	fiber := robin.NewGoroutineSingle()
	fiber.Start()
	return &fiberScheduler{fiber: fiber}
}

// Schedule implements Scheduler.
func (fs *fiberScheduler) Schedule(delay time.Duration, task func()) (robin.Disposable, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, ErrSchedulerClosed
	}

	return fs.fiber.Schedule(delay.Milliseconds(), task), nil
}

// Close implements Scheduler.
//
// It must not be called from a task running on the scheduler; that would wait
// on itself forever.
func (fs *fiberScheduler) Close() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.mu.Unlock()

	// fiber 是單一 goroutine 依序執行，哨兵任務執行時代表之前的任務都已結束
	drained := make(chan struct{})
	fs.fiber.Enqueue(func() { close(drained) })
	<-drained

	fs.fiber.Dispose()
}
