// Package autorelease keeps reference-counted objects alive for a bounded
// grace period after their last external user let go of them.
//
// A Queue holds one strong reference per Prolong call. A background sweep
// runs every TickDuration and releases the references older than
// ObjectLifetime. Queue state can be saved and loaded across sessions.
package autorelease

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Queue delays the release of prolonged objects.
	Queue struct {
		id        string
		registry  Registry
		policy    LifetimePolicy
		queue     delayQueue
		ticker    *ticker
		scheduler Scheduler
		logger    *slog.Logger
		metrics   *Metrics
		// toRelease 重複使用的暫存區，只在持有 ticker.mu 時存取
		toRelease []entry
		stats     struct {
			prolonged int64
			released  int64
			sweeps    int64
		}
		closed atomic.Bool
	}

	// Option configures a Queue.
	Option func(*queueOptions)

	queueOptions struct {
		logger    *slog.Logger
		registry  prometheus.Registerer
		scheduler Scheduler
		policy    LifetimePolicy
	}
)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *queueOptions) {
		o.logger = logger
	}
}

// WithRegisterer registers the queue's metrics with reg. Without it no
// metrics are recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *queueOptions) {
		o.registry = reg
	}
}

// WithScheduler replaces the dedicated fiber scheduler. The queue takes
// ownership of s and closes it in Close.
func WithScheduler(s Scheduler) Option {
	return func(o *queueOptions) {
		o.scheduler = s
	}
}

// WithLifetimePolicy replaces how the queue retains and releases objects.
// The default calls Object.Retain and Object.FinalRelease.
func WithLifetimePolicy(p LifetimePolicy) Option {
	return func(o *queueOptions) {
		o.policy = p
	}
}

// New creates a Queue and starts its background sweep.
//
// registry is only used to load LegacyVersion state and may be nil otherwise.
// Close must be called before the objects' registry is torn down.
func New(registry Registry, opts ...Option) *Queue {
	o := queueOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.scheduler == nil {
		o.scheduler = newFiberScheduler()
	}
	if o.policy == nil {
		o.policy = objectLifetimePolicy{}
	}

	q := &Queue{
		id:        uuid.NewString(),
		registry:  registry,
		policy:    o.policy,
		scheduler: o.scheduler,
	}
	q.logger = o.logger.With("queue", q.id)
	if o.registry != nil {
		q.metrics = NewMetricsWithRegistry(prometheus.WrapRegistererWith(prometheus.Labels{"queue": q.id}, o.registry))
	}

	q.ticker = newTicker(q.scheduler, TickDuration, q.sweep, q.onScheduleFailure)
	q.ticker.start()

	q.logger.Debug("aqueue created")
	return q
}

// ID returns the identifier the queue logs and labels its metrics with.
func (q *Queue) ID() string {
	return q.id
}

// Prolong keeps obj alive for about ObjectLifetime.
//
// A public prolongation gets the full grace period. A private one is meant for
// short-lived internal uses and becomes eligible at the next sweep.
func (q *Queue) Prolong(obj Object, isPublic bool) {
	if obj == nil {
		return
	}

	ref := newOwnedRef(obj, q.policy)
	pushed := q.queue.push(ref, isPublic)
	atomic.AddInt64(&q.stats.prolonged, 1)

	if q.logger.Enabled(context.Background(), slog.LevelDebug) {
		q.logger.Debug("aqueue: added", "uid", obj.UID(), "visibility", visibility(isPublic), "pushed", pushed)
	}
	q.metrics.RecordProlong(isPublic, q.queue.count())
}

// Count returns the number of entries in the queue.
func (q *Queue) Count() int {
	return q.queue.count()
}

// Tick returns the current tick counter.
func (q *Queue) Tick() TimePoint {
	return q.queue.now()
}

// LifetimeDiff returns how many ticks passed since pushed.
func (q *Queue) LifetimeDiff(pushed TimePoint) TimePoint {
	return TimeSubtract(q.queue.now(), pushed)
}

// Range calls fn for every entry in insertion order until fn returns false.
// Entries given up by Nullify are skipped.
//
// fn runs on a copy of the queue and may call back into the Queue.
func (q *Queue) Range(fn func(obj Object, pushed TimePoint) bool) {
	_, entries := q.queue.snapshot()
	for _, e := range entries {
		obj := e.ref.object()
		if obj == nil {
			continue
		}
		if !fn(obj, e.pushed) {
			return
		}
	}
}

// Start resumes the background sweep after Stop or Clear.
func (q *Queue) Start() {
	q.ticker.start()
}

// Stop cancels the background sweep. It waits for a running sweep to finish
// and no sweep starts after it returns.
func (q *Queue) Stop() {
	q.ticker.stop()
}

// State returns the state of the background sweep.
func (q *Queue) State() TickerState {
	return q.ticker.getState()
}

// Err returns the error that stopped the background sweep, or nil.
func (q *Queue) Err() error {
	return q.ticker.lastError()
}

// SweepNow runs one sweep synchronously, exactly as the background timer
// would. It never overlaps a background sweep.
func (q *Queue) SweepNow() {
	q.ticker.exclusive(q.sweep)
}

// Clear stops the background sweep, releases every entry and resets the tick
// counter to zero. Call Start to resume sweeping.
func (q *Queue) Clear() {
	q.ticker.stop()

	taken := q.queue.takeAll()
	released := releaseEntries(taken)
	atomic.AddInt64(&q.stats.released, int64(released))

	q.logger.Debug("aqueue cleared", "entries", len(taken), "released", released)
	q.metrics.RecordReset(released, 0, 0)
}

// Nullify makes every entry give up its reference without releasing it.
//
// UNSAFE: this is the last-resort path for an abnormal teardown where the
// objects' registry is already gone and running the release would touch freed
// state. The references are leaked on purpose. The entries stay in the queue
// and are dropped without release by the next sweep or Clear.
func (q *Queue) Nullify() {
	n := q.queue.nullifyAll()
	q.logger.Warn("aqueue nullified", "abandoned", n)
}

// Close stops the background sweep and shuts down its scheduler, waiting for
// the scheduler goroutine to finish. It is safe to call more than once.
//
// The queue should be empty by then (see Clear): releasing entries later may
// touch an object registry that no longer exists.
func (q *Queue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}

	q.ticker.stop()
	q.scheduler.Close()

	if n := q.queue.count(); n > 0 {
		q.logger.Warn("aqueue closed with entries still queued", "count", n)
	}
	q.logger.Debug("aqueue destroyed")
}

// Statistics returns a snapshot of the queue counters.
func (q *Queue) Statistics() Statistics {
	return Statistics{
		totalProlonged: atomic.LoadInt64(&q.stats.prolonged),
		totalReleased:  atomic.LoadInt64(&q.stats.released),
		totalSweeps:    atomic.LoadInt64(&q.stats.sweeps),
		count:          q.queue.count(),
		tick:           q.queue.now(),
		state:          q.ticker.getState(),
	}
}

// sweep 執行一次過期檢查，呼叫時必須持有 ticker.mu
//
// 1. 在 queue 鎖內找出過期項目並前進 tick
// 2. 離開 queue 鎖後才釋放，FinalRelease 可能回頭呼叫 Prolong
func (q *Queue) sweep() {
	started := time.Now()

	var scanned TimePoint
	q.toRelease, scanned = q.queue.expire(q.toRelease[:0])

	if q.logger.Enabled(context.Background(), slog.LevelDebug) {
		for _, e := range q.toRelease {
			if obj := e.ref.object(); obj != nil {
				q.logger.Debug("aqueue: expired", "uid", obj.UID(), "diff", TimeSubtract(scanned, e.pushed)+oneTick)
			}
		}
	}

	released := releaseEntries(q.toRelease)
	clear(q.toRelease)
	q.toRelease = q.toRelease[:0]

	atomic.AddInt64(&q.stats.released, int64(released))
	atomic.AddInt64(&q.stats.sweeps, 1)

	tick := TimeAdd(scanned, oneTick)
	q.logger.Debug("aqueue: sweep", "released", released, "tick", tick)
	q.metrics.RecordSweep(released, q.queue.count(), tick, time.Since(started))
}

func (q *Queue) onScheduleFailure(err error) {
	q.logger.Error("aqueue: cannot schedule next sweep, ticker stopped", "error", err)
	q.metrics.RecordScheduleFailure()
}
