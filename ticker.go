package autorelease

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jiansoft/robin"
)

const (
	// TickerIdle the ticker was created but never started.
	TickerIdle TickerState = iota
	// TickerWaiting a timer is armed and the next sweep is pending.
	TickerWaiting
	// TickerSweeping a sweep is running.
	TickerSweeping
	// TickerStopped the ticker was stopped or failed to re-arm.
	TickerStopped
)

// TickerState is the scheduling state of the queue's background sweep.
type TickerState int32

func (s TickerState) String() string {
	switch s {
	case TickerIdle:
		return "idle"
	case TickerWaiting:
		return "waiting"
	case TickerSweeping:
		return "sweeping"
	case TickerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ticker 驅動週期性的 sweep
//
// 狀態轉換：
//
//	Idle ──start──► Waiting ──timer──► Sweeping ──re-arm──► Waiting ...
//	                   │                   │
//	                   └──stop──► Stopped ◄┘ (re-arm 失敗)
//
// mu 在整個 sweep 期間都被持有，所以 stop() 取得 mu 時保證沒有 sweep 正在執行。
// 鎖的順序固定為 ticker.mu 在外、delayQueue.mu 在內。
type ticker struct {
	mu        sync.Mutex
	scheduler Scheduler
	interval  time.Duration
	sweep     func()
	onFailure func(error)

	// 以下欄位由 mu 保護
	timer robin.Disposable
	// generation 每次 arm 或 stop 都會遞增，過期的 timer 回調藉此判斷自己已被取消
	generation uint64
	err        error

	// state 寫入時持有 mu，讀取可不持鎖（use atomic operations）
	state int32
}

// newTicker 建立 ticker，不會自動啟動
//
// 參數：
//   - scheduler: 執行 timer 回調的排程器
//   - interval: 兩次 sweep 之間的間隔
//   - sweep: 每個 tick 執行一次，呼叫時持有 ticker.mu
//   - onFailure: re-arm 失敗時呼叫，可為 nil
func newTicker(scheduler Scheduler, interval time.Duration, sweep func(), onFailure func(error)) *ticker {
	return &ticker{
		scheduler: scheduler,
		interval:  interval,
		sweep:     sweep,
		onFailure: onFailure,
		state:     int32(TickerIdle),
	}
}

// start arms the timer. It is a no-op while a timer is already armed or a
// sweep is running.
func (t *ticker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.getState() {
	case TickerWaiting, TickerSweeping:
		return
	}

	t.err = nil
	t.arm()
}

// stop cancels the pending timer. It blocks while a sweep is running and no
// sweep starts after it returns.
func (t *ticker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Dispose()
		t.timer = nil
	}
	t.generation++
	t.setState(TickerStopped)
}

// exclusive runs fn with the ticker lock held, so fn never overlaps a sweep.
func (t *ticker) exclusive(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// lastError returns the error that stopped the ticker, if any.
func (t *ticker) lastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// arm 排程下一次 sweep，呼叫時必須持有 mu
func (t *ticker) arm() {
	t.generation++
	generation := t.generation

	timer, err := t.scheduler.Schedule(t.interval, func() {
		t.fire(generation)
	})
	if err != nil {
		// 排程失敗不重試：停止 ticker 並把錯誤交給上層
		t.timer = nil
		t.err = err
		t.setState(TickerStopped)
		if t.onFailure != nil {
			t.onFailure(err)
		}
		return
	}

	t.timer = timer
	t.setState(TickerWaiting)
}

// fire 是 timer 到期的回調
func (t *ticker) fire(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// 已被 stop 或重新 arm，屬於正常的取消結果
	if t.getState() != TickerWaiting || generation != t.generation {
		return
	}

	t.timer = nil
	t.setState(TickerSweeping)
	t.sweep()
	t.arm()
}

func (t *ticker) getState() TickerState {
	return TickerState(atomic.LoadInt32(&t.state))
}

func (t *ticker) setState(s TickerState) {
	atomic.StoreInt32(&t.state, int32(s))
}
