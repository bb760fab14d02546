package autorelease

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jiansoft/robin"
)

// ============================================================================
// 測試輔助型別
// ============================================================================

// testObject 是測試用的引用計數物件
type testObject struct {
	uid       uint64
	refs      int64
	releases  int64
	destroyed int32
	// onRelease 在 FinalRelease 中呼叫，可為 nil
	onRelease func()
}

// newTestObject 建立一個由呼叫者持有一個引用的物件
func newTestObject(uid uint64) *testObject {
	return &testObject{uid: uid, refs: 1}
}

func (o *testObject) Retain() {
	atomic.AddInt64(&o.refs, 1)
}

func (o *testObject) FinalRelease() {
	if o.onRelease != nil {
		o.onRelease()
	}
	atomic.AddInt64(&o.releases, 1)
	if atomic.AddInt64(&o.refs, -1) == 0 {
		atomic.StoreInt32(&o.destroyed, 1)
	}
}

func (o *testObject) UID() uint64 {
	return o.uid
}

func (o *testObject) refCount() int64 {
	return atomic.LoadInt64(&o.refs)
}

func (o *testObject) releaseCount() int64 {
	return atomic.LoadInt64(&o.releases)
}

func (o *testObject) isDestroyed() bool {
	return atomic.LoadInt32(&o.destroyed) == 1
}

// testRegistry 同時實作 Registry 與 ReferenceTable
type testRegistry struct {
	mu      sync.Mutex
	objects map[uint64]*testObject
}

func newTestRegistry(objects ...*testObject) *testRegistry {
	r := &testRegistry{objects: make(map[uint64]*testObject)}
	for _, o := range objects {
		r.objects[o.uid] = o
	}
	return r
}

func (r *testRegistry) Resolve(h Handle) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[uint64(h)]
	if !ok {
		return nil, false
	}
	return o, true
}

func (r *testRegistry) Reference(obj Object) Reference {
	return Reference(obj.UID())
}

func (r *testRegistry) Dereference(ref Reference) (Object, bool) {
	return r.Resolve(Handle(ref))
}

// manualTimer 是 manualScheduler 排程的一次性 timer
type manualTimer struct {
	delay    time.Duration
	task     func()
	disposed atomic.Bool
}

func (t *manualTimer) Dispose() {
	t.disposed.Store(true)
}

// manualScheduler 由測試手動觸發 timer，讓 sweep 的時機完全可控
type manualScheduler struct {
	mu         sync.Mutex
	pending    []*manualTimer
	closed     bool
	closeCalls int
	// err 不為 nil 時 Schedule 回傳此錯誤
	err error
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{}
}

func (s *manualScheduler) Schedule(delay time.Duration, task func()) (robin.Disposable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if s.err != nil {
		return nil, s.err
	}

	t := &manualTimer{delay: delay, task: task}
	s.pending = append(s.pending, t)
	return t, nil
}

func (s *manualScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
}

func (s *manualScheduler) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// take 取出所有排程中的 timer
func (s *manualScheduler) take() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timers := s.pending
	s.pending = nil
	return timers
}

// pendingCount 回傳尚未被 dispose 的 timer 數量
func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.pending {
		if !t.disposed.Load() {
			n++
		}
	}
	return n
}

// fire 讓所有未被 dispose 的 timer 到期，回傳執行的數量
func (s *manualScheduler) fire() int {
	n := 0
	for _, t := range s.take() {
		if t.disposed.Load() {
			continue
		}
		t.task()
		n++
	}
	return n
}

// fireTimes 連續觸發 n 次 sweep
func (s *manualScheduler) fireTimes(n int) {
	for i := 0; i < n; i++ {
		s.fire()
	}
}

// newTestQueue 建立使用 manualScheduler 的 queue
func newTestQueue(registry Registry, opts ...Option) (*Queue, *manualScheduler) {
	s := newManualScheduler()
	opts = append([]Option{WithScheduler(s), WithLogger(discardLogger())}, opts...)
	return New(registry, opts...), s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// bufferLogger 回傳寫入 buf 的 debug 等級 logger
func bufferLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// syncBuffer 是可並發寫入的 bytes.Buffer
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
