package autorelease

import "sync"

type (
	// entry is one prolongation: an owned reference and the tick it was pushed at.
	entry struct {
		ref    *ownedRef
		pushed TimePoint
	}

	// delayQueue holds entries in insertion order together with the tick counter.
	// mu guards both; it is always taken inside the ticker lock, never around it.
	delayQueue struct {
		mu      sync.Mutex
		entries []entry
		tick    TimePoint
	}
)

// pushedTimeFor 回傳新項目的 pushed 時間點
// public: 目前 tick，享有完整寬限期
// private: 往回推 LifeInTicks，下一次 sweep 即可釋放
func pushedTimeFor(now TimePoint, isPublic bool) TimePoint {
	if isPublic {
		return now
	}
	return TimeSubtract(now, LifeInTicks)
}

// push appends ref and returns the pushed time it was stamped with.
func (dq *delayQueue) push(ref *ownedRef, isPublic bool) TimePoint {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	pushed := pushedTimeFor(dq.tick, isPublic)
	dq.entries = append(dq.entries, entry{ref: ref, pushed: pushed})
	return pushed
}

// count returns the number of entries, nullified ones included.
func (dq *delayQueue) count() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.entries)
}

// now returns the current tick.
func (dq *delayQueue) now() TimePoint {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.tick
}

// expire moves every entry whose lifetime elapsed into dst, then advances the
// tick by one. It returns dst and the tick the scan was measured against.
//
// The caller releases dst after expire returns, outside the queue lock.
func (dq *delayQueue) expire(dst []entry) ([]entry, TimePoint) {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	scanned := dq.tick
	kept := dq.entries[:0]
	for _, e := range dq.entries {
		// +1 因為 0,1,2,3,4 已經是 5 個 tick
		diff := TimeSubtract(scanned, e.pushed) + oneTick
		if diff >= LifeInTicks {
			dst = append(dst, e)
			continue
		}
		kept = append(kept, e)
	}

	// 清掉尾端殘留的指標，讓已移出的 ref 可以被回收
	for i := len(kept); i < len(dq.entries); i++ {
		dq.entries[i] = entry{}
	}
	dq.entries = kept
	dq.tick = TimeAdd(dq.tick, oneTick)

	return dst, scanned
}

// takeAll removes every entry and resets the tick to zero.
func (dq *delayQueue) takeAll() []entry {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	taken := dq.entries
	dq.entries = nil
	dq.tick = 0
	return taken
}

// install replaces the contents with entries and sets the tick.
// It returns the entries that were there before.
func (dq *delayQueue) install(tick TimePoint, entries []entry) []entry {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	previous := dq.entries
	dq.entries = entries
	dq.tick = tick
	return previous
}

// snapshot copies the tick and the entries.
func (dq *delayQueue) snapshot() (TimePoint, []entry) {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	entries := make([]entry, len(dq.entries))
	copy(entries, dq.entries)
	return dq.tick, entries
}

// nullifyAll abandons ownership of every entry without releasing it.
// It returns how many refs were still held.
func (dq *delayQueue) nullifyAll() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	n := 0
	for _, e := range dq.entries {
		if e.ref.nullify() {
			n++
		}
	}
	return n
}

// releaseEntries gives back every still-held ref in entries and returns how
// many were released.
func releaseEntries(entries []entry) int {
	n := 0
	for i := range entries {
		if entries[i].ref.release() {
			n++
		}
	}
	return n
}
