package autorelease

import (
	"math"
	"time"
)

const (
	// ObjectLifetime is how long a prolonged object is kept alive.
	ObjectLifetime = 10 * time.Second

	// TickDuration is the interval between two sweeps of the queue.
	TickDuration = 2 * time.Second

	// LifeInTicks is ObjectLifetime expressed in ticks.
	LifeInTicks TimePoint = TimePoint(ObjectLifetime / TickDuration)

	// MaxTimePoint is the largest value the tick counter can hold before wrapping.
	MaxTimePoint TimePoint = math.MaxUint32

	// oneTick 每次 sweep 計數器前進的量
	oneTick TimePoint = 1
)

// ObjectLifetime 必須是 TickDuration 的整數倍，否則編譯失敗
var _ [0]struct{} = [ObjectLifetime % TickDuration]struct{}{}

// TimePoint is a value of the wrap-around tick counter.
//
// The counter advances by one per sweep and wraps at 2^32, so two points can
// only be compared through TimeSubtract, never with < or >.
type TimePoint uint32

// TimeAdd returns a + b modulo 2^32.
//
//	TimeAdd(MaxTimePoint, 1)            == 0
//	TimeAdd(MaxTimePoint, MaxTimePoint) == MaxTimePoint - 1
func TimeAdd(a, b TimePoint) TimePoint {
	return a + b
}

// TimeSubtract returns the cyclic distance from subtrahend forward to minuend.
//
// It never goes negative: when minuend < subtrahend the result wraps, so
// TimeSubtract(0, 1) == MaxTimePoint. For every a and b:
//
//	TimeSubtract(TimeAdd(a, b), b) == a
//	TimeSubtract(TimeAdd(a, b), a) == b
func TimeSubtract(minuend, subtrahend TimePoint) TimePoint {
	if minuend >= subtrahend {
		return minuend - subtrahend
	}

	// 跨越 0 點：距離 = (Max - subtrahend) + minuend + 1
	return MaxTimePoint - (subtrahend - minuend) + 1
}
