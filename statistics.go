package autorelease

// Statistics contains queue counters.
type Statistics struct {
	totalProlonged int64
	totalReleased  int64
	totalSweeps    int64
	count          int
	tick           TimePoint
	state          TickerState
}

// TotalProlonged returns the total number of prolong requests.
func (s Statistics) TotalProlonged() int64 {
	return s.totalProlonged
}

// TotalReleased returns the total number of owned references released.
func (s Statistics) TotalReleased() int64 {
	return s.totalReleased
}

// TotalSweeps returns the total number of completed sweeps.
func (s Statistics) TotalSweeps() int64 {
	return s.totalSweeps
}

// Count returns the number of entries in the queue.
func (s Statistics) Count() int {
	return s.count
}

// Tick returns the tick counter.
func (s Statistics) Tick() TimePoint {
	return s.tick
}

// State returns the ticker state.
func (s Statistics) State() TickerState {
	return s.state
}
