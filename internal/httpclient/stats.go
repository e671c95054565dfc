package httpclient

import (
	"sync"
	"time"
)

// Stats is a windowed snapshot of client activity. Counters reset every
// metrics window so the success rate tracks recent behavior, not lifetime.
type Stats struct {
	Total            int64
	Successful       int64
	Failed           int64
	CircuitTrips     int64
	SessionRefreshes int64
	ParallelSent     int64
	FastestWins      int64
	Cancelled        int64
	WindowStart      time.Time
}

// SuccessRate returns successful/total for the current window.
// An empty window counts as fully healthy.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 1.0
	}
	return float64(s.Successful) / float64(s.Total)
}

// statsTracker guards the windowed counters.
type statsTracker struct {
	mu     sync.Mutex
	window time.Duration
	cur    Stats
}

func newStatsTracker(window time.Duration) *statsTracker {
	return &statsTracker{
		window: window,
		cur:    Stats{WindowStart: time.Now()},
	}
}

// update applies fn to the counters, rolling the window first if it expired.
func (t *statsTracker) update(fn func(*Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	fn(&t.cur)
}

// Snapshot returns a copy of the current window's counters.
func (t *statsTracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.cur
}

func (t *statsTracker) rollLocked() {
	if t.window <= 0 {
		return
	}
	if time.Since(t.cur.WindowStart) >= t.window {
		t.cur = Stats{WindowStart: time.Now()}
	}
}
