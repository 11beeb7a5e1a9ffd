package shardkeeper

import (
	"math"
	"sync"
	"time"
)

// Exponential computes capped exponential delays: Initial * 2^(attempt-1),
// never exceeding Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the delay before the given attempt, starting at 1
func (b Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 || b.Initial <= 0 {
		return 0
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

// restartBudget counts crashes in a sliding window
type restartBudget struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	crashes []time.Time
}

func newRestartBudget(maxRestarts int, window time.Duration) *restartBudget {
	return &restartBudget{max: maxRestarts, window: window}
}

// record adds a crash at now and returns the number of crashes within the
// window, and whether another restart is allowed.
func (r *restartBudget) record(now time.Time) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.crashes[:0]
	for _, t := range r.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.crashes = append(kept, now)
	return len(r.crashes), len(r.crashes) <= r.max
}
