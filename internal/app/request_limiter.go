package app

import (
	"sync"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
)

// RequestLimiter bounds how often an offer may be requested from one
// participant within a sliding window.
type RequestLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRequestLimiter(limit int, interval time.Duration) *RequestLimiter {
	return &RequestLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RequestLimiter) Allow(p domain.ParticipantID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[p]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[p] = fresh
		return false
	}
	rl.history[p] = append(fresh, now)
	return true
}

func (rl *RequestLimiter) Forget(p domain.ParticipantID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, p)
}
