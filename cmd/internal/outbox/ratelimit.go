package outbox

import (
	"sync"
	"time"
)

// slidingWindow is a per-merchant sliding-window delivery limiter.
type slidingWindow struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// allow reports whether a delivery at now fits in the window.
func (r *slidingWindow) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

// merchantLimiter hands out one window per merchant. A zero rps disables limiting.
type merchantLimiter struct {
	mu   sync.Mutex
	rps  int
	byID map[string]*slidingWindow
}

func newMerchantLimiter(rps int) *merchantLimiter {
	return &merchantLimiter{rps: rps, byID: make(map[string]*slidingWindow)}
}

func (m *merchantLimiter) allow(merchantID string, now time.Time) bool {
	if m == nil || m.rps <= 0 {
		return true
	}
	m.mu.Lock()
	w := m.byID[merchantID]
	if w == nil {
		w = newSlidingWindow(m.rps, time.Second)
		m.byID[merchantID] = w
	}
	m.mu.Unlock()
	return w.allow(now)
}
