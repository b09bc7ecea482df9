package outbox

import (
	"sync"
	"time"
)

// circuitBreaker opens per merchant after threshold failures inside window and stays open
// for cooldown. A success closes it and clears the failure history.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	state     map[string]*breakerState
}

type breakerState struct {
	failures  []time.Time
	openUntil time.Time
}

func newCircuitBreaker(threshold int, window, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     make(map[string]*breakerState),
	}
}

// openUntil returns the reopen time when the merchant's circuit is open at now.
func (b *circuitBreaker) openUntil(merchantID string, now time.Time) (time.Time, bool) {
	if b == nil || b.threshold <= 0 {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state[merchantID]
	if st == nil || !st.openUntil.After(now) {
		return time.Time{}, false
	}
	return st.openUntil, true
}

func (b *circuitBreaker) success(merchantID string) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, merchantID)
}

// failure records a failed attempt and reports whether it tripped the circuit.
func (b *circuitBreaker) failure(merchantID string, now time.Time) bool {
	if b == nil || b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state[merchantID]
	if st == nil {
		st = &breakerState{}
		b.state[merchantID] = st
	}

	cut := now.Add(-b.window)
	kept := st.failures[:0]
	for _, t := range st.failures {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	st.failures = append(kept, now)

	if len(st.failures) >= b.threshold {
		st.openUntil = now.Add(b.cooldown)
		st.failures = st.failures[:0]
		return true
	}
	return false
}

// openCount is the number of merchants whose circuit is open at now.
func (b *circuitBreaker) openCount(now time.Time) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, st := range b.state {
		if st.openUntil.After(now) {
			n++
		}
	}
	return n
}
