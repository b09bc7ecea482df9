package outbox

import (
	"math"
	"time"
)

// backoff returns base * 2^retries capped at max, with +-jitter applied as a fraction.
// r must return values in [0, 1).
func backoff(retries int, base, max time.Duration, jitter float64, r func() float64) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := float64(base) * math.Pow(2, float64(retries))
	if d > float64(max) || math.IsInf(d, 0) {
		d = float64(max)
	}
	if jitter > 0 && r != nil {
		d += d * jitter * (2*r() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
