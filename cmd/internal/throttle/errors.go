package throttle

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned when a tracker key exceeds its rate.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries retry guidance for a rejected request.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), e.RetryAfter)
}

func (e RateLimitError) Unwrap() error { return ErrRateLimited }
