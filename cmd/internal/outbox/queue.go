package outbox

import (
	"context"
	"time"
)

// Queue is the durable store behind the dispatcher (QueueStore).
//
// Requirements for every implementation:
//   - ClaimDue is an atomic conditional PENDING|FAILED -> SENDING transition; two callers never
//     receive the same event.
//   - Complete only applies to rows still in SENDING.
//   - Terminal rows (SENT, DEAD) are never claimed.
type Queue interface {
	Enqueue(ctx context.Context, events ...Event) error

	// ReclaimStale moves SENDING rows last updated before staleBefore back to PENDING.
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error)

	// ClaimDue claims up to limit due rows, oldest first.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Event, error)

	// Complete records the outcome of a delivery attempt.
	Complete(ctx context.Context, id string, out Outcome) error

	// Retry resets a FAILED or DEAD row to PENDING with zero retries (operator action).
	Retry(ctx context.Context, id string, now time.Time) (Event, error)

	Get(ctx context.Context, id string) (Event, error)
	List(ctx context.Context, f Filter) ([]Event, error)
	// Scan streams every matching row oldest first, ignoring f.Limit.
	Scan(ctx context.Context, f Filter, fn func(Event) error) error
	CountByStatus(ctx context.Context) (map[Status]int, error)

	Close() error
}

// Outcome is what the dispatcher writes back after an attempt.
type Outcome struct {
	Status      Status
	Retries     int
	NextRetryAt *time.Time
	LastError   string
	Now         time.Time
}

// Filter narrows List and Scan results. Zero values match everything;
// CreatedFrom drops rows created before it.
type Filter struct {
	MerchantID  string
	EventType   string
	Status      Status
	CreatedFrom time.Time
	Limit       int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > 500:
		return 500
	default:
		return f.Limit
	}
}

func (f Filter) match(e Event) bool {
	if f.MerchantID != "" && e.MerchantID != f.MerchantID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.CreatedFrom.IsZero() && e.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	return true
}

// applyOutcome is the shared transition used by the non-SQL queues.
func applyOutcome(e Event, out Outcome) Event {
	e.Status = out.Status
	e.Retries = out.Retries
	e.NextRetryAt = out.NextRetryAt
	e.LastError = truncateError(out.LastError)
	e.UpdatedAt = out.Now
	return e
}

// staleSendingError is recorded on rows reclaimed from a crashed or stuck worker.
const staleSendingError = "stale sending"
