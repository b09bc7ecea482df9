package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrEventNotFound is returned when an event id does not exist.
	ErrEventNotFound = errors.New("outbox event not found")

	// ErrNotClaimed is returned when completing an event that is no longer SENDING.
	ErrNotClaimed = errors.New("outbox event not claimed")

	// ErrNotRetryable is returned when a manual retry targets an event that is not FAILED or DEAD.
	ErrNotRetryable = errors.New("outbox event not retryable")

	// ErrUpstreamWebhookFailure marks a failed delivery attempt. It never reaches API callers.
	ErrUpstreamWebhookFailure = errors.New("upstream webhook failure")

	errRedirect = errors.New("redirect not followed")
)

const maxBodyExcerpt = 200

// DeliveryError describes one failed attempt.
type DeliveryError struct {
	Status     int
	RetryAfter time.Duration
	Permanent  bool
	Cause      error

	// Body is the start of the receiver's response, if any.
	Body string
}

func (e *DeliveryError) Error() string {
	msg := e.message()
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *DeliveryError) message() string {
	switch {
	case e.Cause != nil && e.Status != 0:
		return fmt.Sprintf("%s: status %d: %v", ErrUpstreamWebhookFailure, e.Status, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", ErrUpstreamWebhookFailure, e.Cause)
	default:
		return fmt.Sprintf("%s: status %d", ErrUpstreamWebhookFailure, e.Status)
	}
}

func (e *DeliveryError) Unwrap() error { return ErrUpstreamWebhookFailure }

// excerpt returns up to maxBodyExcerpt bytes of b as valid UTF-8 on one line.
func excerpt(b []byte) string {
	if len(b) > maxBodyExcerpt {
		b = b[:maxBodyExcerpt]
	}
	s := strings.ToValidUTF8(string(b), "")
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// cutUTF8 shortens s to at most n bytes without splitting a rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
