// Package outbox is the transactional outbox: durable event rows written together with the
// ledger changes that produced them, and the dispatcher that delivers them as signed webhooks.
package outbox

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"loyalty/cmd/internal/ids"
)

// Status is the delivery state of an event.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusDead    Status = "DEAD"
)

// Terminal reports whether the dispatcher will never touch an event in this state again.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusDead }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Event types emitted by the settlement core.
const (
	TypeCommit        = "loyalty.commit"
	TypeRefund        = "loyalty.refund"
	TypeLotConsumed   = "loyalty.earnlot.consumed"
	TypeLotUnconsumed = "loyalty.earnlot.unconsumed"
	TypeLotRevoked    = "loyalty.earnlot.revoked"
	TypeTTLPreview    = "loyalty.points_ttl.preview"
	TypeTTLBurned     = "loyalty.points_ttl.burned"
)

const (
	// notify.* rows are delivered by the notification service, not by webhooks.
	notifyPrefix = "notify."

	maxLastErrorLength = 1000
)

// Event is one outbox row. ID doubles as the X-Event-Id consumers deduplicate on.
type Event struct {
	ID          string          `json:"id"`
	MerchantID  string          `json:"merchantId"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Retries     int             `json:"retries"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// NewEvent builds a PENDING event with payload marshalled to JSON.
func NewEvent(merchantID, eventType string, payload any, now time.Time) (Event, error) {
	if strings.TrimSpace(merchantID) == "" || strings.TrimSpace(eventType) == "" {
		return Event{}, errors.New("outbox: merchant id and event type are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		ID:         ids.NewEventID(),
		MerchantID: merchantID,
		EventType:  eventType,
		Payload:    raw,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// due reports whether the dispatcher may claim e at now.
func (e Event) due(now time.Time) bool {
	if e.Status != StatusPending && e.Status != StatusFailed {
		return false
	}
	if strings.HasPrefix(e.EventType, notifyPrefix) {
		return false
	}
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

func truncateError(s string) string {
	return cutUTF8(strings.ToValidUTF8(s, ""), maxLastErrorLength)
}
