package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"loyalty/cmd/internal/outbox"
)

// Enqueuer accepts new outbox events.
type Enqueuer interface {
	Enqueue(ctx context.Context, events ...outbox.Event) error
}

// PreviewPayload tells the merchant how many points a customer loses soon.
type PreviewPayload struct {
	MerchantID  string    `json:"merchantId"`
	CustomerID  string    `json:"customerId"`
	Amount      int64     `json:"amount"`
	ExpiresAt   time.Time `json:"expiresAt"`
	HorizonDays int       `json:"horizonDays"`
	PreviewDate string    `json:"previewDate"`
}

// Previewer emits loyalty.points_ttl.preview events, at most one per customer per UTC day.
type Previewer struct {
	lots   LotSource
	events EventSource
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewPreviewer wires a Previewer. events is used to skip customers already previewed today.
func NewPreviewer(lots LotSource, events EventSource, queue Enqueuer, logger *slog.Logger, now func() time.Time) (*Previewer, error) {
	if lots == nil || events == nil || queue == nil {
		return nil, errors.New("reconcile: nil dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Previewer{lots: lots, events: events, queue: queue, logger: logger, now: now}, nil
}

// Preview enqueues one event per customer with unspent points expiring within horizon.
// It returns the number of events enqueued.
func (p *Previewer) Preview(ctx context.Context, merchantID string, horizon time.Duration) (int, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return 0, errors.New("reconcile: merchant id required")
	}
	if horizon <= 0 {
		return 0, errors.New("reconcile: horizon must be positive")
	}
	now := p.now().UTC()
	day := utcDay(now)
	previewDate := day.Format(time.DateOnly)

	done := make(map[string]bool)
	err := p.events.Scan(ctx, outbox.Filter{
		MerchantID:  merchantID,
		EventType:   outbox.TypeTTLPreview,
		CreatedFrom: day,
	}, func(e outbox.Event) error {
		var pl PreviewPayload
		if json.Unmarshal(e.Payload, &pl) == nil && pl.PreviewDate == previewDate {
			done[pl.CustomerID] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	lots, err := p.lots.LotsExpiringBy(ctx, merchantID, now.Add(horizon))
	if err != nil {
		return 0, err
	}

	byCustomer := make(map[string]*PreviewPayload)
	for _, l := range lots {
		if l.Expired(now) || l.Remain() <= 0 || done[l.CustomerID] {
			continue
		}
		pl, ok := byCustomer[l.CustomerID]
		if !ok {
			pl = &PreviewPayload{
				MerchantID:  merchantID,
				CustomerID:  l.CustomerID,
				ExpiresAt:   *l.ExpiresAt,
				HorizonDays: int(horizon / (24 * time.Hour)),
				PreviewDate: previewDate,
			}
			byCustomer[l.CustomerID] = pl
		}
		pl.Amount += l.Remain()
		if l.ExpiresAt.Before(pl.ExpiresAt) {
			pl.ExpiresAt = *l.ExpiresAt
		}
	}

	customers := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		customers = append(customers, id)
	}
	slices.Sort(customers)

	events := make([]outbox.Event, 0, len(customers))
	for _, id := range customers {
		ev, err := outbox.NewEvent(merchantID, outbox.TypeTTLPreview, byCustomer[id], now)
		if err != nil {
			return 0, err
		}
		events = append(events, ev)
	}
	if len(events) > 0 {
		if err := p.queue.Enqueue(ctx, events...); err != nil {
			return 0, err
		}
	}

	p.logger.InfoContext(ctx, "reconcile.preview.ok",
		slog.String("merchant_id", merchantID),
		slog.Int("events", len(events)),
		slog.Int("already_previewed", len(done)),
	)
	return len(events), nil
}
