// Package reconcile audits point expiry. It compares what should have expired by a cutoff
// with what the expiry job reports as burned, and emits previews of upcoming expiry.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/outbox"
)

// LotSource lists a merchant's lots that expire at or before t.
type LotSource interface {
	LotsExpiringBy(ctx context.Context, merchantID string, t time.Time) ([]ledger.Lot, error)
}

// EventSource streams outbox rows. outbox.Queue implementations satisfy it.
type EventSource interface {
	Scan(ctx context.Context, f outbox.Filter, fn func(outbox.Event) error) error
}

// Row is one customer's drift.
type Row struct {
	CustomerID    string `json:"customerId"`
	ExpiredRemain int64  `json:"expiredRemain"`
	Burned        int64  `json:"burned"`
	Diff          int64  `json:"diff"`
}

// Totals sums Rows.
type Totals struct {
	ExpiredRemain int64 `json:"expiredRemain"`
	Burned        int64 `json:"burned"`
	Diff          int64 `json:"diff"`
}

// Report is the reconciliation for one merchant and cutoff.
type Report struct {
	MerchantID string    `json:"merchantId"`
	Cutoff     time.Time `json:"cutoff"`
	Items      []Row     `json:"items"`
	Totals     Totals    `json:"totals"`
}

// OnlyDiff drops rows without drift.
func (r Report) OnlyDiff() Report {
	out := r
	out.Items = slices.DeleteFunc(slices.Clone(r.Items), func(row Row) bool { return row.Diff == 0 })
	return out
}

// BurnedPayload is written by the expiry job for each customer it burns.
type BurnedPayload struct {
	MerchantID string    `json:"merchantId"`
	CustomerID string    `json:"customerId"`
	Cutoff     time.Time `json:"cutoff"`
	Amount     int64     `json:"amount"`
}

// Reconciler is read-only.
type Reconciler struct {
	lots   LotSource
	events EventSource
	logger *slog.Logger
}

// NewReconciler wires a Reconciler.
func NewReconciler(lots LotSource, events EventSource, logger *slog.Logger) (*Reconciler, error) {
	if lots == nil || events == nil {
		return nil, errors.New("reconcile: nil source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{lots: lots, events: events, logger: logger}, nil
}

// Reconcile computes per-customer expiredRemain (unspent points of lots expired by cutoff),
// burned (amounts reported for the cutoff's UTC day) and diff = expiredRemain - burned.
func (r *Reconciler) Reconcile(ctx context.Context, merchantID string, cutoff time.Time) (Report, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return Report{}, errors.New("reconcile: merchant id required")
	}
	cutoff = cutoff.UTC()

	lots, err := r.lots.LotsExpiringBy(ctx, merchantID, cutoff)
	if err != nil {
		return Report{}, err
	}
	remain := make(map[string]int64)
	for _, l := range lots {
		if rem := l.Remain(); rem > 0 {
			remain[l.CustomerID] += rem
		}
	}

	day := utcDay(cutoff)
	burned := make(map[string]int64)
	skipped := 0
	err = r.events.Scan(ctx, outbox.Filter{
		MerchantID:  merchantID,
		EventType:   outbox.TypeTTLBurned,
		CreatedFrom: day,
	}, func(e outbox.Event) error {
		var p BurnedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			skipped++
			return nil
		}
		if p.CustomerID == "" || p.Amount <= 0 || !utcDay(p.Cutoff).Equal(day) {
			return nil
		}
		burned[p.CustomerID] += p.Amount
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	if skipped > 0 {
		r.logger.WarnContext(ctx, "reconcile.payload.skip",
			slog.String("merchant_id", merchantID),
			slog.Int("count", skipped),
		)
	}

	rep := Report{MerchantID: merchantID, Cutoff: cutoff, Items: []Row{}}
	for id := range union(remain, burned) {
		row := Row{CustomerID: id, ExpiredRemain: remain[id], Burned: burned[id]}
		row.Diff = row.ExpiredRemain - row.Burned
		rep.Items = append(rep.Items, row)
		rep.Totals.ExpiredRemain += row.ExpiredRemain
		rep.Totals.Burned += row.Burned
		rep.Totals.Diff += row.Diff
	}
	slices.SortFunc(rep.Items, func(a, b Row) int { return strings.Compare(a.CustomerID, b.CustomerID) })
	return rep, nil
}

func union(a, b map[string]int64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
