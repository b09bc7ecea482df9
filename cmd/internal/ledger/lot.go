package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeltaOutOfRange is returned by Apply when a delta would break 0 <= consumed <= points.
var ErrDeltaOutOfRange = errors.New("ledger: delta out of range")

// ErrUnknownLot is returned by Apply when a delta references a lot that is not in the set.
var ErrUnknownLot = errors.New("ledger: unknown lot")

// Lot is a single point grant. Points never change after creation; only ConsumedPoints moves.
type Lot struct {
	ID         string
	MerchantID string
	CustomerID string

	Points         int64
	ConsumedPoints int64

	EarnedAt  time.Time
	ExpiresAt *time.Time

	SourceOrderID   string
	SourceReceiptID string
	OutletID        string
	DeviceID        string
	StaffID         string
}

// Remain is the unspent part of the lot, never negative.
func (l Lot) Remain() int64 {
	r := l.Points - l.ConsumedPoints
	if r < 0 {
		return 0
	}
	return r
}

// Expired reports whether the lot is logically inert for spending at now.
func (l Lot) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Delta is a planned change to a lot's consumedPoints.
// Positive values consume (or revoke), negative values give points back.
type Delta struct {
	LotID         string `json:"lotId"`
	DeltaConsumed int64  `json:"deltaConsumed"`
}

// Sum adds up DeltaConsumed across deltas.
func Sum(deltas []Delta) int64 {
	var total int64
	for _, d := range deltas {
		total += d.DeltaConsumed
	}
	return total
}

// LiveLots returns the lots that can still be spent at now.
func LiveLots(lots []Lot, now time.Time) []Lot {
	out := make([]Lot, 0, len(lots))
	for _, l := range lots {
		if l.Expired(now) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// LiveBalance is the spendable balance across unexpired lots.
func LiveBalance(lots []Lot, now time.Time) int64 {
	var total int64
	for _, l := range lots {
		if l.Expired(now) {
			continue
		}
		total += l.Remain()
	}
	return total
}

// Apply returns a copy of lots with deltas applied.
// It fails without partial results if any delta breaks the consumed range invariant.
func Apply(lots []Lot, deltas []Delta) ([]Lot, error) {
	out := make([]Lot, len(lots))
	copy(out, lots)

	idx := make(map[string]int, len(out))
	for i, l := range out {
		idx[l.ID] = i
	}

	for _, d := range deltas {
		i, ok := idx[d.LotID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLot, d.LotID)
		}
		next := out[i].ConsumedPoints + d.DeltaConsumed
		if next < 0 || next > out[i].Points {
			return nil, fmt.Errorf("%w: lot %s consumed %d%+d of %d",
				ErrDeltaOutOfRange, d.LotID, out[i].ConsumedPoints, d.DeltaConsumed, out[i].Points)
		}
		out[i].ConsumedPoints = next
	}
	return out, nil
}
