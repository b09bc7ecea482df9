package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/outbox"

	"github.com/stretchr/testify/require"
)

var cutoff = time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)

type staticLots []ledger.Lot

func (s staticLots) LotsExpiringBy(_ context.Context, merchantID string, t time.Time) ([]ledger.Lot, error) {
	var out []ledger.Lot
	for _, l := range s {
		if l.MerchantID == merchantID && l.ExpiresAt != nil && !l.ExpiresAt.After(t) {
			out = append(out, l)
		}
	}
	return out, nil
}

func lotAt(id, customer string, points, consumed int64, expires time.Time) ledger.Lot {
	return ledger.Lot{
		ID: id, MerchantID: "m-1", CustomerID: customer,
		Points: points, ConsumedPoints: consumed,
		EarnedAt: expires.Add(-30 * 24 * time.Hour), ExpiresAt: &expires,
	}
}

func burnedEvent(t *testing.T, customer string, amount int64, at time.Time) outbox.Event {
	t.Helper()
	e, err := outbox.NewEvent("m-1", outbox.TypeTTLBurned, BurnedPayload{
		MerchantID: "m-1", CustomerID: customer, Cutoff: at, Amount: amount,
	}, at.Add(time.Minute))
	require.NoError(t, err)
	return e
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	lots := staticLots{
		lotAt("l1", "c-1", 100, 40, cutoff.Add(-time.Hour)),
		lotAt("l2", "c-1", 20, 0, cutoff),
		lotAt("l3", "c-2", 50, 50, cutoff.Add(-time.Hour)),
		lotAt("l4", "c-3", 70, 0, cutoff.Add(time.Hour)), // not expired yet
	}
	q := outbox.NewMemoryQueue()
	garbage, err := outbox.NewEvent("m-1", outbox.TypeTTLBurned, "not an object", cutoff)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx,
		burnedEvent(t, "c-1", 80, cutoff),
		burnedEvent(t, "c-2", 5, cutoff.Add(3*time.Hour)),
		burnedEvent(t, "c-1", 999, cutoff.Add(-24*time.Hour)), // previous day's run
		garbage,
	))

	r, err := NewReconciler(lots, q, nil)
	require.NoError(t, err)

	rep, err := r.Reconcile(ctx, "m-1", cutoff)
	require.NoError(t, err)
	require.Equal(t, []Row{
		{CustomerID: "c-1", ExpiredRemain: 80, Burned: 80, Diff: 0},
		{CustomerID: "c-2", ExpiredRemain: 0, Burned: 5, Diff: -5},
	}, rep.Items)
	require.Equal(t, Totals{ExpiredRemain: 80, Burned: 85, Diff: -5}, rep.Totals)

	only := rep.OnlyDiff()
	require.Len(t, only.Items, 1)
	require.Equal(t, "c-2", only.Items[0].CustomerID)
	require.Len(t, rep.Items, 2, "OnlyDiff must not modify the original")

	_, err = r.Reconcile(ctx, " ", cutoff)
	require.Error(t, err)
}

func TestReconcile_EmptyReportHasNoNilItems(t *testing.T) {
	t.Parallel()
	r, err := NewReconciler(staticLots{}, outbox.NewMemoryQueue(), nil)
	require.NoError(t, err)

	rep, err := r.Reconcile(context.Background(), "m-1", cutoff)
	require.NoError(t, err)

	raw, err := json.Marshal(rep)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"items":[]`)
}

func TestPreview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := cutoff.Add(9 * time.Hour)

	lots := staticLots{
		lotAt("a", "c-1", 100, 30, now.Add(48*time.Hour)),
		lotAt("b", "c-1", 10, 0, now.Add(24*time.Hour)),
		lotAt("c", "c-2", 40, 40, now.Add(24*time.Hour)),   // fully spent
		lotAt("d", "c-3", 40, 0, now.Add(-time.Hour)),      // already expired
		lotAt("e", "c-4", 40, 0, now.Add(30*24*time.Hour)), // outside horizon
	}
	q := outbox.NewMemoryQueue()
	p, err := NewPreviewer(lots, q, q, nil, func() time.Time { return now })
	require.NoError(t, err)

	n, err := p.Preview(ctx, "m-1", 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	evs, err := q.List(ctx, outbox.Filter{EventType: outbox.TypeTTLPreview})
	require.NoError(t, err)
	require.Len(t, evs, 1)

	var pl PreviewPayload
	require.NoError(t, json.Unmarshal(evs[0].Payload, &pl))
	require.Equal(t, PreviewPayload{
		MerchantID:  "m-1",
		CustomerID:  "c-1",
		Amount:      80,
		ExpiresAt:   now.Add(24 * time.Hour),
		HorizonDays: 7,
		PreviewDate: "2025-05-20",
	}, pl)

	n, err = p.Preview(ctx, "m-1", 7*24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n, "a customer is previewed once per day")

	_, err = p.Preview(ctx, "m-1", 0)
	require.Error(t, err)
}
