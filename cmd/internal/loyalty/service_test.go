package loyalty

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/merchant"
	"loyalty/cmd/internal/outbox"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *InMemoryStore
	queue *outbox.FileQueue
	clock *testClock
}

func defaultMerchant() merchant.Settings {
	return merchant.Settings{
		ID:             "m-1",
		EarnBps:        500,
		RedeemLimitBps: 5000,
		PointsTTL:      365 * 24 * time.Hour,
	}
}

func newFixture(t *testing.T, cfg Config, settings ...merchant.Settings) *fixture {
	t.Helper()

	if len(settings) == 0 {
		settings = []merchant.Settings{defaultMerchant(), {ID: "m-2", EarnBps: 100, RedeemLimitBps: 1000}}
	}
	dir, err := merchant.NewStaticDirectory(settings...)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	q := outbox.NewMemoryQueue()
	store := NewInMemoryStore(q)
	clock := &testClock{now: t0}

	svc, err := NewService(store, dir, cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, store: store, queue: q, clock: clock}
}

// seedABC loads the lots A(100/0), B(50/10), C(30/0) earned an hour apart: balance 170.
func (f *fixture) seedABC(t *testing.T, customerID string) {
	t.Helper()
	for i, l := range []struct {
		id               string
		points, consumed int64
	}{{"A", 100, 0}, {"B", 50, 10}, {"C", 30, 0}} {
		err := f.store.SeedLot(ledger.Lot{
			ID:             l.id,
			MerchantID:     "m-1",
			CustomerID:     customerID,
			Points:         l.points,
			ConsumedPoints: l.consumed,
			EarnedAt:       t0.Add(time.Duration(i-3) * time.Hour),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func (f *fixture) lots(t *testing.T, customerID string) map[string]ledger.Lot {
	t.Helper()
	out := make(map[string]ledger.Lot)
	err := f.store.InTx(context.Background(), func(tx Tx) error {
		lots, err := tx.CustomerLots(context.Background(), "m-1", customerID)
		for _, l := range lots {
			out[l.ID] = l
		}
		return err
	})
	if err != nil {
		t.Fatalf("lots: %v", err)
	}
	return out
}

func (f *fixture) balance(t *testing.T, customerID string) int64 {
	t.Helper()
	var lots []ledger.Lot
	for _, l := range f.lots(t, customerID) {
		lots = append(lots, l)
	}
	return ledger.LiveBalance(lots, f.clock.Now())
}

func (f *fixture) events(t *testing.T, eventType string) []outbox.Event {
	t.Helper()
	evs, err := f.queue.List(context.Background(), outbox.Filter{EventType: eventType, Limit: 500})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evs
}

func (f *fixture) quote(t *testing.T, req QuoteRequest) QuoteResult {
	t.Helper()
	if req.MerchantID == "" {
		req.MerchantID = "m-1"
	}
	if req.UserToken == "" {
		req.UserToken = "c-1"
	}
	res, err := f.svc.Quote(context.Background(), req)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	return res
}

func ptr[T any](v T) *T { return &v }

func TestQuote_RedeemBoundedByBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seedABC(t, "c-1")

	res := f.quote(t, QuoteRequest{Mode: "redeem", OrderID: "o-1", Total: 1000})
	if res.HoldID == "" {
		t.Fatalf("expected a hold")
	}
	if *res.DiscountToApply != 170 || *res.FinalPayable != 830 || res.Balance != 170 {
		t.Fatalf("discount=%d payable=%d balance=%d", *res.DiscountToApply, *res.FinalPayable, res.Balance)
	}
	if res.PointsToEarn != nil {
		t.Fatalf("redeem quote must not carry pointsToEarn")
	}

	h, ok := f.store.Hold(res.HoldID)
	if !ok || h.Status != HoldOpen || h.Amount != 170 || h.Mode != ModeRedeem {
		t.Fatalf("hold = %+v", h)
	}
	if !h.ExpiresAt.Equal(t0.Add(DefaultHoldTTL)) {
		t.Fatalf("expiresAt = %s", h.ExpiresAt)
	}
	if len(f.lots(t, "c-1")) != 3 || f.balance(t, "c-1") != 170 {
		t.Fatalf("quote must not touch lots")
	}
}

func TestQuote_RedeemLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ms   merchant.Settings
		req  QuoteRequest
		want int64
	}{
		{
			name: "redeem share of eligible positions",
			ms:   defaultMerchant(),
			req: QuoteRequest{Total: 500, Positions: []Position{
				{ID: "p1", Qty: 2, Price: 100},
				{ID: "p2", Qty: 1, Price: 300, Eligible: ptr(false)},
			}},
			want: 100,
		},
		{
			name: "manual amount",
			ms:   defaultMerchant(),
			req:  QuoteRequest{Total: 1000, RedeemAmount: ptr(int64(40))},
			want: 40,
		},
		{
			name: "minimum payment",
			ms:   merchant.Settings{ID: "m-1", RedeemLimitBps: 10000, MinPaymentAmount: 150},
			req:  QuoteRequest{Total: 200},
			want: 50,
		},
		{
			name: "daily cap",
			ms:   merchant.Settings{ID: "m-1", RedeemLimitBps: 10000, RedeemDailyCap: 30},
			req:  QuoteRequest{Total: 1000},
			want: 30,
		},
		{
			name: "zero rate",
			ms:   merchant.Settings{ID: "m-1"},
			req:  QuoteRequest{Total: 1000},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{}, tt.ms)
			f.seedABC(t, "c-1")

			tt.req.Mode = ModeRedeem
			res := f.quote(t, tt.req)
			if *res.DiscountToApply != tt.want {
				t.Fatalf("discount = %d, want %d", *res.DiscountToApply, tt.want)
			}
			if (res.HoldID == "") != (tt.want == 0) {
				t.Fatalf("holdId = %q for amount %d", res.HoldID, tt.want)
			}
		})
	}
}

func TestQuote_SettledOrderIssuesNoHold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, mode := range []Mode{ModeRedeem, ModeEarn} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			f.seedABC(t, "c-1")

			first := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-1", Total: 1000, RedeemAmount: ptr(int64(20))})
			if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: first.HoldID, OrderID: "o-1"}); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			res, err := f.svc.Quote(ctx, QuoteRequest{MerchantID: "m-1", UserToken: "c-1", Mode: mode, OrderID: "o-1", Total: 1000})
			if !errors.Is(err, ErrOrderAlreadySettled) {
				t.Fatalf("err = %v", err)
			}
			if res.HoldID != "" {
				t.Fatalf("holdId = %q", res.HoldID)
			}

			other := f.quote(t, QuoteRequest{Mode: mode, OrderID: "o-2", Total: 1000})
			if other.HoldID == "" {
				t.Fatalf("expected a hold for an unsettled order")
			}
		})
	}
}

func TestQuote_RedeemWithoutBalanceIsZero(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	res := f.quote(t, QuoteRequest{Mode: ModeRedeem, Total: 1000})
	if *res.DiscountToApply != 0 || res.HoldID != "" {
		t.Fatalf("res = %+v", res)
	}
}

func TestQuote_EarnAndDailyCap(t *testing.T) {
	t.Parallel()
	ms := defaultMerchant()
	ms.EarnDailyCap = 60
	ms.MinPaymentAmount = 100
	f := newFixture(t, Config{}, ms)
	ctx := context.Background()

	if res := f.quote(t, QuoteRequest{Mode: ModeEarn, Total: 99}); *res.PointsToEarn != 0 || res.HoldID != "" {
		t.Fatalf("below minimum payment: %+v", res)
	}

	res := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-1", Total: 1000})
	if *res.PointsToEarn != 50 {
		t.Fatalf("pointsToEarn = %d, want 50", *res.PointsToEarn)
	}
	if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: res.HoldID, OrderID: "o-1"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	res = f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-2", Total: 1000})
	if *res.PointsToEarn != 10 {
		t.Fatalf("capped pointsToEarn = %d, want 10", *res.PointsToEarn)
	}

	f.clock.Advance(25 * time.Hour)
	res = f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-3", Total: 1000})
	if *res.PointsToEarn != 50 {
		t.Fatalf("cap window should have rolled over, got %d", *res.PointsToEarn)
	}
}

func TestQuote_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	tests := []struct {
		name string
		req  QuoteRequest
		want error
	}{
		{"bad mode", QuoteRequest{Mode: "gift", MerchantID: "m-1", UserToken: "c", Total: 1}, ErrValidation},
		{"negative total", QuoteRequest{Mode: ModeEarn, MerchantID: "m-1", UserToken: "c", Total: -1}, ErrValidation},
		{"nan total", QuoteRequest{Mode: ModeEarn, MerchantID: "m-1", UserToken: "c", Total: math.NaN()}, ErrValidation},
		{"positions above total", QuoteRequest{Mode: ModeEarn, MerchantID: "m-1", UserToken: "c", Total: 10,
			Positions: []Position{{Qty: 2, Price: 10}}}, ErrValidation},
		{"negative price", QuoteRequest{Mode: ModeEarn, MerchantID: "m-1", UserToken: "c", Total: 10,
			Positions: []Position{{Qty: 1, Price: -1}}}, ErrValidation},
		{"missing token", QuoteRequest{Mode: ModeEarn, MerchantID: "m-1", Total: 10}, ErrValidation},
		{"missing merchant", QuoteRequest{Mode: ModeEarn, UserToken: "c", Total: 10}, ErrValidation},
		{"unknown merchant", QuoteRequest{Mode: ModeEarn, MerchantID: "nope", UserToken: "c", Total: 10}, ErrMerchantNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Quote(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCommit_RedeemConsumesOldestFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seedABC(t, "c-1")

	q := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-1", Total: 1000, RedeemAmount: ptr(int64(120))})
	res, err := f.svc.Commit(context.Background(), CommitRequest{
		MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-1", ReceiptNumber: "R-77",
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.OK || res.RedeemApplied != 120 || res.EarnApplied != 0 || res.ReceiptID == "" {
		t.Fatalf("res = %+v", res)
	}

	lots := f.lots(t, "c-1")
	if lots["A"].ConsumedPoints != 100 || lots["B"].ConsumedPoints != 30 || lots["C"].ConsumedPoints != 0 {
		t.Fatalf("consumed A=%d B=%d C=%d", lots["A"].ConsumedPoints, lots["B"].ConsumedPoints, lots["C"].ConsumedPoints)
	}
	if b := f.balance(t, "c-1"); b != 50 {
		t.Fatalf("balance = %d, want 50", b)
	}

	txs := f.store.Transactions()
	if len(txs) != 1 || txs[0].Type != TxRedeem || txs[0].Amount != -120 || txs[0].IdempotencyKey != "commit:m-1:o-1" {
		t.Fatalf("txs = %+v", txs)
	}
	if h, _ := f.store.Hold(q.HoldID); h.Status != HoldCommitted || h.CommittedAt == nil {
		t.Fatalf("hold = %+v", h)
	}
	if n := len(f.events(t, outbox.TypeLotConsumed)); n != 2 {
		t.Fatalf("consumed events = %d, want 2", n)
	}
	if n := len(f.events(t, outbox.TypeCommit)); n != 1 {
		t.Fatalf("commit events = %d, want 1", n)
	}
}

func TestCommit_EarnCreatesLot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	q := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-9", Total: 1000, OutletID: "out-1"})
	res, err := f.svc.Commit(context.Background(), CommitRequest{MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-9"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.EarnApplied != 50 {
		t.Fatalf("earnApplied = %d", res.EarnApplied)
	}

	lots := f.lots(t, "c-1")
	if len(lots) != 1 {
		t.Fatalf("lots = %+v", lots)
	}
	for _, l := range lots {
		if l.Points != 50 || l.SourceOrderID != "o-9" || l.SourceReceiptID != res.ReceiptID || l.OutletID != "out-1" {
			t.Fatalf("lot = %+v", l)
		}
		if l.ExpiresAt == nil || !l.ExpiresAt.Equal(t0.Add(365*24*time.Hour)) {
			t.Fatalf("expiresAt = %v", l.ExpiresAt)
		}
	}
}

func TestCommit_IdempotentReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seedABC(t, "c-1")
	ctx := context.Background()

	q := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-1", Total: 1000, RedeemAmount: ptr(int64(60))})
	req := CommitRequest{MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-1", IdempotencyKey: "commit:m-1:o-1"}

	first, err := f.svc.Commit(ctx, req)
	if err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	balance := f.balance(t, "c-1")
	events := len(f.events(t, ""))

	second, err := f.svc.Commit(ctx, req)
	if err != nil {
		t.Fatalf("replayed Commit: %v", err)
	}
	if first != second {
		t.Fatalf("replay differs: %+v vs %+v", first, second)
	}
	if b := f.balance(t, "c-1"); b != balance {
		t.Fatalf("balance changed on replay: %d -> %d", balance, b)
	}
	if n := len(f.events(t, "")); n != events {
		t.Fatalf("replay enqueued events: %d -> %d", events, n)
	}
	if n := len(f.store.Transactions()); n != 1 {
		t.Fatalf("transactions = %d", n)
	}

	conflict := req
	conflict.ReceiptNumber = "different"
	if _, err := f.svc.Commit(ctx, conflict); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}

	other := req
	other.IdempotencyKey = "another-key"
	if _, err := f.svc.Commit(ctx, other); !errors.Is(err, ErrHoldAlreadyCommitted) {
		t.Fatalf("err = %v, want ErrHoldAlreadyCommitted", err)
	}
}

func TestCommit_Rejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("expired hold is marked expired", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{HoldTTL: time.Minute})
		f.seedABC(t, "c-1")
		q := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-1", Total: 100})

		f.clock.Advance(time.Minute)
		for i := 0; i < 2; i++ {
			_, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-1"})
			if !errors.Is(err, ErrHoldExpired) {
				t.Fatalf("attempt %d: err = %v", i, err)
			}
		}
		if h, _ := f.store.Hold(q.HoldID); h.Status != HoldExpired {
			t.Fatalf("status = %s", h.Status)
		}
		if f.balance(t, "c-1") != 170 || len(f.store.Transactions()) != 0 {
			t.Fatalf("expired commit mutated the ledger")
		}
	})

	t.Run("balance shrank after quote", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{})
		f.seedABC(t, "c-1")
		big := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-1", Total: 1000})
		small := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-2", Total: 1000, RedeemAmount: ptr(int64(100))})

		if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: small.HoldID, OrderID: "o-2"}); err != nil {
			t.Fatalf("Commit small: %v", err)
		}
		_, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: big.HoldID, OrderID: "o-1"})
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("err = %v", err)
		}
		if b := f.balance(t, "c-1"); b != 70 {
			t.Fatalf("balance = %d, want 70", b)
		}
		if h, _ := f.store.Hold(big.HoldID); h.Status != HoldOpen {
			t.Fatalf("failed commit changed hold: %s", h.Status)
		}
	})

	t.Run("foreign merchant", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{})
		q := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-1", Total: 1000})
		_, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-2", HoldID: q.HoldID, OrderID: "o-1"})
		if !errors.Is(err, ErrHoldForbidden) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("order mismatch", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{})
		q := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-1", Total: 1000})
		_, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-2"})
		if !errors.Is(err, ErrOrderMismatch) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("order settled by another hold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{})
		a := f.quote(t, QuoteRequest{Mode: ModeEarn, Total: 1000})
		b := f.quote(t, QuoteRequest{Mode: ModeEarn, Total: 1000})
		if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: a.HoldID, OrderID: "o-1"}); err != nil {
			t.Fatalf("Commit a: %v", err)
		}
		_, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: b.HoldID, OrderID: "o-1", IdempotencyKey: "k-b"})
		if !errors.Is(err, ErrOrderAlreadySettled) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unknown hold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Config{})
		_, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: "nope", OrderID: "o-1"})
		if !errors.Is(err, ErrHoldNotFound) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestCommit_ConcurrentSameKeySettlesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seedABC(t, "c-1")
	q := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-1", Total: 1000, RedeemAmount: ptr(int64(90))})

	const n = 16
	results := make([]CommitResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Commit(context.Background(), CommitRequest{
				MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-1",
			})
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("commit %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("commit %d returned %+v, want %+v", i, results[i], results[0])
		}
	}
	if b := f.balance(t, "c-1"); b != 80 {
		t.Fatalf("balance = %d, want 80", b)
	}
}

func TestCommit_ConcurrentHoldsNeverOverspend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seedABC(t, "c-1")

	holds := make([]string, 5)
	for i := range holds {
		orderID := "o-" + string(rune('a'+i))
		holds[i] = f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: orderID, Total: 1000, RedeemAmount: ptr(int64(50))}).HoldID
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i, id := range holds {
		wg.Add(1)
		go func(orderID, holdID string) {
			defer wg.Done()
			_, err := f.svc.Commit(context.Background(), CommitRequest{MerchantID: "m-1", HoldID: holdID, OrderID: orderID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}("o-"+string(rune('a'+i)), id)
	}
	wg.Wait()

	if ok != 3 || rejected != 2 {
		t.Fatalf("ok=%d rejected=%d, want 3/2", ok, rejected)
	}
	if b := f.balance(t, "c-1"); b != 20 {
		t.Fatalf("balance = %d, want 20", b)
	}
}

func TestRefund_RestoresRedeemedPoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seedABC(t, "c-1")
	ctx := context.Background()

	q := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-1", Total: 1000, RedeemAmount: ptr(int64(120))})
	if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-1"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	res, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1", OrderID: "o-1"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !res.OK || res.Share != 1 || res.PointsRestored != 120 || res.PointsRevoked != 0 {
		t.Fatalf("res = %+v", res)
	}
	// LIFO give-back: B (consumed 30) first, then 90 of A.
	lots := f.lots(t, "c-1")
	if lots["A"].ConsumedPoints != 10 || lots["B"].ConsumedPoints != 0 {
		t.Fatalf("consumed A=%d B=%d", lots["A"].ConsumedPoints, lots["B"].ConsumedPoints)
	}
	if n := len(f.events(t, outbox.TypeLotUnconsumed)); n != 2 {
		t.Fatalf("unconsumed events = %d", n)
	}
	if n := len(f.events(t, outbox.TypeRefund)); n != 1 {
		t.Fatalf("refund events = %d", n)
	}

	txs := f.store.Transactions()
	last := txs[len(txs)-1]
	if last.Type != TxRefund || last.Amount != 120 || last.IdempotencyKey != "refund:m-1:o-1" {
		t.Fatalf("refund tx = %+v", last)
	}

	replayed, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1", OrderID: "o-1"})
	if err != nil || replayed != res {
		t.Fatalf("replay = %+v, %v", replayed, err)
	}

	again, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1", ReceiptID: res.ReceiptID, IdempotencyKey: "second"})
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if !again.AlreadyRefunded || again.PointsRestored != 120 {
		t.Fatalf("again = %+v", again)
	}
	if len(f.store.Transactions()) != len(txs) {
		t.Fatalf("already refunded receipt was mutated")
	}
}

func TestRefund_ProportionalRevokesEarnedPoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SharePolicy: ProportionalRefund})
	ctx := context.Background()

	q := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-1", Total: 1000})
	if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-1"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	res, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1", OrderID: "o-1", RefundTotal: ptr(333.0)})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	// floor(50 * 0.333) = 16
	if res.PointsRevoked != 16 || res.PointsRestored != 0 {
		t.Fatalf("res = %+v", res)
	}
	if b := f.balance(t, "c-1"); b != 34 {
		t.Fatalf("balance = %d, want 34", b)
	}
}

func TestRefund_RevokeBoundedByUnspentPoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seedABC(t, "c-1")
	ctx := context.Background()

	earn := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-earn", Total: 1000})
	if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: earn.HoldID, OrderID: "o-earn"}); err != nil {
		t.Fatalf("Commit earn: %v", err)
	}
	f.clock.Advance(time.Second)

	// Spend 200 of 220: the three seeded lots (170) and 30 of the new lot.
	spend := f.quote(t, QuoteRequest{Mode: ModeRedeem, OrderID: "o-spend", Total: 10000, RedeemAmount: ptr(int64(200))})
	if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: spend.HoldID, OrderID: "o-spend"}); err != nil {
		t.Fatalf("Commit spend: %v", err)
	}

	res, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1", OrderID: "o-earn"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if res.PointsRevoked != 20 {
		t.Fatalf("pointsRevoked = %d, want 20", res.PointsRevoked)
	}
	if b := f.balance(t, "c-1"); b != 0 {
		t.Fatalf("balance = %d, want 0", b)
	}
}

func TestRefund_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1", OrderID: "missing"}); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.Refund(ctx, RefundRequest{MerchantID: "m-1", OrderID: "o", RefundTotal: ptr(-1.0)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	q := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-1", Total: 1000})
	if err := f.svc.Cancel(ctx, CancelRequest{MerchantID: "m-2", HoldID: q.HoldID}); !errors.Is(err, ErrHoldForbidden) {
		t.Fatalf("err = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.svc.Cancel(ctx, CancelRequest{MerchantID: "m-1", HoldID: q.HoldID}); err != nil {
			t.Fatalf("Cancel %d: %v", i, err)
		}
	}
	if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: q.HoldID, OrderID: "o-1"}); !errors.Is(err, ErrHoldCancelled) {
		t.Fatalf("err = %v", err)
	}

	q2 := f.quote(t, QuoteRequest{Mode: ModeEarn, OrderID: "o-2", Total: 1000})
	if _, err := f.svc.Commit(ctx, CommitRequest{MerchantID: "m-1", HoldID: q2.HoldID, OrderID: "o-2"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.svc.Cancel(ctx, CancelRequest{MerchantID: "m-1", HoldID: q2.HoldID}); !errors.Is(err, ErrHoldAlreadyCommitted) {
		t.Fatalf("err = %v", err)
	}
}

func TestShareClamp(t *testing.T) {
	t.Parallel()
	r := Receipt{Total: 100}
	tests := []struct {
		refund float64
		want   float64
	}{
		{50, 0.5},
		{250, 1},
		{0, 0},
	}
	for _, tt := range tests {
		got := clampShare(ProportionalRefund.Share(r, RefundRequest{RefundTotal: &tt.refund}))
		if got != tt.want {
			t.Fatalf("share(%v) = %v, want %v", tt.refund, got, tt.want)
		}
	}
	if got := clampShare(math.NaN()); got != 0 {
		t.Fatalf("NaN share = %v", got)
	}
	if got := FullRefund.Share(r, RefundRequest{}); got != 1 {
		t.Fatalf("full share = %v", got)
	}
}
