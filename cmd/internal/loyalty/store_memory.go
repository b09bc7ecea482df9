package loyalty

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/outbox"
)

// InMemoryStore is a single-process Store for development and tests.
// Units of work are serialized by one mutex and run against a copy of the state,
// which replaces the live state only when the unit succeeds.
type InMemoryStore struct {
	mu    sync.Mutex
	state memState
	queue outbox.Queue
}

type memState struct {
	holds    map[string]Hold
	lots     map[string]ledger.Lot
	receipts map[string]Receipt
	txs      []Transaction
	idem     map[string]IdempotencyRecord
	txKeys   map[string]struct{}
}

func (s memState) clone() memState {
	return memState{
		holds:    maps.Clone(s.holds),
		lots:     maps.Clone(s.lots),
		receipts: maps.Clone(s.receipts),
		txs:      slices.Clone(s.txs),
		idem:     maps.Clone(s.idem),
		txKeys:   maps.Clone(s.txKeys),
	}
}

// NewInMemoryStore returns an empty store that enqueues events into q.
func NewInMemoryStore(q outbox.Queue) *InMemoryStore {
	return &InMemoryStore{
		queue: q,
		state: memState{
			holds:    make(map[string]Hold),
			lots:     make(map[string]ledger.Lot),
			receipts: make(map[string]Receipt),
			idem:     make(map[string]IdempotencyRecord),
			txKeys:   make(map[string]struct{}),
		},
	}
}

func (s *InMemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.events) > 0 {
		if s.queue == nil {
			return errors.New("loyalty: in-memory store has no outbox queue")
		}
		if err := s.queue.Enqueue(ctx, tx.events...); err != nil {
			return err
		}
	}
	s.state = tx.state
	return nil
}

// LotsExpiringBy returns the merchant's lots with an expiry at or before t.
func (s *InMemoryStore) LotsExpiringBy(ctx context.Context, merchantID string, t time.Time) ([]ledger.Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.Lot
	for _, l := range s.state.lots {
		if l.MerchantID == merchantID && l.ExpiresAt != nil && !l.ExpiresAt.After(t) {
			out = append(out, l)
		}
	}
	sortLots(out)
	return out, nil
}

// Transactions returns a copy of the ledger, oldest first.
func (s *InMemoryStore) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.txs)
}

// Hold returns a hold by id.
func (s *InMemoryStore) Hold(id string) (Hold, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.state.holds[id]
	return h, ok
}

// SeedLot inserts a lot directly; used to load balances in tests and demos.
func (s *InMemoryStore) SeedLot(l ledger.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.lots[l.ID]; ok {
		return fmt.Errorf("loyalty: duplicate lot %s", l.ID)
	}
	s.state.lots[l.ID] = l
	return nil
}

type memTx struct {
	state  memState
	events []outbox.Event
}

// Lock is a no-op: the store mutex already serializes units of work.
func (t *memTx) Lock(context.Context, string) error { return nil }

func idemKey(merchantID, key string) string { return merchantID + "\x00" + key }

func (t *memTx) GetIdempotency(_ context.Context, merchantID, key string) (IdempotencyRecord, bool, error) {
	rec, ok := t.state.idem[idemKey(merchantID, key)]
	return rec, ok, nil
}

func (t *memTx) PutIdempotency(_ context.Context, rec IdempotencyRecord) error {
	k := idemKey(rec.MerchantID, rec.Key)
	if _, ok := t.state.idem[k]; ok {
		return ErrIdempotencyConflict
	}
	t.state.idem[k] = rec
	return nil
}

func (t *memTx) InsertHold(_ context.Context, h Hold) error {
	if _, ok := t.state.holds[h.ID]; ok {
		return fmt.Errorf("loyalty: duplicate hold %s", h.ID)
	}
	t.state.holds[h.ID] = h
	return nil
}

func (t *memTx) GetHoldForUpdate(_ context.Context, holdID string) (Hold, error) {
	h, ok := t.state.holds[holdID]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return h, nil
}

func (t *memTx) UpdateHold(_ context.Context, h Hold) error {
	if _, ok := t.state.holds[h.ID]; !ok {
		return ErrHoldNotFound
	}
	t.state.holds[h.ID] = h
	return nil
}

func (t *memTx) CustomerLots(_ context.Context, merchantID, customerID string) ([]ledger.Lot, error) {
	var out []ledger.Lot
	for _, l := range t.state.lots {
		if l.MerchantID == merchantID && l.CustomerID == customerID {
			out = append(out, l)
		}
	}
	sortLots(out)
	return out, nil
}

func (t *memTx) InsertLot(_ context.Context, l ledger.Lot) error {
	if _, ok := t.state.lots[l.ID]; ok {
		return fmt.Errorf("loyalty: duplicate lot %s", l.ID)
	}
	t.state.lots[l.ID] = l
	return nil
}

func (t *memTx) ApplyDeltas(_ context.Context, deltas []ledger.Delta) error {
	for _, d := range deltas {
		l, ok := t.state.lots[d.LotID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownLot, d.LotID)
		}
		next := l.ConsumedPoints + d.DeltaConsumed
		if next < 0 || next > l.Points {
			return fmt.Errorf("%w: lot %s", ledger.ErrDeltaOutOfRange, d.LotID)
		}
		l.ConsumedPoints = next
		t.state.lots[d.LotID] = l
	}
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr Transaction) error {
	if tr.IdempotencyKey != "" {
		k := idemKey(tr.MerchantID, tr.IdempotencyKey)
		if _, ok := t.state.txKeys[k]; ok {
			return ErrIdempotencyConflict
		}
		t.state.txKeys[k] = struct{}{}
	}
	t.state.txs = append(t.state.txs, tr)
	return nil
}

func (t *memTx) SumTransactions(_ context.Context, merchantID, customerID string, typ TxType, since time.Time) (int64, error) {
	var sum int64
	for _, tr := range t.state.txs {
		if tr.MerchantID != merchantID || tr.CustomerID != customerID || tr.Type != typ {
			continue
		}
		if tr.CreatedAt.Before(since) {
			continue
		}
		sum += abs(tr.Amount)
	}
	return sum, nil
}

func (t *memTx) ReceiptByID(_ context.Context, merchantID, receiptID string) (Receipt, error) {
	r, ok := t.state.receipts[receiptID]
	if !ok || r.MerchantID != merchantID {
		return Receipt{}, ErrReceiptNotFound
	}
	return r, nil
}

func (t *memTx) ReceiptByOrder(_ context.Context, merchantID, orderID string) (Receipt, error) {
	for _, r := range t.state.receipts {
		if r.MerchantID == merchantID && r.OrderID == orderID {
			return r, nil
		}
	}
	return Receipt{}, ErrReceiptNotFound
}

func (t *memTx) InsertReceipt(ctx context.Context, r Receipt) error {
	if _, err := t.ReceiptByOrder(ctx, r.MerchantID, r.OrderID); err == nil {
		return ErrOrderAlreadySettled
	}
	t.state.receipts[r.ID] = r
	return nil
}

func (t *memTx) UpdateReceipt(_ context.Context, r Receipt) error {
	if _, ok := t.state.receipts[r.ID]; !ok {
		return ErrReceiptNotFound
	}
	t.state.receipts[r.ID] = r
	return nil
}

func (t *memTx) Enqueue(_ context.Context, events ...outbox.Event) error {
	t.events = append(t.events, events...)
	return nil
}

func sortLots(lots []ledger.Lot) {
	slices.SortFunc(lots, func(a, b ledger.Lot) int {
		if c := a.EarnedAt.Compare(b.EarnedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
