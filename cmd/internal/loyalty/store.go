package loyalty

import (
	"context"
	"time"

	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/outbox"
)

// Store runs units of work. fn's writes are committed together when it returns nil
// and discarded otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write set available inside one unit of work.
//
// Implementations must make Lock exclusive per key until the unit ends, and must reject
// ApplyDeltas that would move a lot outside 0 <= consumed <= points.
type Tx interface {
	Lock(ctx context.Context, key string) error

	GetIdempotency(ctx context.Context, merchantID, key string) (IdempotencyRecord, bool, error)
	PutIdempotency(ctx context.Context, rec IdempotencyRecord) error

	InsertHold(ctx context.Context, h Hold) error
	// GetHoldForUpdate returns ErrHoldNotFound for unknown ids.
	GetHoldForUpdate(ctx context.Context, holdID string) (Hold, error)
	UpdateHold(ctx context.Context, h Hold) error

	// CustomerLots returns every lot of the customer, expired ones included, oldest first.
	CustomerLots(ctx context.Context, merchantID, customerID string) ([]ledger.Lot, error)
	InsertLot(ctx context.Context, lot ledger.Lot) error
	ApplyDeltas(ctx context.Context, deltas []ledger.Delta) error

	InsertTransaction(ctx context.Context, t Transaction) error
	// SumTransactions returns the sum of |amount| of type typ created at or after since.
	SumTransactions(ctx context.Context, merchantID, customerID string, typ TxType, since time.Time) (int64, error)

	// ReceiptByID and ReceiptByOrder return ErrReceiptNotFound when absent.
	ReceiptByID(ctx context.Context, merchantID, receiptID string) (Receipt, error)
	ReceiptByOrder(ctx context.Context, merchantID, orderID string) (Receipt, error)
	InsertReceipt(ctx context.Context, r Receipt) error
	UpdateReceipt(ctx context.Context, r Receipt) error

	Enqueue(ctx context.Context, events ...outbox.Event) error
}

func idempotencyLockKey(merchantID, key string) string {
	return "idem:" + merchantID + ":" + key
}

func customerLockKey(merchantID, customerID string) string {
	return "cust:" + merchantID + ":" + customerID
}
