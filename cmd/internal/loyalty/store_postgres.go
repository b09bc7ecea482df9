package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/outbox"
	"loyalty/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore runs units of work as READ COMMITTED transactions.
// Partition and idempotency locks are transaction-scoped advisory locks; outbox rows are
// inserted in the same transaction. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a PostgresStore over tables in schema.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("loyalty: nil pool")
	}
	schema, err := pgutil.CheckSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, schema: s.schema}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LotsExpiringBy returns the merchant's lots with an expiry at or before t.
func (s *PostgresStore) LotsExpiringBy(ctx context.Context, merchantID string, t time.Time) ([]ledger.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM `+pgutil.Ident(s.schema, "earn_lots")+`
		  WHERE merchant_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		  ORDER BY earned_at ASC, id ASC`,
		merchantID, t,
	)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

type pgTx struct {
	tx     pgx.Tx
	schema string
}

func (t *pgTx) table(name string) string { return pgutil.Ident(t.schema, name) }

func (t *pgTx) Lock(ctx context.Context, key string) error {
	return pgutil.XactLock(ctx, t.tx, key)
}

func (t *pgTx) GetIdempotency(ctx context.Context, merchantID, key string) (IdempotencyRecord, bool, error) {
	rec := IdempotencyRecord{MerchantID: merchantID, Key: key}
	var result []byte
	err := t.tx.QueryRow(ctx,
		`SELECT operation, request_hash, result, created_at
		   FROM `+t.table("idempotency_keys")+`
		  WHERE merchant_id = $1 AND idempotency_key = $2`,
		merchantID, key,
	).Scan(&rec.Operation, &rec.RequestHash, &result, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	rec.Result = json.RawMessage(result)
	return rec, true, nil
}

func (t *pgTx) PutIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("idempotency_keys")+`
		   (merchant_id, idempotency_key, operation, request_hash, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.MerchantID, rec.Key, rec.Operation, rec.RequestHash, []byte(rec.Result), rec.CreatedAt,
	)
	if pgutil.IsUniqueViolation(err) {
		return ErrIdempotencyConflict
	}
	return err
}

const holdColumns = `id, merchant_id, customer_id, order_id, mode, amount, total, eligible_total, status,
	outlet_id, device_id, staff_id, created_at, expires_at, committed_at`

func (t *pgTx) InsertHold(ctx context.Context, h Hold) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("holds")+` (`+holdColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		h.ID, h.MerchantID, h.CustomerID, h.OrderID, string(h.Mode), h.Amount, h.Total, h.EligibleTotal,
		string(h.Status), h.OutletID, h.DeviceID, h.StaffID, h.CreatedAt, h.ExpiresAt, h.CommittedAt,
	)
	return err
}

func (t *pgTx) GetHoldForUpdate(ctx context.Context, holdID string) (Hold, error) {
	var (
		h            Hold
		mode, status string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT `+holdColumns+` FROM `+t.table("holds")+` WHERE id = $1 FOR UPDATE`,
		holdID,
	).Scan(
		&h.ID, &h.MerchantID, &h.CustomerID, &h.OrderID, &mode, &h.Amount, &h.Total, &h.EligibleTotal, &status,
		&h.OutletID, &h.DeviceID, &h.StaffID, &h.CreatedAt, &h.ExpiresAt, &h.CommittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	if err != nil {
		return Hold{}, err
	}
	h.Mode = Mode(mode)
	h.Status = HoldStatus(status)
	return h, nil
}

func (t *pgTx) UpdateHold(ctx context.Context, h Hold) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.table("holds")+`
		    SET status = $2, order_id = $3, committed_at = $4, updated_at = now()
		  WHERE id = $1`,
		h.ID, string(h.Status), h.OrderID, h.CommittedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrHoldNotFound
	}
	return nil
}

const lotColumns = `id, merchant_id, customer_id, points, consumed_points, earned_at, expires_at,
	source_order_id, source_receipt_id, outlet_id, device_id, staff_id`

func scanLots(rows pgx.Rows) ([]ledger.Lot, error) {
	defer rows.Close()

	var out []ledger.Lot
	for rows.Next() {
		var l ledger.Lot
		if err := rows.Scan(
			&l.ID, &l.MerchantID, &l.CustomerID, &l.Points, &l.ConsumedPoints, &l.EarnedAt, &l.ExpiresAt,
			&l.SourceOrderID, &l.SourceReceiptID, &l.OutletID, &l.DeviceID, &l.StaffID,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) CustomerLots(ctx context.Context, merchantID, customerID string) ([]ledger.Lot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+lotColumns+` FROM `+t.table("earn_lots")+`
		  WHERE merchant_id = $1 AND customer_id = $2
		  ORDER BY earned_at ASC, id ASC`,
		merchantID, customerID,
	)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

func (t *pgTx) InsertLot(ctx context.Context, l ledger.Lot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("earn_lots")+` (`+lotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.MerchantID, l.CustomerID, l.Points, l.ConsumedPoints, l.EarnedAt, l.ExpiresAt,
		l.SourceOrderID, l.SourceReceiptID, l.OutletID, l.DeviceID, l.StaffID,
	)
	return err
}

// ApplyDeltas guards every update with the consumed range so a stale plan cannot
// push a lot out of bounds.
func (t *pgTx) ApplyDeltas(ctx context.Context, deltas []ledger.Delta) error {
	for _, d := range deltas {
		tag, err := t.tx.Exec(ctx,
			`UPDATE `+t.table("earn_lots")+`
			    SET consumed_points = consumed_points + $2
			  WHERE id = $1
			    AND consumed_points + $2 BETWEEN 0 AND points`,
			d.LotID, d.DeltaConsumed,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: lot %s", ledger.ErrDeltaOutOfRange, d.LotID)
		}
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr Transaction) error {
	var key *string
	if tr.IdempotencyKey != "" {
		key = &tr.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("transactions")+`
		   (id, merchant_id, customer_id, type, amount, order_id, receipt_id, idempotency_key,
		    outlet_id, device_id, staff_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tr.ID, tr.MerchantID, tr.CustomerID, string(tr.Type), tr.Amount, tr.OrderID, tr.ReceiptID, key,
		tr.OutletID, tr.DeviceID, tr.StaffID, tr.CreatedAt,
	)
	if pgutil.IsUniqueViolation(err) {
		return ErrIdempotencyConflict
	}
	return err
}

func (t *pgTx) SumTransactions(ctx context.Context, merchantID, customerID string, typ TxType, since time.Time) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(ABS(amount)), 0)::BIGINT
		   FROM `+t.table("transactions")+`
		  WHERE merchant_id = $1 AND customer_id = $2 AND type = $3 AND created_at >= $4`,
		merchantID, customerID, string(typ), since,
	).Scan(&sum)
	return sum, err
}

const receiptColumns = `id, merchant_id, customer_id, order_id, receipt_number, hold_id, total, eligible_total,
	redeem_applied, earn_applied, outlet_id, device_id, staff_id, created_at, canceled_at, refund_result`

func (t *pgTx) receipt(ctx context.Context, where string, args ...any) (Receipt, error) {
	var (
		r      Receipt
		refund []byte
	)
	err := t.tx.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM `+t.table("receipts")+` WHERE `+where,
		args...,
	).Scan(
		&r.ID, &r.MerchantID, &r.CustomerID, &r.OrderID, &r.ReceiptNumber, &r.HoldID, &r.Total, &r.EligibleTotal,
		&r.RedeemApplied, &r.EarnApplied, &r.OutletID, &r.DeviceID, &r.StaffID, &r.CreatedAt, &r.CanceledAt, &refund,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrReceiptNotFound
	}
	if err != nil {
		return Receipt{}, err
	}
	if len(refund) > 0 {
		var res RefundResult
		if err := json.Unmarshal(refund, &res); err != nil {
			return Receipt{}, fmt.Errorf("decode refund result: %w", err)
		}
		r.Refund = &res
	}
	return r, nil
}

func (t *pgTx) ReceiptByID(ctx context.Context, merchantID, receiptID string) (Receipt, error) {
	return t.receipt(ctx, `merchant_id = $1 AND id = $2`, merchantID, receiptID)
}

func (t *pgTx) ReceiptByOrder(ctx context.Context, merchantID, orderID string) (Receipt, error) {
	return t.receipt(ctx, `merchant_id = $1 AND order_id = $2`, merchantID, orderID)
}

func (t *pgTx) InsertReceipt(ctx context.Context, r Receipt) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("receipts")+` (`+receiptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULL)`,
		r.ID, r.MerchantID, r.CustomerID, r.OrderID, r.ReceiptNumber, r.HoldID, r.Total, r.EligibleTotal,
		r.RedeemApplied, r.EarnApplied, r.OutletID, r.DeviceID, r.StaffID, r.CreatedAt, r.CanceledAt,
	)
	if pgutil.IsUniqueViolation(err) {
		return ErrOrderAlreadySettled
	}
	return err
}

func (t *pgTx) UpdateReceipt(ctx context.Context, r Receipt) error {
	var refund []byte
	if r.Refund != nil {
		raw, err := json.Marshal(r.Refund)
		if err != nil {
			return err
		}
		refund = raw
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.table("receipts")+`
		    SET canceled_at = $2, refund_result = $3
		  WHERE id = $1`,
		r.ID, r.CanceledAt, refund,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, events ...outbox.Event) error {
	return outbox.InsertTx(ctx, t.tx, t.schema, events...)
}
