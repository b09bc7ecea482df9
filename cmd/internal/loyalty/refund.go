package loyalty

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"loyalty/cmd/internal/ids"
	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/merchant"
	"loyalty/cmd/internal/outbox"
)

type refundPayload struct {
	SchemaVersion  int       `json:"schemaVersion"`
	OrderID        string    `json:"orderId"`
	ReceiptID      string    `json:"receiptId"`
	CustomerID     string    `json:"customerId"`
	MerchantID     string    `json:"merchantId"`
	Share          float64   `json:"share"`
	PointsRestored int64     `json:"pointsRestored"`
	PointsRevoked  int64     `json:"pointsRevoked"`
	CreatedAt      time.Time `json:"createdAt"`
	OutletID       string    `json:"outletId,omitempty"`
	StaffID        string    `json:"staffId,omitempty"`
	DeviceID       string    `json:"deviceId,omitempty"`
	RequestID      string    `json:"requestId,omitempty"`
}

// Refund reverses a committed receipt: redeemed points are given back (LIFO over consumed lots)
// and earned points are clawed back (order lots first, then the customer's other live lots).
// A receipt is refunded at most once; later calls return the recorded result.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	req.ReceiptID = strings.TrimSpace(req.ReceiptID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.ReceiptID == "" && req.OrderID == "" {
		return RefundResult{}, invalid("orderId", "orderId, invoice_num or receiptId required")
	}
	if req.RefundTotal != nil && (!finite(*req.RefundTotal) || *req.RefundTotal < 0) {
		return RefundResult{}, invalid("refundTotal", "must be a non-negative number")
	}
	ms, err := s.Merchant(ctx, req.MerchantID)
	if err != nil {
		return RefundResult{}, err
	}

	ref := req.OrderID
	if ref == "" {
		ref = req.ReceiptID
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = DefaultIdempotencyKey(opRefund, ms.ID, ref)
	}
	refundTotal := ""
	if req.RefundTotal != nil {
		refundTotal = strconv.FormatFloat(*req.RefundTotal, 'f', -1, 64)
	}
	hash := fingerprint(opRefund, ms.ID, req.ReceiptID, req.OrderID, refundTotal)
	now := s.now()

	var (
		res      RefundResult
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, idempotencyLockKey(ms.ID, key)); err != nil {
			return err
		}
		ok, err := replay(ctx, tx, ms.ID, key, opRefund, hash, &res)
		if err != nil || ok {
			replayed = ok
			return err
		}

		var rc Receipt
		if req.ReceiptID != "" {
			rc, err = tx.ReceiptByID(ctx, ms.ID, req.ReceiptID)
		} else {
			rc, err = tx.ReceiptByOrder(ctx, ms.ID, req.OrderID)
		}
		if err != nil {
			return err
		}
		if req.ReceiptID != "" && req.OrderID != "" && rc.OrderID != req.OrderID {
			return ErrOrderMismatch
		}
		if err := tx.Lock(ctx, customerLockKey(ms.ID, rc.CustomerID)); err != nil {
			return err
		}
		// Receipts only change under the customer lock; re-read to see a refund that won the race.
		if rc, err = tx.ReceiptByID(ctx, ms.ID, rc.ID); err != nil {
			return err
		}

		if rc.Refund != nil {
			res = *rc.Refund
			res.AlreadyRefunded = true
			return nil
		}

		res, err = s.reverse(ctx, tx, ms, rc, req, key, now)
		if err != nil {
			return err
		}
		return remember(ctx, tx, ms.ID, key, opRefund, hash, res, now)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "loyalty.refund.fail",
			slog.String("merchant_id", ms.ID),
			slog.String("order_id", req.OrderID),
			slog.String("receipt_id", req.ReceiptID),
			slog.String("err", err.Error()),
		)
		return RefundResult{}, err
	}

	s.logger.InfoContext(ctx, "loyalty.refund.ok",
		slog.String("merchant_id", ms.ID),
		slog.String("receipt_id", res.ReceiptID),
		slog.Int64("points_restored", res.PointsRestored),
		slog.Int64("points_revoked", res.PointsRevoked),
		slog.Bool("replayed", replayed),
		slog.Bool("already_refunded", res.AlreadyRefunded),
	)
	return res, nil
}

func (s *Service) reverse(ctx context.Context, tx Tx, ms merchant.Settings, rc Receipt, req RefundRequest, key string, now time.Time) (RefundResult, error) {
	share := clampShare(s.cfg.SharePolicy.Share(rc, req))
	restoreTarget := int64(math.Floor(float64(rc.RedeemApplied) * share))
	revokeTarget := int64(math.Floor(float64(rc.EarnApplied) * share))

	lots, err := tx.CustomerLots(ctx, ms.ID, rc.CustomerID)
	if err != nil {
		return RefundResult{}, err
	}

	unconsume := ledger.PlanUnconsume(lots, restoreTarget)
	lots, err = ledger.Apply(lots, unconsume)
	if err != nil {
		return RefundResult{}, err
	}

	var orderLots, otherLots []ledger.Lot
	for _, l := range ledger.LiveLots(lots, now) {
		if l.SourceOrderID == rc.OrderID {
			orderLots = append(orderLots, l)
		} else {
			otherLots = append(otherLots, l)
		}
	}
	revoke := ledger.PlanRevoke(orderLots, revokeTarget)
	if left := revokeTarget - ledger.Sum(revoke); left > 0 {
		revoke = append(revoke, ledger.PlanRevoke(otherLots, left)...)
	}

	restored := -ledger.Sum(unconsume)
	revoked := ledger.Sum(revoke)

	if err := tx.ApplyDeltas(ctx, unconsume); err != nil {
		return RefundResult{}, err
	}
	if err := tx.ApplyDeltas(ctx, revoke); err != nil {
		return RefundResult{}, err
	}

	if err := tx.InsertTransaction(ctx, Transaction{
		ID:             ids.MustULID(now),
		MerchantID:     ms.ID,
		CustomerID:     rc.CustomerID,
		Type:           TxRefund,
		Amount:         restored - revoked,
		OrderID:        rc.OrderID,
		ReceiptID:      rc.ID,
		IdempotencyKey: key,
		OutletID:       rc.OutletID,
		DeviceID:       rc.DeviceID,
		StaffID:        rc.StaffID,
		CreatedAt:      now,
	}); err != nil {
		return RefundResult{}, err
	}

	res := RefundResult{
		OK:             true,
		ReceiptID:      rc.ID,
		Share:          share,
		PointsRestored: restored,
		PointsRevoked:  revoked,
	}
	rc.CanceledAt = &now
	rc.Refund = &res
	if err := tx.UpdateReceipt(ctx, rc); err != nil {
		return RefundResult{}, err
	}

	events := make([]outbox.Event, 0, len(unconsume)+len(revoke)+1)
	lotEvent := func(typ string, d ledger.Delta, amount int64) error {
		ev, err := outbox.NewEvent(ms.ID, typ, lotPayload{
			MerchantID: ms.ID,
			CustomerID: rc.CustomerID,
			LotID:      d.LotID,
			Amount:     amount,
			OrderID:    rc.OrderID,
			At:         now,
		}, now)
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	}
	for _, d := range unconsume {
		if err := lotEvent(outbox.TypeLotUnconsumed, d, -d.DeltaConsumed); err != nil {
			return RefundResult{}, err
		}
	}
	for _, d := range revoke {
		if err := lotEvent(outbox.TypeLotRevoked, d, d.DeltaConsumed); err != nil {
			return RefundResult{}, err
		}
	}
	ev, err := outbox.NewEvent(ms.ID, outbox.TypeRefund, refundPayload{
		SchemaVersion:  1,
		OrderID:        rc.OrderID,
		ReceiptID:      rc.ID,
		CustomerID:     rc.CustomerID,
		MerchantID:     ms.ID,
		Share:          share,
		PointsRestored: restored,
		PointsRevoked:  revoked,
		CreatedAt:      now,
		OutletID:       rc.OutletID,
		StaffID:        rc.StaffID,
		DeviceID:       rc.DeviceID,
		RequestID:      req.RequestID,
	}, now)
	if err != nil {
		return RefundResult{}, err
	}
	if err := tx.Enqueue(ctx, append(events, ev)...); err != nil {
		return RefundResult{}, err
	}
	return res, nil
}
