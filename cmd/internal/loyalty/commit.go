package loyalty

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"loyalty/cmd/internal/ids"
	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/merchant"
	"loyalty/cmd/internal/outbox"
)

type commitPayload struct {
	SchemaVersion int       `json:"schemaVersion"`
	HoldID        string    `json:"holdId"`
	OrderID       string    `json:"orderId"`
	CustomerID    string    `json:"customerId"`
	MerchantID    string    `json:"merchantId"`
	RedeemApplied int64     `json:"redeemApplied"`
	EarnApplied   int64     `json:"earnApplied"`
	ReceiptID     string    `json:"receiptId"`
	CreatedAt     time.Time `json:"createdAt"`
	OutletID      string    `json:"outletId,omitempty"`
	StaffID       string    `json:"staffId,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
}

type lotPayload struct {
	MerchantID string    `json:"merchantId"`
	CustomerID string    `json:"customerId"`
	LotID      string    `json:"lotId"`
	Amount     int64     `json:"amount"`
	OrderID    string    `json:"orderId"`
	At         time.Time `json:"at"`
}

// Commit settles an OPEN hold exactly once per (merchant, idempotency key).
// A replay with the same key and request returns the stored result without touching the ledger.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	req.HoldID = strings.TrimSpace(req.HoldID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	switch {
	case req.HoldID == "":
		return CommitResult{}, invalid("holdId", "required")
	case req.OrderID == "":
		return CommitResult{}, invalid("orderId", "required")
	}
	ms, err := s.Merchant(ctx, req.MerchantID)
	if err != nil {
		return CommitResult{}, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = DefaultIdempotencyKey(opCommit, ms.ID, req.OrderID)
	}
	hash := fingerprint(opCommit, ms.ID, req.HoldID, req.OrderID, req.ReceiptNumber)
	now := s.now()

	var (
		res      CommitResult
		replayed bool
		expired  bool
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, idempotencyLockKey(ms.ID, key)); err != nil {
			return err
		}
		ok, err := replay(ctx, tx, ms.ID, key, opCommit, hash, &res)
		if err != nil || ok {
			replayed = ok
			return err
		}

		h, err := tx.GetHoldForUpdate(ctx, req.HoldID)
		if err != nil {
			return err
		}
		if h.MerchantID != ms.ID {
			return ErrHoldForbidden
		}
		if err := tx.Lock(ctx, customerLockKey(ms.ID, h.CustomerID)); err != nil {
			return err
		}

		switch h.Status {
		case HoldCommitted:
			return ErrHoldAlreadyCommitted
		case HoldCancelled:
			return ErrHoldCancelled
		case HoldExpired:
			return ErrHoldExpired
		}
		if !now.Before(h.ExpiresAt) {
			// Persist the transition, then report it after the unit commits.
			h.Status = HoldExpired
			expired = true
			return tx.UpdateHold(ctx, h)
		}
		if h.OrderID != "" && h.OrderID != req.OrderID {
			return ErrOrderMismatch
		}
		if prior, err := tx.ReceiptByOrder(ctx, ms.ID, req.OrderID); err == nil {
			if prior.HoldID != h.ID {
				return ErrOrderAlreadySettled
			}
			return ErrHoldAlreadyCommitted
		} else if !errors.Is(err, ErrReceiptNotFound) {
			return err
		}

		res, err = s.settle(ctx, tx, ms, h, req, key, now)
		if err != nil {
			return err
		}
		return remember(ctx, tx, ms.ID, key, opCommit, hash, res, now)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "loyalty.commit.fail",
			slog.String("merchant_id", ms.ID),
			slog.String("hold_id", req.HoldID),
			slog.String("err", err.Error()),
		)
		return CommitResult{}, err
	}
	if expired {
		return CommitResult{}, ErrHoldExpired
	}

	s.logger.InfoContext(ctx, "loyalty.commit.ok",
		slog.String("merchant_id", ms.ID),
		slog.String("hold_id", res.HoldID),
		slog.String("receipt_id", res.ReceiptID),
		slog.Bool("replayed", replayed),
	)
	return res, nil
}

// settle applies the hold to the ledger. The caller holds the customer lock.
func (s *Service) settle(ctx context.Context, tx Tx, ms merchant.Settings, h Hold, req CommitRequest, key string, now time.Time) (CommitResult, error) {
	receiptID := ids.MustULID(now)
	t := Transaction{
		ID:             ids.MustULID(now),
		MerchantID:     ms.ID,
		CustomerID:     h.CustomerID,
		OrderID:        req.OrderID,
		ReceiptID:      receiptID,
		IdempotencyKey: key,
		OutletID:       h.OutletID,
		DeviceID:       h.DeviceID,
		StaffID:        h.StaffID,
		CreatedAt:      now,
	}

	var (
		redeemApplied, earnApplied int64
		events                     []outbox.Event
	)
	switch h.Mode {
	case ModeRedeem:
		lots, err := tx.CustomerLots(ctx, ms.ID, h.CustomerID)
		if err != nil {
			return CommitResult{}, err
		}
		live := ledger.LiveLots(lots, now)
		if ledger.LiveBalance(live, now) < h.Amount {
			return CommitResult{}, ErrInsufficientBalance
		}
		deltas := ledger.PlanConsume(live, h.Amount)
		if err := tx.ApplyDeltas(ctx, deltas); err != nil {
			return CommitResult{}, err
		}
		for _, d := range deltas {
			ev, err := outbox.NewEvent(ms.ID, outbox.TypeLotConsumed, lotPayload{
				MerchantID: ms.ID,
				CustomerID: h.CustomerID,
				LotID:      d.LotID,
				Amount:     d.DeltaConsumed,
				OrderID:    req.OrderID,
				At:         now,
			}, now)
			if err != nil {
				return CommitResult{}, err
			}
			events = append(events, ev)
		}
		redeemApplied = h.Amount
		t.Type, t.Amount = TxRedeem, -h.Amount

	case ModeEarn:
		lot := ledger.Lot{
			ID:              ids.MustULID(now),
			MerchantID:      ms.ID,
			CustomerID:      h.CustomerID,
			Points:          h.Amount,
			EarnedAt:        now,
			SourceOrderID:   req.OrderID,
			SourceReceiptID: receiptID,
			OutletID:        h.OutletID,
			DeviceID:        h.DeviceID,
			StaffID:         h.StaffID,
		}
		if ms.PointsTTL > 0 {
			exp := now.Add(ms.PointsTTL)
			lot.ExpiresAt = &exp
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return CommitResult{}, err
		}
		earnApplied = h.Amount
		t.Type, t.Amount = TxEarn, h.Amount

	default:
		return CommitResult{}, invalid("mode", "unknown hold mode")
	}

	if err := tx.InsertTransaction(ctx, t); err != nil {
		return CommitResult{}, err
	}
	if err := tx.InsertReceipt(ctx, Receipt{
		ID:            receiptID,
		MerchantID:    ms.ID,
		CustomerID:    h.CustomerID,
		OrderID:       req.OrderID,
		ReceiptNumber: strings.TrimSpace(req.ReceiptNumber),
		HoldID:        h.ID,
		Total:         h.Total,
		EligibleTotal: h.EligibleTotal,
		RedeemApplied: redeemApplied,
		EarnApplied:   earnApplied,
		OutletID:      h.OutletID,
		DeviceID:      h.DeviceID,
		StaffID:       h.StaffID,
		CreatedAt:     now,
	}); err != nil {
		return CommitResult{}, err
	}

	h.Status = HoldCommitted
	h.CommittedAt = &now
	if h.OrderID == "" {
		h.OrderID = req.OrderID
	}
	if err := tx.UpdateHold(ctx, h); err != nil {
		return CommitResult{}, err
	}

	ev, err := outbox.NewEvent(ms.ID, outbox.TypeCommit, commitPayload{
		SchemaVersion: 1,
		HoldID:        h.ID,
		OrderID:       req.OrderID,
		CustomerID:    h.CustomerID,
		MerchantID:    ms.ID,
		RedeemApplied: redeemApplied,
		EarnApplied:   earnApplied,
		ReceiptID:     receiptID,
		CreatedAt:     now,
		OutletID:      h.OutletID,
		StaffID:       h.StaffID,
		DeviceID:      h.DeviceID,
		RequestID:     req.RequestID,
	}, now)
	if err != nil {
		return CommitResult{}, err
	}
	if err := tx.Enqueue(ctx, append(events, ev)...); err != nil {
		return CommitResult{}, err
	}

	return CommitResult{
		OK:            true,
		HoldID:        h.ID,
		ReceiptID:     receiptID,
		RedeemApplied: redeemApplied,
		EarnApplied:   earnApplied,
	}, nil
}
