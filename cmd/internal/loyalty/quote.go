package loyalty

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"loyalty/cmd/internal/ids"
	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/merchant"
)

// maxMoney bounds totals so bps arithmetic stays inside int64.
const maxMoney = 1e13

const capWindow = 24 * time.Hour

// ParseMode accepts "earn" and "redeem" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeEarn:
		return ModeEarn, nil
	case ModeRedeem:
		return ModeRedeem, nil
	}
	return "", invalid("mode", "must be earn or redeem")
}

// Quote computes the discount or earn amount for an order and issues a Hold for it.
// Quotes never touch lots; the amount is advisory until commit re-validates it.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (QuoteResult, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return QuoteResult{}, err
	}
	eligibleF, err := eligibleTotal(req.Total, req.Positions)
	if err != nil {
		return QuoteResult{}, err
	}
	if req.RedeemAmount != nil && *req.RedeemAmount < 0 {
		return QuoteResult{}, invalid("redeemAmount", "must not be negative")
	}

	ms, err := s.Merchant(ctx, req.MerchantID)
	if err != nil {
		return QuoteResult{}, err
	}
	customerID, err := s.customers.ResolveCustomer(ctx, req.MerchantID, req.UserToken)
	if err != nil {
		return QuoteResult{}, err
	}

	total := int64(math.Floor(req.Total))
	eligible := int64(math.Floor(eligibleF))
	now := s.now()

	res := QuoteResult{Mode: mode}
	err = s.store.InTx(ctx, func(tx Tx) error {
		lots, err := tx.CustomerLots(ctx, ms.ID, customerID)
		if err != nil {
			return err
		}
		res.Balance = ledger.LiveBalance(lots, now)

		// One receipt per order: a hold for a settled order could never commit.
		if orderID := strings.TrimSpace(req.OrderID); orderID != "" {
			_, err := tx.ReceiptByOrder(ctx, ms.ID, orderID)
			switch {
			case err == nil:
				return ErrOrderAlreadySettled
			case !errors.Is(err, ErrReceiptNotFound):
				return err
			}
		}

		var amount int64
		switch mode {
		case ModeRedeem:
			amount, err = s.redeemAmount(ctx, tx, ms, customerID, req, total, eligible, res.Balance, now)
		case ModeEarn:
			amount, err = s.earnAmount(ctx, tx, ms, customerID, total, eligible, now)
		}
		if err != nil {
			return err
		}

		switch mode {
		case ModeRedeem:
			payable := total - amount
			res.DiscountToApply = &amount
			res.FinalPayable = &payable
		case ModeEarn:
			res.PointsToEarn = &amount
		}
		if amount == 0 {
			return nil
		}

		h := Hold{
			ID:            ids.MustULID(now),
			MerchantID:    ms.ID,
			CustomerID:    customerID,
			OrderID:       strings.TrimSpace(req.OrderID),
			Mode:          mode,
			Amount:        amount,
			Total:         total,
			EligibleTotal: eligible,
			Status:        HoldOpen,
			OutletID:      req.OutletID,
			DeviceID:      req.DeviceID,
			StaffID:       req.StaffID,
			CreatedAt:     now,
			ExpiresAt:     now.Add(s.holdTTL(ms)),
		}
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		res.HoldID = h.ID
		res.ExpiresAt = &h.ExpiresAt
		return nil
	})
	if err != nil {
		return QuoteResult{}, err
	}

	s.logger.InfoContext(ctx, "loyalty.quote.ok",
		slog.String("merchant_id", ms.ID),
		slog.String("mode", string(mode)),
		slog.String("hold_id", res.HoldID),
	)
	return res, nil
}

// redeemAmount bounds the redeem share of the eligible total by the trailing 24h cap, the minimum
// payment, the cashier's manual amount and the live balance.
func (s *Service) redeemAmount(ctx context.Context, tx Tx, ms merchant.Settings, customerID string, req QuoteRequest, total, eligible, balance int64, now time.Time) (int64, error) {
	limit := eligible * ms.RedeemLimitBps / 10000

	if ms.RedeemDailyCap > 0 {
		used, err := tx.SumTransactions(ctx, ms.ID, customerID, TxRedeem, now.Add(-capWindow))
		if err != nil {
			return 0, err
		}
		limit = min(limit, ms.RedeemDailyCap-used)
	}
	if ms.MinPaymentAmount > 0 {
		limit = min(limit, total-ms.MinPaymentAmount)
	}
	if req.RedeemAmount != nil {
		limit = min(limit, *req.RedeemAmount)
	}
	return max(0, min(limit, balance)), nil
}

func (s *Service) earnAmount(ctx context.Context, tx Tx, ms merchant.Settings, customerID string, total, eligible int64, now time.Time) (int64, error) {
	if total < ms.MinPaymentAmount {
		return 0, nil
	}
	amount := eligible * ms.EarnBps / 10000
	if ms.EarnDailyCap > 0 {
		used, err := tx.SumTransactions(ctx, ms.ID, customerID, TxEarn, now.Add(-capWindow))
		if err != nil {
			return 0, err
		}
		amount = min(amount, ms.EarnDailyCap-used)
	}
	return max(0, amount), nil
}

// eligibleTotal is the sum over eligible positions, or total when there are none.
func eligibleTotal(total float64, positions []Position) (float64, error) {
	if !finite(total) || total < 0 {
		return 0, invalid("total", "must be a non-negative number")
	}
	if total > maxMoney {
		return 0, invalid("total", "too large")
	}
	if len(positions) == 0 {
		return total, nil
	}

	var sum, all float64
	for i, p := range positions {
		if !finite(p.Qty) || !finite(p.Price) || p.Qty < 0 || p.Price < 0 {
			return 0, ValidationError{Field: "positions", Msg: "position " + positionRef(i, p) + " has a negative or invalid qty/price"}
		}
		line := p.Qty * p.Price
		all += line
		if p.eligible() {
			sum += line
		}
	}
	// Cent-level rounding in client totals is tolerated.
	if all > total+0.01 {
		return 0, invalid("positions", "sum exceeds total")
	}
	return min(sum, total), nil
}

func positionRef(i int, p Position) string {
	if p.ID != "" {
		return p.ID
	}
	return "#" + strconv.Itoa(i)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
