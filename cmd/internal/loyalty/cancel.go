package loyalty

import (
	"context"
	"log/slog"
	"strings"
)

// Cancel releases an OPEN hold. Cancelling a cancelled hold is a no-op.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) error {
	req.HoldID = strings.TrimSpace(req.HoldID)
	if req.HoldID == "" {
		return invalid("holdId", "required")
	}
	ms, err := s.Merchant(ctx, req.MerchantID)
	if err != nil {
		return err
	}
	err = s.store.InTx(ctx, func(tx Tx) error {
		h, err := tx.GetHoldForUpdate(ctx, req.HoldID)
		if err != nil {
			return err
		}
		if h.MerchantID != ms.ID {
			return ErrHoldForbidden
		}
		switch h.Status {
		case HoldCancelled:
			return nil
		case HoldCommitted:
			return ErrHoldAlreadyCommitted
		case HoldExpired:
			return ErrHoldExpired
		}
		h.Status = HoldCancelled
		return tx.UpdateHold(ctx, h)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "loyalty.cancel.ok",
		slog.String("merchant_id", ms.ID),
		slog.String("hold_id", req.HoldID),
	)
	return nil
}
