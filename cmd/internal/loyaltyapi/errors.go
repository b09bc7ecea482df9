package loyaltyapi

import (
	"errors"
	"log/slog"
	"net/http"

	"loyalty/cmd/internal/loyalty"
	"loyalty/cmd/internal/outbox"
	"loyalty/cmd/security/webhooksig"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{loyalty.ErrMerchantNotFound, http.StatusNotFound, "merchant_not_found"},
	{loyalty.ErrHoldNotFound, http.StatusNotFound, "hold_not_found"},
	{loyalty.ErrReceiptNotFound, http.StatusNotFound, "receipt_not_found"},
	{outbox.ErrEventNotFound, http.StatusNotFound, "event_not_found"},
	{loyalty.ErrHoldForbidden, http.StatusForbidden, "forbidden"},
	{loyalty.ErrHoldAlreadyCommitted, http.StatusConflict, "hold_already_committed"},
	{loyalty.ErrHoldCancelled, http.StatusConflict, "hold_cancelled"},
	{loyalty.ErrOrderMismatch, http.StatusConflict, "order_mismatch"},
	{loyalty.ErrOrderAlreadySettled, http.StatusConflict, "order_already_settled"},
	{loyalty.ErrIdempotencyConflict, http.StatusConflict, "idempotency_conflict"},
	{outbox.ErrNotRetryable, http.StatusConflict, "not_retryable"},
	{loyalty.ErrHoldExpired, http.StatusGone, "hold_expired"},
	{loyalty.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{webhooksig.ErrSignatureInvalid, http.StatusUnauthorized, "invalid_signature"},
}

// writeServiceError maps domain errors to the JSON error envelope.
// Unknown errors are logged and reported as 500 without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, loyalty.ErrValidation) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, m.target.Error())
			return
		}
	}

	h.log.ErrorContext(r.Context(), "loyaltyapi."+op+".fail", slog.String("err", err.Error()))
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}
