package loyalty

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed requests. No state is changed.
	ErrValidation = errors.New("validation failed")

	// ErrMerchantNotFound is returned when the merchant has no settings.
	ErrMerchantNotFound = errors.New("merchant not found")

	// ErrHoldNotFound is returned when a hold id does not exist.
	ErrHoldNotFound = errors.New("hold not found")

	// ErrHoldForbidden is returned when a hold belongs to a different merchant.
	ErrHoldForbidden = errors.New("hold belongs to another merchant")

	// ErrHoldExpired is returned when the hold's TTL elapsed before commit.
	ErrHoldExpired = errors.New("hold expired")

	// ErrHoldAlreadyCommitted is returned when a hold is committed again under a different key.
	ErrHoldAlreadyCommitted = errors.New("hold already committed")

	// ErrHoldCancelled is returned when committing a cancelled hold.
	ErrHoldCancelled = errors.New("hold cancelled")

	// ErrOrderMismatch is returned when the commit order id differs from the one quoted.
	ErrOrderMismatch = errors.New("order does not match hold")

	// ErrOrderAlreadySettled is returned when another hold already produced a receipt for the order.
	ErrOrderAlreadySettled = errors.New("order already settled")

	// ErrInsufficientBalance is returned when live balance no longer covers a redeem hold.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrIdempotencyConflict is returned when a key is reused with a different request.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")

	// ErrReceiptNotFound is returned when a refund cannot locate the original receipt.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Msg)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return ValidationError{Field: field, Msg: msg}
}
