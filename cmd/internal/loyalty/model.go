package loyalty

import (
	"encoding/json"
	"time"
)

// Mode selects what a quote computes.
type Mode string

const (
	ModeEarn   Mode = "EARN"
	ModeRedeem Mode = "REDEEM"
)

// HoldStatus is the lifecycle state of a Hold.
type HoldStatus string

const (
	HoldOpen      HoldStatus = "OPEN"
	HoldCommitted HoldStatus = "COMMITTED"
	HoldExpired   HoldStatus = "EXPIRED"
	HoldCancelled HoldStatus = "CANCELLED"
)

// TxType classifies ledger transactions.
type TxType string

const (
	TxEarn   TxType = "EARN"
	TxRedeem TxType = "REDEEM"
	TxRefund TxType = "REFUND"
	TxAdjust TxType = "ADJUST"
)

// Hold is a short-lived reservation issued by a quote.
// Money amounts (Total, EligibleTotal) are whole currency units; Amount is points.
type Hold struct {
	ID            string
	MerchantID    string
	CustomerID    string
	OrderID       string
	Mode          Mode
	Amount        int64
	Total         int64
	EligibleTotal int64
	Status        HoldStatus
	OutletID      string
	DeviceID      string
	StaffID       string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	CommittedAt   *time.Time
}

// Receipt records what a commit applied to an order. One per (merchant, order).
type Receipt struct {
	ID            string
	MerchantID    string
	CustomerID    string
	OrderID       string
	ReceiptNumber string
	HoldID        string
	Total         int64
	EligibleTotal int64
	RedeemApplied int64
	EarnApplied   int64
	OutletID      string
	DeviceID      string
	StaffID       string
	CreatedAt     time.Time
	CanceledAt    *time.Time

	// Refund is the stored result of the refund that canceled this receipt.
	Refund *RefundResult
}

// Transaction is an append-only ledger entry. Amount is signed: REDEEM is negative.
type Transaction struct {
	ID             string
	MerchantID     string
	CustomerID     string
	Type           TxType
	Amount         int64
	OrderID        string
	ReceiptID      string
	IdempotencyKey string
	OutletID       string
	DeviceID       string
	StaffID        string
	CreatedAt      time.Time
}

// IdempotencyRecord anchors replay detection for commit and refund.
type IdempotencyRecord struct {
	MerchantID  string
	Key         string
	Operation   string
	RequestHash string
	Result      json.RawMessage
	CreatedAt   time.Time
}

// Position is one order line.
type Position struct {
	ID       string  `json:"id"`
	Qty      float64 `json:"qty"`
	Price    float64 `json:"price"`
	Eligible *bool   `json:"eligible,omitempty"`
}

func (p Position) eligible() bool { return p.Eligible == nil || *p.Eligible }

// QuoteRequest asks for a redeem discount or an earn preview.
type QuoteRequest struct {
	Mode       Mode
	MerchantID string
	OrderID    string
	Total      float64
	Positions  []Position
	UserToken  string

	// RedeemAmount optionally caps the discount to what the cashier asked for.
	RedeemAmount *int64

	OutletID string
	DeviceID string
	StaffID  string
}

// QuoteResult is the quote response. HoldID is empty for zero amounts.
type QuoteResult struct {
	Mode            Mode       `json:"mode"`
	HoldID          string     `json:"holdId,omitempty"`
	DiscountToApply *int64     `json:"discountToApply,omitempty"`
	PointsToEarn    *int64     `json:"pointsToEarn,omitempty"`
	FinalPayable    *int64     `json:"finalPayable,omitempty"`
	Balance         int64      `json:"balance"`
	ExpiresAt       *time.Time `json:"holdExpiresAt,omitempty"`
}

// CommitRequest settles a hold against an order.
type CommitRequest struct {
	MerchantID     string
	HoldID         string
	OrderID        string
	ReceiptNumber  string
	IdempotencyKey string
	RequestID      string
}

// CommitResult is returned by Commit and replayed verbatim for the same idempotency key.
type CommitResult struct {
	OK            bool   `json:"ok"`
	HoldID        string `json:"holdId"`
	ReceiptID     string `json:"receiptId"`
	RedeemApplied int64  `json:"redeemApplied"`
	EarnApplied   int64  `json:"earnApplied"`
}

// RefundRequest reverses a receipt, fully or in part.
type RefundRequest struct {
	MerchantID string
	ReceiptID  string
	OrderID    string
	// RefundTotal is the money refunded; nil means the whole receipt.
	RefundTotal    *float64
	IdempotencyKey string
	RequestID      string
}

// RefundResult is the outcome of a refund.
type RefundResult struct {
	OK              bool    `json:"ok"`
	ReceiptID       string  `json:"receiptId"`
	Share           float64 `json:"share"`
	PointsRestored  int64   `json:"pointsRestored"`
	PointsRevoked   int64   `json:"pointsRevoked"`
	AlreadyRefunded bool    `json:"alreadyRefunded,omitempty"`
}

// CancelRequest releases an open hold.
type CancelRequest struct {
	MerchantID string
	HoldID     string
}
