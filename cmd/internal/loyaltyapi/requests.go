package loyaltyapi

import (
	"loyalty/cmd/internal/loyalty"
	"loyalty/cmd/internal/outbox"
)

// Request bodies are decoded strictly; the outlet, device and staff fields are
// accepted everywhere because the throttle keys on them.

type quoteRequest struct {
	Mode         string             `json:"mode"`
	MerchantID   string             `json:"merchantId"`
	OrderID      string             `json:"orderId"`
	Total        float64            `json:"total"`
	Positions    []loyalty.Position `json:"positions"`
	UserToken    string             `json:"userToken"`
	RedeemAmount *int64             `json:"redeemAmount"`
	OutletID     string             `json:"outletId"`
	DeviceID     string             `json:"deviceId"`
	StaffID      string             `json:"staffId"`
}

type commitRequest struct {
	MerchantID    string `json:"merchantId"`
	HoldID        string `json:"holdId"`
	OrderID       string `json:"orderId"`
	ReceiptNumber string `json:"receiptNumber"`
	OutletID      string `json:"outletId"`
	DeviceID      string `json:"deviceId"`
	StaffID       string `json:"staffId"`
}

type refundRequest struct {
	MerchantID  string   `json:"merchantId"`
	ReceiptID   string   `json:"receiptId"`
	OrderID     string   `json:"orderId"`
	InvoiceNum  string   `json:"invoice_num"`
	RefundTotal *float64 `json:"refundTotal"`
	OutletID    string   `json:"outletId"`
	DeviceID    string   `json:"deviceId"`
	StaffID     string   `json:"staffId"`
}

type cancelRequest struct {
	MerchantID string `json:"merchantId"`
	HoldID     string `json:"holdId"`
	OutletID   string `json:"outletId"`
	DeviceID   string `json:"deviceId"`
	StaffID    string `json:"staffId"`
}

type previewRequest struct {
	MerchantID  string `json:"merchantId"`
	HorizonDays int    `json:"horizonDays"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type previewResponse struct {
	OK       bool `json:"ok"`
	Enqueued int  `json:"enqueued"`
}

type outboxListResponse struct {
	Items []outbox.Event `json:"items"`
}
