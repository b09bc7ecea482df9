package loyalty

import "math"

// SharePolicy decides which fraction of a receipt a refund reverses.
// The result is clamped to [0, 1] by the caller.
type SharePolicy interface {
	Share(r Receipt, req RefundRequest) float64
}

// SharePolicyFunc adapts a function to SharePolicy.
type SharePolicyFunc func(r Receipt, req RefundRequest) float64

func (f SharePolicyFunc) Share(r Receipt, req RefundRequest) float64 { return f(r, req) }

// FullRefund reverses the whole receipt regardless of the refunded amount.
var FullRefund SharePolicy = SharePolicyFunc(func(Receipt, RefundRequest) float64 { return 1 })

// ProportionalRefund reverses refundTotal / receipt total. A missing refund total means a full refund.
var ProportionalRefund SharePolicy = SharePolicyFunc(func(r Receipt, req RefundRequest) float64 {
	if req.RefundTotal == nil || r.Total <= 0 {
		return 1
	}
	return *req.RefundTotal / float64(r.Total)
})

func clampShare(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
