// Package loyaltyapi exposes the settlement core over HTTP.
package loyaltyapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loyalty/cmd/internal/loyalty"
	"loyalty/cmd/internal/outbox"
	"loyalty/cmd/internal/reconcile"
	"loyalty/cmd/internal/throttle"
	"loyalty/cmd/security/webhooksig"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler wires HTTP endpoints to the settlement service and its operator tools.
type Handler struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	svc        *loyalty.Service
	guard      *throttle.Guard
	queue      outbox.Queue
	reconciler *reconcile.Reconciler
	previewer  *reconcile.Previewer
}

// HandlerOption configures optional dependencies. Endpoints whose dependency is missing answer 503.
type HandlerOption func(*Handler)

// WithThrottle puts guard in front of quote, commit and refund.
func WithThrottle(guard *throttle.Guard) HandlerOption {
	return func(h *Handler) { h.guard = guard }
}

// WithOutbox enables the outbox operator endpoints.
func WithOutbox(q outbox.Queue) HandlerOption {
	return func(h *Handler) { h.queue = q }
}

// WithReconciler enables GET /loyalty/ttl/reconciliation.
func WithReconciler(r *reconcile.Reconciler) HandlerOption {
	return func(h *Handler) { h.reconciler = r }
}

// WithPreviewer enables POST /loyalty/ttl/preview.
func WithPreviewer(p *reconcile.Previewer) HandlerOption {
	return func(h *Handler) { h.previewer = p }
}

// WithClock overrides time.Now for signature checks and outbox retries.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *loyalty.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("loyaltyapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log: log,
		cfg: cfg.withDefaults(),
		now: func() time.Time { return time.Now().UTC() },
		svc: svc,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires the loyalty routes onto r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/loyalty", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.guard != nil {
				r.Use(h.guard.Middleware)
			}
			r.Post("/quote", h.handleQuote)
			r.Post("/commit", h.handleCommit)
			r.Post("/refund", h.handleRefund)
		})
		r.Post("/cancel", h.handleCancel)

		r.Get("/ttl/reconciliation", h.handleReconciliation)
		r.Post("/ttl/preview", h.handlePreview)

		r.Get("/outbox", h.handleOutboxList)
		r.Post("/outbox/{id}/retry", h.handleOutboxRetry)
	})
}

// ---- settlement ----

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if _, err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.svc.Quote(r.Context(), loyalty.QuoteRequest{
		Mode:         loyalty.Mode(req.Mode),
		MerchantID:   req.MerchantID,
		OrderID:      req.OrderID,
		Total:        req.Total,
		Positions:    req.Positions,
		UserToken:    req.UserToken,
		RedeemAmount: req.RedeemAmount,
		OutletID:     req.OutletID,
		DeviceID:     req.DeviceID,
		StaffID:      req.StaffID,
	})
	if err != nil {
		h.writeServiceError(w, r, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	raw, err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.checkBridgeSignature(r, req.MerchantID, raw); err != nil {
		h.writeServiceError(w, r, "commit", err)
		return
	}

	res, err := h.svc.Commit(r.Context(), loyalty.CommitRequest{
		MerchantID:     req.MerchantID,
		HoldID:         req.HoldID,
		OrderID:        req.OrderID,
		ReceiptNumber:  req.ReceiptNumber,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RequestID:      middleware.GetReqID(r.Context()),
	})
	if err != nil {
		h.writeServiceError(w, r, "commit", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	raw, err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.checkBridgeSignature(r, req.MerchantID, raw); err != nil {
		h.writeServiceError(w, r, "refund", err)
		return
	}

	orderID := req.OrderID
	if strings.TrimSpace(orderID) == "" {
		orderID = req.InvoiceNum
	}
	res, err := h.svc.Refund(r.Context(), loyalty.RefundRequest{
		MerchantID:     req.MerchantID,
		ReceiptID:      req.ReceiptID,
		OrderID:        orderID,
		RefundTotal:    req.RefundTotal,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RequestID:      middleware.GetReqID(r.Context()),
	})
	if err != nil {
		h.writeServiceError(w, r, "refund", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if _, err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.svc.Cancel(r.Context(), loyalty.CancelRequest{MerchantID: req.MerchantID, HoldID: req.HoldID}); err != nil {
		h.writeServiceError(w, r, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// checkBridgeSignature enforces X-Bridge-Signature for merchants that require it.
// A signature sent to a merchant that does not require one is still checked when secrets exist.
func (h *Handler) checkBridgeSignature(r *http.Request, merchantID string, body []byte) error {
	header := strings.TrimSpace(r.Header.Get(webhooksig.HeaderBridgeSignature))

	ms, err := h.svc.Merchant(r.Context(), merchantID)
	if err != nil {
		// Unknown merchants and validation problems surface from the operation itself.
		if errors.Is(err, loyalty.ErrMerchantNotFound) || errors.Is(err, loyalty.ErrValidation) {
			return nil
		}
		return err
	}
	keys := ms.Bridge.Keyring()
	if !ms.Bridge.Required && (header == "" || keys.Empty()) {
		return nil
	}

	res := webhooksig.Verifier{
		Keys:      keys,
		Tolerance: h.cfg.SignatureTolerance,
		Now:       h.now,
	}.Verify(header, body)
	if !res.Valid {
		h.log.WarnContext(r.Context(), "loyaltyapi.bridge_signature.reject",
			slog.String("merchant_id", ms.ID),
			slog.String("reason", string(res.Reason)),
		)
		return res.Err()
	}
	if res.Slot == webhooksig.SlotNext {
		h.log.InfoContext(r.Context(), "loyaltyapi.bridge_signature.next_secret",
			slog.String("merchant_id", ms.ID),
		)
	}
	return nil
}

// ---- ttl ----

func (h *Handler) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciliation not configured")
		return
	}
	q := r.URL.Query()
	merchantID := strings.TrimSpace(q.Get("merchantId"))
	if merchantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "merchantId is required")
		return
	}
	if _, err := h.svc.Merchant(r.Context(), merchantID); err != nil {
		h.writeServiceError(w, r, "reconcile", err)
		return
	}

	cutoff := h.now()
	if raw := strings.TrimSpace(q.Get("cutoff")); raw != "" {
		t, err := parseCutoff(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "cutoff must be RFC 3339 or YYYY-MM-DD")
			return
		}
		cutoff = t
	}

	rep, err := h.reconciler.Reconcile(r.Context(), merchantID, cutoff)
	if err != nil {
		h.writeServiceError(w, r, "reconcile", err)
		return
	}
	if onlyDiff, _ := strconv.ParseBool(q.Get("onlyDiff")); onlyDiff {
		rep = rep.OnlyDiff()
	}
	writeJSON(w, http.StatusOK, rep)
}

func parseCutoff(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	if h.previewer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "preview not configured")
		return
	}
	var req previewRequest
	if _, err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.HorizonDays <= 0 || req.HorizonDays > 365 {
		writeError(w, http.StatusBadRequest, "invalid_request", "horizonDays must be between 1 and 365")
		return
	}
	if _, err := h.svc.Merchant(r.Context(), req.MerchantID); err != nil {
		h.writeServiceError(w, r, "preview", err)
		return
	}

	n, err := h.previewer.Preview(r.Context(), req.MerchantID, time.Duration(req.HorizonDays)*24*time.Hour)
	if err != nil {
		h.writeServiceError(w, r, "preview", err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{OK: true, Enqueued: n})
}

// ---- outbox ----

func (h *Handler) handleOutboxList(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "outbox not configured")
		return
	}
	q := r.URL.Query()
	f := outbox.Filter{
		MerchantID: strings.TrimSpace(q.Get("merchantId")),
		EventType:  strings.TrimSpace(q.Get("eventType")),
		Status:     outbox.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	events, err := h.queue.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "outbox_list", err)
		return
	}
	if events == nil {
		events = []outbox.Event{}
	}
	writeJSON(w, http.StatusOK, outboxListResponse{Items: events})
}

func (h *Handler) handleOutboxRetry(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "outbox not configured")
		return
	}
	id := chi.URLParam(r, "id")
	ev, err := h.queue.Retry(r.Context(), id, h.now())
	if err != nil {
		h.writeServiceError(w, r, "outbox_retry", err)
		return
	}
	h.log.InfoContext(r.Context(), "outbox.retry.manual",
		slog.String("event_id", ev.ID),
		slog.String("merchant_id", ev.MerchantID),
	)
	writeJSON(w, http.StatusOK, ev)
}
