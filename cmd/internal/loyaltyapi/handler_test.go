package loyaltyapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loyalty/cmd/internal/ledger"
	"loyalty/cmd/internal/loyalty"
	"loyalty/cmd/internal/merchant"
	"loyalty/cmd/internal/outbox"
	"loyalty/cmd/internal/reconcile"
	"loyalty/cmd/internal/throttle"
	"loyalty/cmd/security/webhooksig"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var now0 = time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	srv   *httptest.Server
	store *loyalty.InMemoryStore
	queue *outbox.FileQueue
}

func newTestEnv(t *testing.T, guard *throttle.Guard) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return now0 }

	dir, err := merchant.NewStaticDirectory(
		merchant.Settings{ID: "m-1", EarnBps: 500, RedeemLimitBps: 5000},
		merchant.Settings{ID: "m-sig", EarnBps: 500, RedeemLimitBps: 5000, Bridge: merchant.Bridge{Secret: "bridge-secret", Required: true}},
	)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	q := outbox.NewMemoryQueue()
	store := loyalty.NewInMemoryStore(q)

	svc, err := loyalty.NewService(store, dir, loyalty.Config{}, loyalty.WithClock(clock), loyalty.WithLogger(log))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rec, err := reconcile.NewReconciler(store, q, log)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	prev, err := reconcile.NewPreviewer(store, q, q, log, clock)
	if err != nil {
		t.Fatalf("NewPreviewer: %v", err)
	}

	opts := []HandlerOption{WithOutbox(q), WithReconciler(rec), WithPreviewer(prev), WithClock(clock)}
	if guard != nil {
		opts = append(opts, WithThrottle(guard))
	}
	h, err := NewHandler(log, svc, Config{}, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	h.Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, queue: q}
}

func (e *testEnv) seed(t *testing.T, merchantID, customerID string, points int64) {
	t.Helper()
	err := e.store.SeedLot(ledger.Lot{
		ID:         "seed-" + merchantID + "-" + customerID,
		MerchantID: merchantID,
		CustomerID: customerID,
		Points:     points,
		EarnedAt:   now0.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func decodeInto(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var er errorResponse
	decodeInto(t, raw, &er)
	return er.Error.Code
}

func TestRedeemCommitRefundRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "m-1", "c-1", 170)

	resp, raw := env.do(t, http.MethodPost, "/loyalty/quote", mustJSON(t, map[string]any{
		"mode":       "redeem",
		"merchantId": "m-1",
		"orderId":    "o-1",
		"total":      100,
		"userToken":  "c-1",
		"positions":  []map[string]any{{"id": "p1", "qty": 2, "price": 50}},
	}), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quote status=%d body=%s", resp.StatusCode, raw)
	}
	var quote loyalty.QuoteResult
	decodeInto(t, raw, &quote)
	if quote.HoldID == "" || quote.DiscountToApply == nil || *quote.DiscountToApply != 50 {
		t.Fatalf("unexpected quote: %s", raw)
	}

	commitBody := mustJSON(t, map[string]any{"merchantId": "m-1", "holdId": quote.HoldID, "orderId": "o-1"})
	idem := http.Header{"Idempotency-Key": {"commit:m-1:o-1"}}
	resp, raw = env.do(t, http.MethodPost, "/loyalty/commit", commitBody, idem)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit status=%d body=%s", resp.StatusCode, raw)
	}
	var commit loyalty.CommitResult
	decodeInto(t, raw, &commit)
	if !commit.OK || commit.RedeemApplied != 50 || commit.ReceiptID == "" {
		t.Fatalf("unexpected commit: %s", raw)
	}

	// Same key, same body: the stored result comes back unchanged.
	resp, replay := env.do(t, http.MethodPost, "/loyalty/commit", commitBody, idem)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(bytes.TrimSpace(replay), bytes.TrimSpace(raw)) {
		t.Fatalf("replay status=%d body=%s want %s", resp.StatusCode, replay, raw)
	}

	resp, again := env.do(t, http.MethodPost, "/loyalty/quote",
		[]byte(`{"mode":"redeem","merchantId":"m-1","orderId":"o-1","total":100,"userToken":"c-1"}`), nil)
	if resp.StatusCode != http.StatusConflict || !bytes.Contains(again, []byte("order_already_settled")) {
		t.Fatalf("quote for settled order status=%d body=%s", resp.StatusCode, again)
	}

	resp, raw = env.do(t, http.MethodPost, "/loyalty/refund",
		mustJSON(t, map[string]any{"merchantId": "m-1", "invoice_num": "o-1"}),
		http.Header{"Idempotency-Key": {"refund:m-1:o-1"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund status=%d body=%s", resp.StatusCode, raw)
	}
	var refund loyalty.RefundResult
	decodeInto(t, raw, &refund)
	if !refund.OK || refund.Share != 1 || refund.PointsRestored != 50 || refund.PointsRevoked != 0 {
		t.Fatalf("unexpected refund: %s", raw)
	}

	resp, raw = env.do(t, http.MethodGet, "/loyalty/outbox?merchantId=m-1&eventType=loyalty.commit", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("outbox status=%d body=%s", resp.StatusCode, raw)
	}
	var list struct {
		Items []outbox.Event `json:"items"`
	}
	decodeInto(t, raw, &list)
	if len(list.Items) != 1 || list.Items[0].Status != outbox.StatusPending {
		t.Fatalf("expected one pending commit event, got %s", raw)
	}
}

func TestCommit_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown field", `{"merchantId":"m-1","holdId":"h","orderId":"o","extra":1}`, http.StatusBadRequest, "invalid_json"},
		{"trailing data", `{"merchantId":"m-1","holdId":"h","orderId":"o"}{}`, http.StatusBadRequest, "invalid_json"},
		{"missing hold", `{"merchantId":"m-1","orderId":"o"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown hold", `{"merchantId":"m-1","holdId":"nope","orderId":"o"}`, http.StatusNotFound, "hold_not_found"},
		{"unknown merchant", `{"merchantId":"m-x","holdId":"h","orderId":"o"}`, http.StatusNotFound, "merchant_not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := env.do(t, http.MethodPost, "/loyalty/commit", []byte(tc.body), nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("status=%d want %d body=%s", resp.StatusCode, tc.status, raw)
			}
			if got := errorCode(t, raw); got != tc.code {
				t.Fatalf("code=%q want %q", got, tc.code)
			}
		})
	}
}

func TestCommit_BridgeSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	body := []byte(`{"merchantId":"m-sig","holdId":"h-missing","orderId":"o-1"}`)

	resp, raw := env.do(t, http.MethodPost, "/loyalty/commit", body, nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != "invalid_signature" {
		t.Fatalf("unsigned: status=%d body=%s", resp.StatusCode, raw)
	}

	wrong := http.Header{webhooksig.HeaderBridgeSignature: {webhooksig.Sign([]byte("other"), body, now0)}}
	resp, raw = env.do(t, http.MethodPost, "/loyalty/commit", body, wrong)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status=%d body=%s", resp.StatusCode, raw)
	}

	stale := http.Header{webhooksig.HeaderBridgeSignature: {webhooksig.Sign([]byte("bridge-secret"), body, now0.Add(-time.Hour))}}
	resp, raw = env.do(t, http.MethodPost, "/loyalty/commit", body, stale)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale: status=%d body=%s", resp.StatusCode, raw)
	}

	// A valid signature passes through to the service, which then rejects the unknown hold.
	ok := http.Header{webhooksig.HeaderBridgeSignature: {webhooksig.Sign([]byte("bridge-secret"), body, now0)}}
	resp, raw = env.do(t, http.MethodPost, "/loyalty/commit", body, ok)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, raw) != "hold_not_found" {
		t.Fatalf("signed: status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, raw := env.do(t, http.MethodPost, "/loyalty/quote",
		[]byte(`{"mode":"earn","merchantId":"m-1","orderId":"o-9","total":200,"userToken":"c-2"}`), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quote status=%d body=%s", resp.StatusCode, raw)
	}
	var quote loyalty.QuoteResult
	decodeInto(t, raw, &quote)
	if quote.PointsToEarn == nil || *quote.PointsToEarn != 10 {
		t.Fatalf("unexpected earn quote: %s", raw)
	}

	body := mustJSON(t, map[string]any{"merchantId": "m-1", "holdId": quote.HoldID})
	for i := 0; i < 2; i++ {
		resp, raw = env.do(t, http.MethodPost, "/loyalty/cancel", body, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("cancel #%d status=%d body=%s", i, resp.StatusCode, raw)
		}
	}

	resp, raw = env.do(t, http.MethodPost, "/loyalty/commit",
		mustJSON(t, map[string]any{"merchantId": "m-1", "holdId": quote.HoldID, "orderId": "o-9"}), nil)
	if resp.StatusCode != http.StatusConflict || errorCode(t, raw) != "hold_cancelled" {
		t.Fatalf("commit after cancel: status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestQuote_Throttled(t *testing.T) {
	guard := throttle.NewGuard(throttle.Config{
		Default: throttle.Rule{PerMinute: 60, Burst: 100},
		Routes:  map[string]throttle.Rule{"/loyalty/quote": {PerMinute: 1, Burst: 1}},
	}, throttle.WithClock(func() time.Time { return now0 }))
	env := newTestEnv(t, guard)

	body := []byte(`{"mode":"earn","merchantId":"m-1","orderId":"o-1","total":10,"userToken":"c-1","outletId":"out-1"}`)
	resp, raw := env.do(t, http.MethodPost, "/loyalty/quote", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first quote status=%d body=%s", resp.StatusCode, raw)
	}
	resp, raw = env.do(t, http.MethodPost, "/loyalty/quote", body, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second quote status=%d body=%s", resp.StatusCode, raw)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// A different outlet has its own bucket.
	other := bytes.Replace(body, []byte("out-1"), []byte("out-2"), 1)
	resp, raw = env.do(t, http.MethodPost, "/loyalty/quote", other, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("other outlet status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestTTLEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, raw := env.do(t, http.MethodGet, "/loyalty/ttl/reconciliation", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing merchant: status=%d body=%s", resp.StatusCode, raw)
	}
	resp, raw = env.do(t, http.MethodGet, "/loyalty/ttl/reconciliation?merchantId=m-1&cutoff=yesterday", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cutoff: status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = env.do(t, http.MethodGet, "/loyalty/ttl/reconciliation?merchantId=m-1&cutoff=2025-04-01&onlyDiff=true", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile: status=%d body=%s", resp.StatusCode, raw)
	}
	var rep struct {
		MerchantID string            `json:"merchantId"`
		Items      []json.RawMessage `json:"items"`
	}
	decodeInto(t, raw, &rep)
	if rep.MerchantID != "m-1" || rep.Items == nil || len(rep.Items) != 0 {
		t.Fatalf("unexpected report: %s", raw)
	}

	resp, raw = env.do(t, http.MethodPost, "/loyalty/ttl/preview", []byte(`{"merchantId":"m-1","horizonDays":0}`), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero horizon: status=%d body=%s", resp.StatusCode, raw)
	}
	resp, raw = env.do(t, http.MethodPost, "/loyalty/ttl/preview", []byte(`{"merchantId":"m-1","horizonDays":30}`), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: status=%d body=%s", resp.StatusCode, raw)
	}
	var pr previewResponse
	decodeInto(t, raw, &pr)
	if !pr.OK || pr.Enqueued != 0 {
		t.Fatalf("unexpected preview: %s", raw)
	}
}

func TestOutboxEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, raw := env.do(t, http.MethodGet, "/loyalty/outbox?status=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status: status=%d body=%s", resp.StatusCode, raw)
	}
	resp, raw = env.do(t, http.MethodGet, "/loyalty/outbox?limit=-1", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status=%d body=%s", resp.StatusCode, raw)
	}
	resp, raw = env.do(t, http.MethodGet, "/loyalty/outbox", nil, nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(raw, []byte(`"items":[]`)) {
		t.Fatalf("empty list: status=%d body=%s", resp.StatusCode, raw)
	}
	resp, raw = env.do(t, http.MethodPost, "/loyalty/outbox/missing/retry", nil, nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, raw) != "event_not_found" {
		t.Fatalf("retry missing: status=%d body=%s", resp.StatusCode, raw)
	}
}
