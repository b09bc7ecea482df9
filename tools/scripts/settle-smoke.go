// Package main provides a CI-friendly smoke test for a running loyalty server.
//
// It validates:
//   - earn quote -> commit
//   - idempotent commit replay returns the same receipt
//   - redeem quote -> cancel
//   - refund revokes the earned points, and a second refund is a no-op
//   - /readyz and the outbox admin listing
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"loyalty/cmd/security/webhooksig"
)

type smokeClient struct {
	base    string
	secret  []byte
	http    *http.Client
	timeout time.Duration
	verbose bool
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type quoteResponse struct {
	HoldID          string `json:"holdId"`
	DiscountToApply *int64 `json:"discountToApply"`
	PointsToEarn    *int64 `json:"pointsToEarn"`
	Balance         int64  `json:"balance"`
}

type commitResponse struct {
	OK          bool   `json:"ok"`
	ReceiptID   string `json:"receiptId"`
	EarnApplied int64  `json:"earnApplied"`
}

type refundResponse struct {
	OK              bool  `json:"ok"`
	PointsRevoked   int64 `json:"pointsRevoked"`
	AlreadyRefunded bool  `json:"alreadyRefunded"`
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		merchant = flag.String("merchant", "m-1", "Merchant ID (must exist with a non-zero earnBps)")
		customer = flag.String("customer", "", "Customer token (default: random per run)")
		total    = flag.Float64("total", 1000, "Order total")
		secret   = flag.String("bridge-secret", "", "Sign commit/refund with this bridge secret")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-request timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	run := time.Now().UnixNano()
	if *customer == "" {
		*customer = fmt.Sprintf("smoke-%d", run)
	}

	c := &smokeClient{
		base:    strings.TrimRight(*baseURL, "/"),
		secret:  []byte(*secret),
		http:    &http.Client{},
		timeout: *timeout,
		verbose: *verbose,
	}
	root := context.Background()

	c.mustStatus(root, http.MethodGet, "/readyz", nil, http.StatusOK)

	orderID := fmt.Sprintf("smoke-o-%d", run)
	var earn quoteResponse
	c.mustJSON(root, "/loyalty/quote", map[string]any{
		"mode": "earn", "merchantId": *merchant, "orderId": orderID, "total": *total, "userToken": *customer,
	}, "", &earn)
	if earn.PointsToEarn == nil || *earn.PointsToEarn <= 0 || earn.HoldID == "" {
		fatalf("earn quote returned nothing to earn; check merchant %s settings", *merchant)
	}

	commitKey := "commit:" + *merchant + ":" + orderID
	commitBody := map[string]any{"merchantId": *merchant, "holdId": earn.HoldID, "orderId": orderID}
	var first, replay commitResponse
	c.mustJSON(root, "/loyalty/commit", commitBody, commitKey, &first)
	c.mustJSON(root, "/loyalty/commit", commitBody, commitKey, &replay)
	if !first.OK || first.EarnApplied != *earn.PointsToEarn {
		fatalf("commit: earnApplied=%d want %d", first.EarnApplied, *earn.PointsToEarn)
	}
	if replay.ReceiptID != first.ReceiptID {
		fatalf("replay: receipt mismatch first=%s replay=%s", first.ReceiptID, replay.ReceiptID)
	}

	var redeem quoteResponse
	c.mustJSON(root, "/loyalty/quote", map[string]any{
		"mode": "redeem", "merchantId": *merchant, "orderId": orderID + "-r", "total": *total, "userToken": *customer,
	}, "", &redeem)
	if redeem.Balance < first.EarnApplied {
		fatalf("redeem quote: balance=%d, expected at least %d", redeem.Balance, first.EarnApplied)
	}
	if redeem.HoldID != "" {
		c.mustJSON(root, "/loyalty/cancel", map[string]any{"merchantId": *merchant, "holdId": redeem.HoldID}, "", nil)
	}

	refundKey := "refund:" + *merchant + ":" + orderID
	refundBody := map[string]any{"merchantId": *merchant, "orderId": orderID}
	var refund, again refundResponse
	c.mustJSON(root, "/loyalty/refund", refundBody, refundKey, &refund)
	if refund.PointsRevoked != first.EarnApplied {
		fatalf("refund: pointsRevoked=%d want %d", refund.PointsRevoked, first.EarnApplied)
	}
	c.mustJSON(root, "/loyalty/refund", refundBody, "refund:"+*merchant+":"+orderID+":again", &again)
	if !again.AlreadyRefunded || again.PointsRevoked != refund.PointsRevoked {
		fatalf("second refund must report the stored result, got %+v", again)
	}

	c.mustStatus(root, http.MethodGet, "/loyalty/outbox?merchantId="+url.QueryEscape(*merchant)+"&limit=5", nil, http.StatusOK)

	fmt.Printf("OK: merchant=%s customer=%s order=%s receipt=%s earned=%d\n",
		*merchant, *customer, orderID, first.ReceiptID, first.EarnApplied)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (c *smokeClient) do(parent context.Context, method, path string, body []byte, idemKey string) (int, []byte) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if len(c.secret) > 0 && body != nil {
		req.Header.Set(webhooksig.HeaderBridgeSignature, webhooksig.Sign(c.secret, body, time.Now()))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fatalf("%s %s: read: %v", method, path, err)
	}
	if c.verbose {
		fmt.Printf("%s %s -> %d %s\n", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	return resp.StatusCode, raw
}

func (c *smokeClient) mustStatus(parent context.Context, method, path string, body []byte, want int) []byte {
	code, raw := c.do(parent, method, path, body, "")
	if code != want {
		fatalf("%s %s: status=%d want %d: %s", method, path, code, want, describe(raw))
	}
	return raw
}

func (c *smokeClient) mustJSON(parent context.Context, path string, in any, idemKey string, out any) {
	body, err := json.Marshal(in)
	if err != nil {
		fatalf("marshal %s: %v", path, err)
	}
	code, raw := c.do(parent, http.MethodPost, path, body, idemKey)
	if code != http.StatusOK {
		fatalf("POST %s: status=%d: %s", path, code, describe(raw))
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("decode %s: %v", path, err)
	}
}

func describe(raw []byte) string {
	var e apiError
	if json.Unmarshal(raw, &e) == nil && e.Error.Code != "" {
		return e.Error.Code + ": " + e.Error.Message
	}
	return string(bytes.TrimSpace(raw))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
