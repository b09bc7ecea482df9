package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loyalty/cmd/internal/merchant"
	"loyalty/cmd/security/webhooksig"
)

// Config tunes the dispatcher. Zero fields fall back to DefaultConfig values.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      float64
	HTTPTimeout time.Duration

	// StaleAfter is how long a row may sit in SENDING before another worker reclaims it.
	StaleAfter time.Duration

	// RatePerMerchant caps deliveries per merchant per second; zero disables the cap.
	RatePerMerchant int

	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	// AllowInsecureURLs accepts http and private hosts. Local development and tests only.
	AllowInsecureURLs bool

	UserAgent string
}

const minStaleAfter = 60 * time.Second

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		BatchSize:        10,
		MaxRetries:       10,
		BackoffBase:      60 * time.Second,
		BackoffMax:       time.Hour,
		Jitter:           0.1,
		HTTPTimeout:      10 * time.Second,
		StaleAfter:       300 * time.Second,
		CircuitThreshold: 5,
		CircuitWindow:    60 * time.Second,
		CircuitCooldown:  120 * time.Second,
		UserAgent:        "loyalty-outbox/1",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = def.HTTPTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.StaleAfter < minStaleAfter {
		c.StaleAfter = minStaleAfter
	}
	if c.CircuitWindow <= 0 {
		c.CircuitWindow = def.CircuitWindow
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = def.CircuitCooldown
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return c
}

// Dispatcher claims due outbox rows and delivers them as signed webhooks.
type Dispatcher struct {
	queue     Queue
	merchants merchant.Directory
	cfg       Config

	client  *http.Client
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
	rand    func() float64

	breaker *circuitBreaker
	limiter *merchantLimiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the delivery client. Per-attempt timeouts still come from Config.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics sets the Prometheus collectors. Nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithRandom overrides the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.rand = fn
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(q Queue, dir merchant.Directory, cfg Config, opts ...Option) (*Dispatcher, error) {
	if q == nil {
		return nil, errors.New("outbox: nil queue")
	}
	if dir == nil {
		return nil, errors.New("outbox: nil merchant directory")
	}
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queue:     q,
		merchants: dir,
		cfg:       cfg,
		client:    &http.Client{},
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		rand:      rand.Float64,
		breaker:   newCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitWindow, cfg.CircuitCooldown),
		limiter:   newMerchantLimiter(cfg.RatePerMerchant),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	// Redirect targets never pass checkWebhookURL, so a 3xx is reported as a failed attempt.
	c := *d.client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	d.client = &c
	return d, nil
}

// Run ticks every Interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("outbox.worker.start",
		"interval", d.cfg.Interval.String(),
		"batch", d.cfg.BatchSize,
		"max_retries", d.cfg.MaxRetries,
	)

	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("outbox.tick.fail", "err", err)
		}
		select {
		case <-ctx.Done():
			d.log.Info("outbox.worker.stop")
			return nil
		case <-t.C:
		}
	}
}

// TickStats summarizes one dispatcher pass.
type TickStats struct {
	Reclaimed int
	Claimed   int
	Sent      int
	Failed    int
	Dead      int
	Skipped   int
}

// Tick reclaims stale rows, claims one batch and processes it.
func (d *Dispatcher) Tick(ctx context.Context) (TickStats, error) {
	var st TickStats
	now := d.now()

	n, err := d.queue.ReclaimStale(ctx, now.Add(-d.cfg.StaleAfter), now)
	if err != nil {
		return st, fmt.Errorf("reclaim stale: %w", err)
	}
	st.Reclaimed = n
	if n > 0 {
		d.log.Warn("outbox.reclaim.stale", "count", n)
	}

	events, err := d.queue.ClaimDue(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return st, fmt.Errorf("claim: %w", err)
	}
	st.Claimed = len(events)

	for _, ev := range events {
		switch d.process(ctx, ev) {
		case resultSent, resultNotConfigured:
			st.Sent++
		case resultFailed:
			st.Failed++
		case resultDead:
			st.Dead++
		default:
			st.Skipped++
		}
	}

	d.refreshGauges(ctx)
	return st, nil
}

func (d *Dispatcher) refreshGauges(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	counts, err := d.queue.CountByStatus(ctx)
	if err != nil {
		d.log.Debug("outbox.gauges.fail", "err", err)
		return
	}
	d.metrics.gauges(counts[StatusPending]+counts[StatusFailed], d.breaker.openCount(d.now()))
}

func (d *Dispatcher) process(ctx context.Context, ev Event) string {
	now := d.now()

	settings, err := d.merchants.Get(ctx, ev.MerchantID)
	if err != nil && !errors.Is(err, merchant.ErrNotFound) {
		return d.release(ctx, ev, now.Add(d.cfg.Interval), "merchant lookup: "+err.Error(), now)
	}

	if until, paused := settings.OutboxPaused(now); paused {
		return d.release(ctx, ev, until, "outbox paused", now)
	}

	if !settings.Webhook.Configured() {
		d.complete(ctx, ev, Outcome{Status: StatusSent, Retries: ev.Retries, LastError: "webhook not configured", Now: now})
		d.metrics.result(ev.EventType, resultNotConfigured)
		return resultNotConfigured
	}

	if until, open := d.breaker.openUntil(ev.MerchantID, now); open {
		return d.release(ctx, ev, until, "circuit open", now)
	}

	if !d.limiter.allow(ev.MerchantID, now) {
		return d.release(ctx, ev, now.Add(time.Second), "rate limited", now)
	}

	start := time.Now()
	sendErr := d.send(ctx, ev, settings.Webhook, now)
	elapsed := time.Since(start).Seconds()
	now = d.now()

	if sendErr == nil {
		d.breaker.success(ev.MerchantID)
		d.complete(ctx, ev, Outcome{Status: StatusSent, Retries: ev.Retries, Now: now})
		d.metrics.result(ev.EventType, resultSent)
		d.metrics.observe(resultSent, elapsed)
		d.log.Info("outbox.deliver.ok",
			"event_id", ev.ID,
			"merchant_id", ev.MerchantID,
			"event_type", ev.EventType,
			"retries", ev.Retries,
		)
		return resultSent
	}

	if d.breaker.failure(ev.MerchantID, now) {
		d.log.Warn("outbox.circuit.open", "merchant_id", ev.MerchantID, "cooldown", d.cfg.CircuitCooldown.String())
	}
	res := d.fail(ctx, ev, sendErr, now)
	d.metrics.observe(res, elapsed)
	return res
}

// release puts a claimed row back without counting an attempt.
func (d *Dispatcher) release(ctx context.Context, ev Event, until time.Time, reason string, now time.Time) string {
	d.complete(ctx, ev, Outcome{
		Status:      StatusPending,
		Retries:     ev.Retries,
		NextRetryAt: &until,
		LastError:   reason,
		Now:         now,
	})
	d.metrics.result(ev.EventType, resultSkipped)
	d.log.Debug("outbox.deliver.skip", "event_id", ev.ID, "merchant_id", ev.MerchantID, "reason", reason)
	return resultSkipped
}

func (d *Dispatcher) fail(ctx context.Context, ev Event, sendErr error, now time.Time) string {
	retries := ev.Retries + 1

	var de *DeliveryError
	permanent := errors.As(sendErr, &de) && de.Permanent

	if permanent || retries >= d.cfg.MaxRetries {
		d.complete(ctx, ev, Outcome{Status: StatusDead, Retries: retries, LastError: sendErr.Error(), Now: now})
		d.metrics.result(ev.EventType, resultDead)
		d.log.Error("outbox.deliver.dead",
			"event_id", ev.ID,
			"merchant_id", ev.MerchantID,
			"event_type", ev.EventType,
			"retries", retries,
			"permanent", permanent,
			"err", sendErr,
		)
		return resultDead
	}

	wait := backoff(ev.Retries, d.cfg.BackoffBase, d.cfg.BackoffMax, d.cfg.Jitter, d.rand)
	if de != nil && de.RetryAfter > 0 {
		wait = min(de.RetryAfter, d.cfg.BackoffMax)
	}
	next := now.Add(wait)

	d.complete(ctx, ev, Outcome{Status: StatusFailed, Retries: retries, NextRetryAt: &next, LastError: sendErr.Error(), Now: now})
	d.metrics.result(ev.EventType, resultFailed)
	d.log.Warn("outbox.deliver.fail",
		"event_id", ev.ID,
		"merchant_id", ev.MerchantID,
		"event_type", ev.EventType,
		"retries", retries,
		"next_retry_at", next,
		"err", sendErr,
	)
	return resultFailed
}

func (d *Dispatcher) complete(ctx context.Context, ev Event, out Outcome) {
	if err := d.queue.Complete(ctx, ev.ID, out); err != nil {
		// ErrNotClaimed means the row was reclaimed as stale while we held it; the next owner retries.
		d.log.Warn("outbox.complete.fail", "event_id", ev.ID, "status", string(out.Status), "err", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, ev Event, hook merchant.Webhook, now time.Time) error {
	if err := checkWebhookURL(hook.URL, d.cfg.AllowInsecureURLs); err != nil {
		return &DeliveryError{Cause: err}
	}
	secret, keyID := hook.SigningKey()

	body := []byte(ev.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(hook.URL), bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	webhooksig.SetHeaders(req.Header, webhooksig.Outbound{
		MerchantID: ev.MerchantID,
		EventID:    ev.ID,
		KeyID:      keyID,
		Secret:     []byte(secret),
		Body:       body,
		Now:        now,
	})

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Cause: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
	de := &DeliveryError{
		Status:    resp.StatusCode,
		Permanent: permanentStatus(resp.StatusCode),
		Body:      excerpt(snippet),
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		de.Cause = errRedirect
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		de.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return de
}

// permanentStatus lists 4xx codes that will not succeed on retry.
// Auth failures (401/403) and throttling stay retryable: merchants fix credentials or capacity.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusGone,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
