// Package merchant resolves per-merchant loyalty settings: rates, caps, TTLs and secrets.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loyalty/cmd/security/webhooksig"
)

var (
	// ErrNotFound is returned when no settings exist for a merchant id.
	ErrNotFound = errors.New("merchant not found")

	// ErrInvalidSettings is returned when loaded settings fail validation.
	ErrInvalidSettings = errors.New("invalid merchant settings")
)

// Directory looks up merchant settings.
type Directory interface {
	Get(ctx context.Context, merchantID string) (Settings, error)
}

// Webhook is the merchant's outbound delivery target.
type Webhook struct {
	URL        string `yaml:"url"`
	Secret     string `yaml:"secret"`
	KeyID      string `yaml:"keyId"`
	SecretNext string `yaml:"secretNext"`
	KeyIDNext  string `yaml:"keyIdNext"`
	UseNext    bool   `yaml:"useNext"`
}

// SigningKey returns the secret and key id outbound events are signed with.
func (w Webhook) SigningKey() (secret, keyID string) {
	if w.UseNext && w.SecretNext != "" {
		return w.SecretNext, w.KeyIDNext
	}
	return w.Secret, w.KeyID
}

// Configured reports whether deliveries can be attempted at all.
func (w Webhook) Configured() bool {
	secret, _ := w.SigningKey()
	return strings.TrimSpace(w.URL) != "" && secret != ""
}

// Bridge configures inbound request signing by the merchant's POS bridge.
type Bridge struct {
	Secret     string `yaml:"secret"`
	SecretNext string `yaml:"secretNext"`
	Required   bool   `yaml:"required"`
}

// Keyring returns the bridge secrets as a verification keyring.
func (b Bridge) Keyring() webhooksig.Keyring {
	k := webhooksig.Keyring{}
	if b.Secret != "" {
		k.Current = []byte(b.Secret)
	}
	if b.SecretNext != "" {
		k.Next = []byte(b.SecretNext)
	}
	return k
}

// Settings are the loyalty rules of one merchant.
// Rates are basis points (1/10000). Caps and amounts are points; zero caps mean "no cap".
type Settings struct {
	ID string `yaml:"id"`

	EarnBps        int64 `yaml:"earnBps"`
	RedeemLimitBps int64 `yaml:"redeemLimitBps"`

	RedeemDailyCap   int64 `yaml:"redeemDailyCap"`
	EarnDailyCap     int64 `yaml:"earnDailyCap"`
	MinPaymentAmount int64 `yaml:"minPaymentAmount"`

	// PointsTTL is the lifetime of earned lots; zero means lots never expire.
	PointsTTL time.Duration `yaml:"pointsTtl"`
	// HoldTTL overrides the engine's default hold lifetime when positive.
	HoldTTL time.Duration `yaml:"holdTtl"`

	Webhook Webhook `yaml:"webhook"`
	Bridge  Bridge  `yaml:"bridge"`

	OutboxPausedUntil *time.Time `yaml:"outboxPausedUntil"`
}

// Validate checks ranges that would otherwise produce nonsense quotes.
func (s Settings) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidSettings)
	case s.EarnBps < 0 || s.EarnBps > 10000:
		return fmt.Errorf("%w: %s: earnBps out of range", ErrInvalidSettings, s.ID)
	case s.RedeemLimitBps < 0 || s.RedeemLimitBps > 10000:
		return fmt.Errorf("%w: %s: redeemLimitBps out of range", ErrInvalidSettings, s.ID)
	case s.RedeemDailyCap < 0 || s.EarnDailyCap < 0 || s.MinPaymentAmount < 0:
		return fmt.Errorf("%w: %s: negative cap", ErrInvalidSettings, s.ID)
	case s.PointsTTL < 0 || s.HoldTTL < 0:
		return fmt.Errorf("%w: %s: negative ttl", ErrInvalidSettings, s.ID)
	}
	return nil
}

// OutboxPaused reports whether deliveries are paused at now, and until when.
func (s Settings) OutboxPaused(now time.Time) (time.Time, bool) {
	if s.OutboxPausedUntil == nil || !s.OutboxPausedUntil.After(now) {
		return time.Time{}, false
	}
	return *s.OutboxPausedUntil, true
}
