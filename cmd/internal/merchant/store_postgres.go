package merchant

import (
	"context"
	"errors"
	"time"

	"loyalty/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads settings from the merchants table.
// It does not own the pool.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresDirectory constructs a Postgres-backed Directory in schema.
func NewPostgresDirectory(pool *pgxpool.Pool, schema string) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("merchant: nil pool")
	}
	schema, err := pgutil.CheckSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresDirectory{pool: pool, schema: schema}, nil
}

// Get implements Directory.
func (d *PostgresDirectory) Get(ctx context.Context, merchantID string) (Settings, error) {
	var (
		s                        Settings
		pointsTTLSec, holdTTLSec int64
		paused                   *time.Time
	)
	err := d.pool.QueryRow(ctx,
		`SELECT id, earn_bps, redeem_limit_bps, redeem_daily_cap, earn_daily_cap, min_payment_amount,
		        points_ttl_seconds, hold_ttl_seconds,
		        webhook_url, webhook_secret, webhook_key_id, webhook_secret_next, webhook_key_id_next, use_webhook_next,
		        bridge_secret, bridge_secret_next, require_bridge_sig,
		        outbox_paused_until
		   FROM `+pgutil.Ident(d.schema, "merchants")+`
		  WHERE id = $1`,
		merchantID,
	).Scan(
		&s.ID, &s.EarnBps, &s.RedeemLimitBps, &s.RedeemDailyCap, &s.EarnDailyCap, &s.MinPaymentAmount,
		&pointsTTLSec, &holdTTLSec,
		&s.Webhook.URL, &s.Webhook.Secret, &s.Webhook.KeyID, &s.Webhook.SecretNext, &s.Webhook.KeyIDNext, &s.Webhook.UseNext,
		&s.Bridge.Secret, &s.Bridge.SecretNext, &s.Bridge.Required,
		&paused,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, err
	}

	s.PointsTTL = time.Duration(pointsTTLSec) * time.Second
	s.HoldTTL = time.Duration(holdTTLSec) * time.Second
	s.OutboxPausedUntil = paused
	return s, nil
}

// Upsert writes settings; used by provisioning tools and tests.
func (d *PostgresDirectory) Upsert(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO `+pgutil.Ident(d.schema, "merchants")+` (
		     id, earn_bps, redeem_limit_bps, redeem_daily_cap, earn_daily_cap, min_payment_amount,
		     points_ttl_seconds, hold_ttl_seconds,
		     webhook_url, webhook_secret, webhook_key_id, webhook_secret_next, webhook_key_id_next, use_webhook_next,
		     bridge_secret, bridge_secret_next, require_bridge_sig, outbox_paused_until
		   ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		 ON CONFLICT (id) DO UPDATE SET
		     earn_bps = EXCLUDED.earn_bps,
		     redeem_limit_bps = EXCLUDED.redeem_limit_bps,
		     redeem_daily_cap = EXCLUDED.redeem_daily_cap,
		     earn_daily_cap = EXCLUDED.earn_daily_cap,
		     min_payment_amount = EXCLUDED.min_payment_amount,
		     points_ttl_seconds = EXCLUDED.points_ttl_seconds,
		     hold_ttl_seconds = EXCLUDED.hold_ttl_seconds,
		     webhook_url = EXCLUDED.webhook_url,
		     webhook_secret = EXCLUDED.webhook_secret,
		     webhook_key_id = EXCLUDED.webhook_key_id,
		     webhook_secret_next = EXCLUDED.webhook_secret_next,
		     webhook_key_id_next = EXCLUDED.webhook_key_id_next,
		     use_webhook_next = EXCLUDED.use_webhook_next,
		     bridge_secret = EXCLUDED.bridge_secret,
		     bridge_secret_next = EXCLUDED.bridge_secret_next,
		     require_bridge_sig = EXCLUDED.require_bridge_sig,
		     outbox_paused_until = EXCLUDED.outbox_paused_until,
		     updated_at = now()`,
		s.ID, s.EarnBps, s.RedeemLimitBps, s.RedeemDailyCap, s.EarnDailyCap, s.MinPaymentAmount,
		int64(s.PointsTTL/time.Second), int64(s.HoldTTL/time.Second),
		s.Webhook.URL, s.Webhook.Secret, s.Webhook.KeyID, s.Webhook.SecretNext, s.Webhook.KeyIDNext, s.Webhook.UseNext,
		s.Bridge.Secret, s.Bridge.SecretNext, s.Bridge.Required, s.OutboxPausedUntil,
	)
	return err
}
