package app

import (
	"errors"
	"fmt"
	"strings"

	"loyalty/cmd/internal/pgutil"
	"loyalty/cmd/internal/throttle"
)

// ValidateConfig rejects contradictory settings before anything is opened.
func ValidateConfig(cfg Config) error {
	var errs []error

	switch cfg.outboxBackend() {
	case OutboxBackendPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("LOYALTY_OUTBOX_BACKEND=postgres requires LOYALTY_DATABASE_URL"))
		}
	case OutboxBackendSQLite:
		if strings.TrimSpace(cfg.OutboxSQLitePath) == "" {
			errs = append(errs, errors.New("LOYALTY_OUTBOX_BACKEND=sqlite requires LOYALTY_OUTBOX_SQLITE_PATH"))
		}
	case OutboxBackendFile:
	default:
		errs = append(errs, fmt.Errorf("unknown LOYALTY_OUTBOX_BACKEND %q", cfg.OutboxBackend))
	}

	// PostgresStore writes events inside the settlement transaction, so no other queue would see them.
	if cfg.DatabaseURL != "" && cfg.outboxBackend() != OutboxBackendPostgres {
		errs = append(errs, errors.New("LOYALTY_DATABASE_URL requires LOYALTY_OUTBOX_BACKEND=postgres"))
	}
	if cfg.ReadinessRequireDB && cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("LOYALTY_READINESS_REQUIRE_DB=true requires LOYALTY_DATABASE_URL"))
	}
	if cfg.DatabaseURL != "" {
		if _, err := pgutil.CheckSchema(cfg.DBSchema); err != nil {
			errs = append(errs, fmt.Errorf("LOYALTY_DB_SCHEMA: %w", err))
		}
	}
	if cfg.DBMinConns > cfg.DBMaxConns && cfg.DBMaxConns > 0 {
		errs = append(errs, errors.New("LOYALTY_DB_MIN_CONNS exceeds LOYALTY_DB_MAX_CONNS"))
	}

	switch strings.ToLower(cfg.RefundShare) {
	case "full", "proportional":
	default:
		errs = append(errs, fmt.Errorf("LOYALTY_REFUND_SHARE must be full or proportional, got %q", cfg.RefundShare))
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("LOYALTY_LOG_FORMAT must be json or pretty, got %q", cfg.LogFormat))
	}
	if _, err := throttle.ParseMultipliers(cfg.ThrottleMultipliers); err != nil {
		errs = append(errs, fmt.Errorf("LOYALTY_THROTTLE_MERCHANT_MULTIPLIERS: %w", err))
	}

	return errors.Join(errs...)
}
