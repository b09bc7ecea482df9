package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loyalty/cmd/internal/loyalty"
	"loyalty/cmd/internal/merchant"
	"loyalty/cmd/internal/outbox"
	"loyalty/cmd/internal/reconcile"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ledgerStore is a settlement store that can also list lots for TTL reconciliation.
type ledgerStore interface {
	loyalty.Store
	reconcile.LotSource
}

// backends are the persistence pieces chosen from config.
type backends struct {
	pool      *pgxpool.Pool
	store     ledgerStore
	queue     outbox.Queue
	merchants merchant.Directory
}

func (b *backends) Close() error {
	var errs []error
	if b.queue != nil {
		errs = append(errs, b.queue.Close())
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return errors.Join(errs...)
}

// openBackends decides between Postgres persistence and the single-process dev setup.
// Without a database the ledger lives in memory and only the outbox survives restarts
// (when backed by SQLite or a JSON file).
func openBackends(ctx context.Context, cfg Config, log *slog.Logger) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			_ = b.Close()
		}
	}()

	var static *merchant.StaticDirectory
	if cfg.MerchantsFile != "" {
		d, err := merchant.LoadFile(cfg.MerchantsFile)
		if err != nil {
			return nil, err
		}
		static = d
	}

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	} else {
		log.Warn("db.disabled.inmemory_store")
	}

	q, err := openQueue(cfg, b.pool)
	if err != nil {
		return nil, err
	}
	b.queue = q
	log.Info("outbox.backend", "backend", cfg.outboxBackend())

	if b.pool != nil {
		store, err := loyalty.NewPostgresStore(b.pool, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		dir, err := merchant.NewPostgresDirectory(b.pool, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		if static != nil {
			seed := static.All()
			for _, s := range seed {
				if err := dir.Upsert(ctx, s); err != nil {
					return nil, fmt.Errorf("seed merchant %s: %w", s.ID, err)
				}
			}
			log.Info("merchant.seeded", "count", len(seed), "file", cfg.MerchantsFile)
		}
		b.store = store
		b.merchants = dir
	} else {
		if static == nil {
			log.Warn("merchant.directory.empty", "hint", "set LOYALTY_MERCHANTS_FILE")
			static, _ = merchant.NewStaticDirectory()
		}
		b.store = loyalty.NewInMemoryStore(q)
		b.merchants = static
	}

	ok = true
	return b, nil
}

func openQueue(cfg Config, pool *pgxpool.Pool) (outbox.Queue, error) {
	switch cfg.outboxBackend() {
	case OutboxBackendPostgres:
		if pool == nil {
			return nil, errors.New("postgres outbox requires a database")
		}
		return outbox.NewPostgresQueue(pool, cfg.DBSchema)
	case OutboxBackendSQLite:
		return outbox.OpenSQLiteQueue(cfg.OutboxSQLitePath)
	case OutboxBackendFile:
		if cfg.OutboxFile == "" {
			return outbox.NewMemoryQueue(), nil
		}
		return outbox.OpenFileQueue(cfg.OutboxFile)
	}
	return nil, fmt.Errorf("unknown outbox backend %q", cfg.OutboxBackend)
}
