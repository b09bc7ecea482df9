// Package app wires the loyalty server runtime: config, logging, storage backends,
// HTTP routes and the outbox worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"loyalty/cmd/internal/loyalty"
	"loyalty/cmd/internal/loyaltyapi"
	"loyalty/cmd/internal/outbox"
	"loyalty/cmd/internal/reconcile"
	"loyalty/cmd/internal/throttle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App owns the server and its background worker.
type App struct {
	cfg Config
	log Logger

	backends   *backends
	registry   *prometheus.Registry
	api        *loyaltyapi.Handler
	dispatcher *outbox.Dispatcher
}

// New constructs a fully wired App from config.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := wire(cfg, log, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, b *backends) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	share := loyalty.FullRefund
	if strings.EqualFold(cfg.RefundShare, "proportional") {
		share = loyalty.ProportionalRefund
	}
	svc, err := loyalty.NewService(b.store, b.merchants,
		loyalty.Config{HoldTTL: cfg.HoldTTL, SharePolicy: share},
		loyalty.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	multipliers, err := throttle.ParseMultipliers(cfg.ThrottleMultipliers)
	if err != nil {
		return nil, err
	}
	guard := throttle.NewGuard(throttle.Config{
		Default:             throttle.Rule{PerMinute: cfg.ThrottleRPM, Burst: cfg.ThrottleBurst},
		MerchantMultipliers: multipliers,
	}, throttle.WithLogger(log), throttle.WithRegisterer(reg))

	reconciler, err := reconcile.NewReconciler(b.store, b.queue, log)
	if err != nil {
		return nil, err
	}
	previewer, err := reconcile.NewPreviewer(b.store, b.queue, b.queue, log, nil)
	if err != nil {
		return nil, err
	}

	api, err := loyaltyapi.NewHandler(log, svc,
		loyaltyapi.Config{MaxBodyBytes: int64(cfg.MaxBodyBytes), SignatureTolerance: cfg.SignatureTolerance},
		loyaltyapi.WithThrottle(guard),
		loyaltyapi.WithOutbox(b.queue),
		loyaltyapi.WithReconciler(reconciler),
		loyaltyapi.WithPreviewer(previewer),
	)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, backends: b, registry: reg, api: api}

	if cfg.OutboxWorker {
		d, err := outbox.NewDispatcher(b.queue, b.merchants, outbox.Config{
			Interval:          cfg.OutboxInterval,
			BatchSize:         cfg.OutboxBatch,
			MaxRetries:        cfg.OutboxMaxRetries,
			BackoffBase:       cfg.OutboxBackoffBase,
			BackoffMax:        cfg.OutboxBackoffMax,
			HTTPTimeout:       cfg.OutboxHTTPTimeout,
			StaleAfter:        cfg.OutboxStaleAfter,
			RatePerMerchant:   cfg.OutboxRPS,
			CircuitThreshold:  cfg.OutboxCBThreshold,
			CircuitWindow:     cfg.OutboxCBWindow,
			CircuitCooldown:   cfg.OutboxCBCooldown,
			AllowInsecureURLs: cfg.OutboxInsecure,
		}, outbox.WithLogger(log), outbox.WithMetrics(outbox.NewMetrics(reg)))
		if err != nil {
			return nil, err
		}
		a.dispatcher = d
	}
	return a, nil
}

// Handler returns the HTTP handler with all routes mounted.
func (a *App) Handler() http.Handler { return a.routes() }

// Run serves HTTP and runs the outbox worker until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.backends.pool != nil,
		"outbox_worker", a.dispatcher != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	if a.dispatcher != nil {
		g.Go(func() error { return a.dispatcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

// Close releases the storage backends.
func (a *App) Close() error { return a.backends.Close() }

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
