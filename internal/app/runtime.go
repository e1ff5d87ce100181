// Package app assembles the engine from configuration. The HTTP server and the
// reconcile worker share one wiring so both see the same store, locks and
// event stream.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"kasirinaja/engine/internal/cache"
	"kasirinaja/engine/internal/config"
	"kasirinaja/engine/internal/events"
	"kasirinaja/engine/internal/ledger"
	"kasirinaja/engine/internal/lock"
	"kasirinaja/engine/internal/observability"
	"kasirinaja/engine/internal/service"
	"kasirinaja/engine/internal/store"
	"kasirinaja/engine/internal/store/memory"
	pgstore "kasirinaja/engine/internal/store/postgres"
)

type Runtime struct {
	Service  *service.Service
	Registry *prometheus.Registry
	Redis    *redis.Client
	closers  []func() error
	logger   *slog.Logger
}

// Build connects the configured backends. Postgres is mandatory once
// DATABASE_URL is set; Redis and Kafka are optional and degrade to the
// in-process lock, no cache and no event stream.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Registry: prometheus.NewRegistry(), logger: logger}
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(rt.Registry)

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		rt.closers = append(rt.closers, func() error { pg.Close(); return nil })
		if err := pg.Migrate(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		repo = pg
		logger.Info("repository ready", slog.String("backend", "postgres"))
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository ready", slog.String("backend", "memory"))
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(metrics),
		service.WithRetryPolicy(cfg.RetryPolicy()),
		service.WithTaxRate(cfg.DefaultTaxRate),
		service.WithSurcharges(cfg.Surcharges),
		service.WithReconcileConcurrency(cfg.ReconcileConcurrency),
	}

	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		productCache := cache.NewRedisProductCache(client)
		if err := productCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using in-process locks and no product cache", slog.Any("error", err))
			_ = client.Close()
		} else {
			rt.Redis = client
			rt.closers = append(rt.closers, client.Close)
			opts = append(opts,
				service.WithLocker(lock.NewRedisLocker(client, 0, logger)),
				service.WithCatalog(cache.NewCachedCatalog(repo, productCache, cfg.CatalogCacheTTL, logger)),
			)
			logger.Info("redis ready", slog.String("addr", cfg.RedisAddr))
		}
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		rt.closers = append(rt.closers, publisher.Close)
		logger.Info("event stream ready", slog.String("topic", cfg.KafkaTopic))
	}
	opts = append(opts, service.WithPublisher(publisher))

	ldg := ledger.New(repo, logger,
		ledger.WithRetryPolicy(cfg.RetryPolicy()),
		ledger.WithDefaultReorderThreshold(cfg.DefaultReorderThreshold),
		ledger.WithPublisher(publisher),
		ledger.WithMetrics(metrics),
	)
	rt.Service = service.New(repo, ldg, opts...)
	return rt, nil
}

// Close releases backends in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close error", slog.Any("error", err))
		}
	}
	r.closers = nil
}
