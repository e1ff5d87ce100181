package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/store"
)

type ProductCache interface {
	Get(ctx context.Context, key string) (*domain.Product, bool, error)
	Set(ctx context.Context, key string, value *domain.Product, ttl time.Duration) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ *domain.Product, _ time.Duration) error {
	return nil
}

// CachedCatalog reads products through a ProductCache. Cache failures are
// logged and fall through to the underlying catalog.
type CachedCatalog struct {
	catalog store.Catalog
	cache   ProductCache
	ttl     time.Duration
	logger  *slog.Logger
}

func NewCachedCatalog(catalog store.Catalog, cache ProductCache, ttl time.Duration, logger *slog.Logger) *CachedCatalog {
	if cache == nil {
		cache = NoopProductCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedCatalog{catalog: catalog, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedCatalog) GetProduct(ctx context.Context, key string) (*domain.Product, error) {
	key = domain.NormalizeKey(key)
	cacheKey := "kasirinaja:product:" + key

	if product, ok, err := c.cache.Get(ctx, cacheKey); err != nil {
		c.logger.Warn("product cache read failed", slog.String("product_key", key), slog.String("error", err.Error()))
	} else if ok {
		return product, nil
	}

	product, err := c.catalog.GetProduct(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("catalog lookup failed", slog.String("product_key", key), slog.String("error", err.Error()))
		}
		return nil, err
	}
	if c.ttl > 0 {
		if err := c.cache.Set(ctx, cacheKey, product, c.ttl); err != nil {
			c.logger.Warn("product cache write failed", slog.String("product_key", key), slog.String("error", err.Error()))
		}
	}
	return product, nil
}
