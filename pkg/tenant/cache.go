package tenant

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgegate/edgegate-core/pkg/store"
)

// configKeyPrefix is the cache key layout for tenant configs in the
// shared store.
const configKeyPrefix = "tenant:config:"

// DefaultConfigTTL bounds how long a cached tenant config is served
// before refetching. Policy changes propagate via webhook invalidation;
// the TTL is the backstop.
const DefaultConfigTTL = 10 * time.Minute

// Fetcher loads a tenant's config from the identity provider. The IdP
// client implements this.
type Fetcher interface {
	FetchTenantConfig(ctx context.Context, tenantID string) (*Config, error)
}

// Cache serves tenant configs cache-aside from the shared store.
type Cache struct {
	cache   *store.Cache[Config]
	fetcher Fetcher
}

// NewCache creates a Cache over kv with the given TTL. A non-positive
// ttl falls back to [DefaultConfigTTL].
func NewCache(kv store.KV, fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	return &Cache{
		cache:   store.NewCache[Config](kv, configKeyPrefix, ttl, logger),
		fetcher: fetcher,
	}
}

// Get returns the config for tenantID, fetching and caching on a miss.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Config, error) {
	cfg, err := c.cache.GetOrFetch(ctx, tenantID, func(ctx context.Context) (Config, error) {
		fetched, err := c.fetcher.FetchTenantConfig(ctx, tenantID)
		if err != nil {
			return Config{}, err
		}
		return *fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Invalidate drops the cached config for tenantID. Called by the
// tenant-policy webhook; the next request refetches lazily.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	return c.cache.Invalidate(ctx, tenantID)
}
