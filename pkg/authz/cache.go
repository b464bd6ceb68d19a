package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/store"
)

// Cache key layout in the shared store.
const (
	specKeyPrefix = "authz:spec:"
	specKey       = "current"
	hashKeyPrefix = "authz:hash:"
)

// Default cache TTLs. The spec changes rarely and is invalidated by
// webhook; permission hashes are validated against the token fingerprint
// on every use, so both TTLs are backstops rather than freshness bounds.
const (
	DefaultSpecTTL = 10 * time.Minute
	DefaultHashTTL = 15 * time.Minute
)

// SpecFetcher loads the current permission spec from the identity
// provider. The IdP client implements this.
type SpecFetcher interface {
	FetchPermissionSpec(ctx context.Context) (*PermissionSpec, error)
}

// SpecCache serves the permission spec cache-aside from the shared
// store. Webhook invalidation deletes the entry; the next request
// refetches lazily.
type SpecCache struct {
	cache   *store.Cache[PermissionSpec]
	fetcher SpecFetcher

	// compiled memoizes the last compiled spec per process. Pattern
	// compilation happens once per spec revision, not per request; the
	// memo is a derived artifact of the shared-store entry and is keyed
	// by the spec's Version and UpdatedAt.
	mu       sync.Mutex
	compiled *PermissionSpec
}

// NewSpecCache creates a SpecCache over kv with the given TTL. A
// non-positive ttl falls back to [DefaultSpecTTL].
func NewSpecCache(kv store.KV, fetcher SpecFetcher, ttl time.Duration, logger *slog.Logger) *SpecCache {
	if ttl <= 0 {
		ttl = DefaultSpecTTL
	}
	return &SpecCache{
		cache:   store.NewCache[PermissionSpec](kv, specKeyPrefix, ttl, logger),
		fetcher: fetcher,
	}
}

// Get returns the current spec, fetching and caching it on a miss. The
// returned spec has its path patterns compiled and must not be mutated.
func (c *SpecCache) Get(ctx context.Context) (*PermissionSpec, error) {
	spec, err := c.cache.GetOrFetch(ctx, specKey, func(ctx context.Context) (PermissionSpec, error) {
		fetched, err := c.fetcher.FetchPermissionSpec(ctx)
		if err != nil {
			return PermissionSpec{}, err
		}
		return *fetched, nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compiled != nil && c.compiled.Version == spec.Version &&
		c.compiled.UpdatedAt.Equal(spec.UpdatedAt) {
		return c.compiled, nil
	}
	if err := spec.Compile(); err != nil {
		return nil, egerr.Wrap(err, egerr.CodeInternal,
			"authz: permission spec contains an invalid path pattern")
	}
	c.compiled = &spec
	return &spec, nil
}

// Invalidate drops the cached spec, including the in-process compiled
// memo. Called by the spec-update webhook; the replacement loads lazily
// on the next request.
func (c *SpecCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.compiled = nil
	c.mu.Unlock()
	return c.cache.Invalidate(ctx, specKey)
}

// HashFetcher loads a (tenant, user) permission snapshot from the
// identity provider. The IdP client implements this.
type HashFetcher interface {
	FetchUserPermissions(ctx context.Context, tenantID, userID string) (*PermissionHash, error)
}

// HashCache serves per-user permission snapshots cache-aside from the
// shared store, keyed by (tenant, user).
type HashCache struct {
	cache   *store.Cache[PermissionHash]
	fetcher HashFetcher
}

// NewHashCache creates a HashCache over kv with the given TTL. A
// non-positive ttl falls back to [DefaultHashTTL].
func NewHashCache(kv store.KV, fetcher HashFetcher, ttl time.Duration, logger *slog.Logger) *HashCache {
	if ttl <= 0 {
		ttl = DefaultHashTTL
	}
	return &HashCache{
		cache:   store.NewCache[PermissionHash](kv, hashKeyPrefix, ttl, logger),
		fetcher: fetcher,
	}
}

func hashKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// Find returns the permission snapshot for (tenantID, userID). A cached
// snapshot is trusted only when its fingerprint equals tokenHash, the
// fingerprint carried by the caller's verified token; any mismatch means
// permissions changed since the entry was cached, so the snapshot is
// refetched from the source of truth and the cache replaced.
func (c *HashCache) Find(ctx context.Context, tenantID, userID, tokenHash string) (*PermissionHash, error) {
	key := hashKey(tenantID, userID)

	if cached, ok, _ := c.cache.Get(ctx, key); ok && cached.Hash == tokenHash {
		return &cached, nil
	}

	fresh, err := c.fetcher.FetchUserPermissions(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	// The fresh snapshot is served even when the cache write fails.
	_ = c.cache.Put(ctx, key, *fresh)
	return fresh, nil
}

// Invalidate drops the cached snapshot for (tenantID, userID). Called by
// the permission-change webhook.
func (c *HashCache) Invalidate(ctx context.Context, tenantID, userID string) error {
	return c.cache.Invalidate(ctx, hashKey(tenantID, userID))
}
