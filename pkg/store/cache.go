package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// FetchFunc loads a value from the source of truth on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cache is a generic cache-aside cache over a [KV] store. Values are
// serialized as JSON under prefix+key with a fixed TTL.
//
// The availability contract is deliberately asymmetric: a store failure
// on read degrades to a miss and a store failure on write is logged and
// swallowed, so the cache can never make a request fail that the source
// of truth could have served. Only fetch failures propagate to callers.
//
// Concurrent misses for the same key are collapsed through singleflight,
// so a cold or just-invalidated entry triggers exactly one upstream fetch
// per process regardless of request fan-in.
type Cache[T any] struct {
	kv     KV
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCache creates a cache whose entries live under prefix+key with the
// given TTL. A nil logger defaults to [slog.Default].
func NewCache[T any](kv KV, prefix string, ttl time.Duration, logger *slog.Logger) *Cache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[T]{
		kv:     kv,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *Cache[T]) storeKey(key string) string {
	return c.prefix + key
}

// Get returns the cached value for key. The second return value reports
// whether the entry was present. Store read failures are logged and
// reported as misses.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	raw, err := c.kv.Get(ctx, c.storeKey(key))
	if err != nil {
		if !IsMiss(err) {
			c.logger.WarnContext(ctx, "cache read failed, treating as miss",
				"key", c.storeKey(key), "error", err)
		}
		return zero, false, nil
	}

	var val T
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		// A corrupt entry is unrecoverable; drop it so the next read
		// refetches.
		c.logger.WarnContext(ctx, "cache entry corrupt, evicting",
			"key", c.storeKey(key), "error", err)
		_, _ = c.kv.Del(ctx, c.storeKey(key))
		return zero, false, nil
	}
	return val, true, nil
}

// Put stores a value under key with the cache TTL.
func (c *Cache[T]) Put(ctx context.Context, key string, val T) error {
	data, err := json.Marshal(val)
	if err != nil {
		return egerr.Wrap(err, egerr.CodeInternal,
			"cache: failed to serialize value")
	}
	if err := c.kv.Set(ctx, c.storeKey(key), string(data), c.ttl); err != nil {
		return err
	}
	return nil
}

// Invalidate removes the entries for the given keys.
func (c *Cache[T]) Invalidate(ctx context.Context, keys ...string) error {
	storeKeys := make([]string, len(keys))
	for i, k := range keys {
		storeKeys[i] = c.storeKey(k)
	}
	_, err := c.kv.Del(ctx, storeKeys...)
	return err
}

// GetOrFetch returns the cached value for key, fetching and caching it
// on a miss. Concurrent misses for the same key share a single fetch.
// A failed cache write after a successful fetch is logged and swallowed;
// the fetched value is still returned.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	if val, ok, _ := c.Get(ctx, key); ok {
		return val, nil
	}

	res, err, _ := c.group.Do(c.storeKey(key), func() (interface{}, error) {
		// The flight serves every coalesced waiter, not just the caller
		// that happened to start it, so it runs detached from that
		// caller's cancellation.
		fctx := context.WithoutCancel(ctx)

		// Re-check under the flight: another goroutine may have
		// populated the entry while this one waited.
		if val, ok, _ := c.Get(fctx, key); ok {
			return val, nil
		}

		val, err := fetch(fctx)
		if err != nil {
			return nil, err
		}

		if putErr := c.Put(fctx, key, val); putErr != nil {
			c.logger.WarnContext(fctx, "cache write failed, serving fetched value",
				"key", c.storeKey(key), "error", putErr)
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}
