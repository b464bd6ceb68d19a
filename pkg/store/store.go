// Package store provides the shared-state primitives the gateway builds
// on: a generic cache-aside cache, a token-guarded distributed lock, and
// fixed-window counters. All three operate against the narrow [KV]
// interface so they can run on the Redis client in production and on an
// in-memory fake in tests.
//
// Every primitive in this package is designed for a horizontally scaled
// gateway: state lives in the shared store, never in process memory, so
// any replica can serve any request.
package store

import (
	"context"
	"errors"
	"time"

	redisclient "github.com/edgegate/edgegate-core/pkg/clients/redis"
)

// KV is the key-value surface the store primitives require. It is
// satisfied by [redisclient.Client]. Implementations must return
// [redisclient.Nil] from Get on a key miss.
type KV interface {
	// Get returns the value of key, or [redisclient.Nil] on a miss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional TTL (zero means no expiry).
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX stores a value with a TTL only if the key does not exist.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del removes keys and returns the number removed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Exists returns the number of the given keys that exist.
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining TTL of a key (-1 no expiry, -2 missing).
	TTL(ctx context.Context, key string) (time.Duration, error)

	// IncrWithTTL atomically increments a counter, attaching the window
	// TTL only when the increment creates the key.
	IncrWithTTL(ctx context.Context, key string, window time.Duration) (int64, error)

	// CompareAndDelete deletes key only if it holds the expected value.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExpire extends the TTL of key only if it holds the
	// expected value.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

// Compile-time interface compliance check.
var _ KV = (*redisclient.Client)(nil)

// IsMiss reports whether err is the key-miss sentinel returned by
// [KV.Get].
func IsMiss(err error) bool {
	return errors.Is(err, redisclient.Nil)
}
