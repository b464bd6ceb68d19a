package store

import (
	"context"
	"strconv"
	"time"
)

// Counter is a fixed-window counter over a [KV] store. The first
// increment of a key opens a window of the configured length; further
// increments within the window accumulate without extending it, and the
// key expires when the window closes, resetting the count to zero.
//
// Counter backs the rate limiter and the failure trackers (failed
// logins, invalid token submissions).
type Counter struct {
	kv     KV
	window time.Duration
}

// NewCounter creates a Counter with the given window length.
func NewCounter(kv KV, window time.Duration) *Counter {
	return &Counter{kv: kv, window: window}
}

// Incr increments the counter at key and returns the count within the
// current window, opening a new window if none is active.
func (c *Counter) Incr(ctx context.Context, key string) (int64, error) {
	return c.kv.IncrWithTTL(ctx, key, c.window)
}

// Count returns the current count at key without incrementing. A missing
// or expired key counts as zero.
func (c *Counter) Count(ctx context.Context, key string) (int64, error) {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		if IsMiss(err) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// A non-numeric value means the key was clobbered; treat the
		// window as empty rather than failing the caller.
		return 0, nil
	}
	return n, nil
}

// Reset clears the counter at key, closing its window immediately.
func (c *Counter) Reset(ctx context.Context, key string) error {
	_, err := c.kv.Del(ctx, key)
	return err
}

// Remaining returns how long the current window at key has left. It
// returns zero for a missing key or one without an active window.
func (c *Counter) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.kv.TTL(ctx, key)
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
