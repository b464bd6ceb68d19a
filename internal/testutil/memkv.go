package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	redisclient "github.com/edgegate/edgegate-core/pkg/clients/redis"
)

// MemKV is an in-memory key-value store with TTL semantics matching the
// Redis client surface. It lets unit tests exercise cache, lock, counter,
// and blacklist logic without a running Redis instance.
//
// Key misses return [redisclient.Nil], the same sentinel the real client
// surfaces, so code under test cannot tell the difference.
//
// MemKV is safe for concurrent use. The clock can be advanced manually
// with [MemKV.Advance] to test expiry without sleeping.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     time.Time

	// FailWith, when non-nil, is returned by every operation. Use it to
	// simulate a store outage.
	FailWith error
}

type memEntry struct {
	val string
	// expiresAt is the absolute expiry instant; zero means no expiry.
	expiresAt time.Time
}

// NewMemKV creates an empty MemKV with its clock set to the current time.
func NewMemKV() *MemKV {
	return &MemKV{
		entries: make(map[string]memEntry),
		now:     time.Now(),
	}
}

// Advance moves the fake clock forward, expiring entries whose TTL lapses.
func (m *MemKV) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Len returns the number of live (unexpired) entries.
func (m *MemKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !m.expired(e) {
			n++
		}
	}
	return n
}

func (m *MemKV) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && !m.now.Before(e.expiresAt)
}

// live returns the entry for key if it exists and has not expired.
// Caller must hold the mutex.
func (m *MemKV) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func valueToString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Get returns the value of key or [redisclient.Nil] on a miss.
func (m *MemKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	e, ok := m.live(key)
	if !ok {
		return "", redisclient.Nil
	}
	return e.val, nil
}

// Set stores a value with an optional TTL (zero means no expiry).
func (m *MemKV) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	e := memEntry{val: valueToString(value)}
	if ttl > 0 {
		e.expiresAt = m.now.Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// SetNX stores a value only if the key does not already exist.
func (m *MemKV) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if _, ok := m.live(key); ok {
		return false, nil
	}
	e := memEntry{val: valueToString(value)}
	if ttl > 0 {
		e.expiresAt = m.now.Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

// Del removes the given keys and returns the number removed.
func (m *MemKV) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	var n int64
	for _, key := range keys {
		if _, ok := m.live(key); ok {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}

// Exists returns the number of the given keys that exist.
func (m *MemKV) Exists(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	var n int64
	for _, key := range keys {
		if _, ok := m.live(key); ok {
			n++
		}
	}
	return n, nil
}

// TTL returns the remaining TTL for key, -1 for no expiry, -2 for a miss,
// matching Redis semantics.
func (m *MemKV) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	e, ok := m.live(key)
	if !ok {
		return -2, nil
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(m.now), nil
}

// IncrWithTTL increments the counter at key, attaching the window TTL
// only when the increment creates the key.
func (m *MemKV) IncrWithTTL(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	e, ok := m.live(key)
	if !ok {
		created := memEntry{val: "1"}
		if window > 0 {
			created.expiresAt = m.now.Add(window)
		}
		m.entries[key] = created
		return 1, nil
	}
	count, err := strconv.ParseInt(e.val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memkv: value at %q is not an integer: %w", key, err)
	}
	count++
	e.val = strconv.FormatInt(count, 10)
	m.entries[key] = e
	return count, nil
}

// CompareAndDelete deletes key only if it holds the expected value.
func (m *MemKV) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	e, ok := m.live(key)
	if !ok || e.val != expected {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// CompareAndExpire extends the TTL of key only if it holds the expected
// value.
func (m *MemKV) CompareAndExpire(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	e, ok := m.live(key)
	if !ok || e.val != expected {
		return false, nil
	}
	e.expiresAt = m.now.Add(ttl)
	m.entries[key] = e
	return true, nil
}
