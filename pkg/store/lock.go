package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Lock acquisition and lease errors. Callers map these to their own
// domain errors (the rotation coordinator, for example, reports a
// contended lock as a refresh failure).
var (
	// ErrNotAcquired is returned when the lock is held by another
	// owner and the wait budget is exhausted.
	ErrNotAcquired = errors.New("store: lock not acquired")

	// ErrLeaseLost is returned by [Lease.Extend] and [Lease.Release]
	// when the lease has expired and the lock key no longer carries
	// this holder's token.
	ErrLeaseLost = errors.New("store: lease no longer held")
)

// Default lock timing. The lease TTL bounds how long a crashed holder
// can block other replicas; the retry interval and wait budget bound how
// long a contender polls before giving up.
const (
	DefaultLeaseTTL      = 10 * time.Second
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultWaitBudget    = 2 * time.Second
)

// Lock is a distributed mutual-exclusion lock over a [KV] store. Each
// acquisition writes a random token under the lock key with SetNX, and
// release deletes the key only if it still carries that token, so an
// expired holder can never release a lock reacquired by someone else.
//
// The lock is advisory and lease-based: if a holder exceeds the lease
// TTL without extending, the key expires and another replica may
// acquire. Holders doing work near the TTL must call [Lease.Extend].
type Lock struct {
	kv            KV
	leaseTTL      time.Duration
	retryInterval time.Duration
	waitBudget    time.Duration
}

// LockOption configures a Lock.
type LockOption func(*Lock)

// WithLeaseTTL sets how long an acquisition holds the key before it
// expires on its own.
func WithLeaseTTL(ttl time.Duration) LockOption {
	return func(l *Lock) { l.leaseTTL = ttl }
}

// WithRetryInterval sets the polling interval for contended acquisition.
func WithRetryInterval(d time.Duration) LockOption {
	return func(l *Lock) { l.retryInterval = d }
}

// WithWaitBudget sets the total time [Lock.Acquire] polls a contended
// lock before returning [ErrNotAcquired].
func WithWaitBudget(d time.Duration) LockOption {
	return func(l *Lock) { l.waitBudget = d }
}

// NewLock creates a Lock with the default timing, adjusted by opts.
func NewLock(kv KV, opts ...LockOption) *Lock {
	l := &Lock{
		kv:            kv,
		leaseTTL:      DefaultLeaseTTL,
		retryInterval: DefaultRetryInterval,
		waitBudget:    DefaultWaitBudget,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire attempts a single acquisition of key. It returns
// [ErrNotAcquired] without waiting when the lock is held.
func (l *Lock) TryAcquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.kv.SetNX(ctx, key, token, l.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{kv: l.kv, key: key, token: token, ttl: l.leaseTTL}, nil
}

// Acquire acquires key, polling a contended lock every retry interval
// until the wait budget is exhausted or ctx is done. Returns
// [ErrNotAcquired] when the budget runs out.
func (l *Lock) Acquire(ctx context.Context, key string) (*Lease, error) {
	deadline := time.Now().Add(l.waitBudget)

	for {
		lease, err := l.TryAcquire(ctx, key)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

// Lease is a held lock. It is valid until released, extended past
// expiry, or the lease TTL lapses.
type Lease struct {
	kv    KV
	key   string
	token string
	ttl   time.Duration
}

// Key returns the lock key this lease holds.
func (le *Lease) Key() string { return le.key }

// Token returns the fencing token written under the lock key.
func (le *Lease) Token() string { return le.token }

// Release deletes the lock key if this lease still holds it. Returns
// [ErrLeaseLost] if the lease had already expired.
func (le *Lease) Release(ctx context.Context) error {
	ok, err := le.kv.CompareAndDelete(ctx, le.key, le.token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Extend resets the lease TTL if this lease still holds the lock.
// Returns [ErrLeaseLost] if the lease had already expired.
func (le *Lease) Extend(ctx context.Context) error {
	ok, err := le.kv.CompareAndExpire(ctx, le.key, le.token, le.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}
