package ratelimit

import (
	"context"
	"time"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/store"
)

// DefaultBlockTTL is how long an IP block or account lock lasts when
// imposed automatically by a threshold breach.
const DefaultBlockTTL = 30 * time.Minute

// Shared store key layout for block and lock flags.
const (
	ipBlockPrefix     = "block:ip:"
	accountLockPrefix = "lock:account:"
)

// blockedFlag is the stored value; presence of the key is what matters,
// the TTL carries the remaining duration.
const blockedFlag = "1"

// IPBlockStore records blocked client IPs as TTL flags in the shared
// store. A block imposed by one gateway replica is visible to all.
type IPBlockStore struct {
	kv store.KV
}

// NewIPBlockStore creates an IPBlockStore over kv.
func NewIPBlockStore(kv store.KV) *IPBlockStore {
	return &IPBlockStore{kv: kv}
}

// Block blocks ip for ttl. A non-positive ttl falls back to
// [DefaultBlockTTL]. Re-blocking an already blocked IP restarts the TTL.
func (s *IPBlockStore) Block(ctx context.Context, ip string, ttl time.Duration) error {
	if ip == "" {
		return egerr.New(egerr.CodeValidationRequired, "ratelimit: ip is required")
	}
	if ttl <= 0 {
		ttl = DefaultBlockTTL
	}
	return s.kv.Set(ctx, ipBlockPrefix+ip, blockedFlag, ttl)
}

// IsBlocked reports whether ip is currently blocked.
func (s *IPBlockStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := s.kv.Exists(ctx, ipBlockPrefix+ip)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTLRemaining returns how long the block on ip has left, or zero when
// the IP is not blocked.
func (s *IPBlockStore) TTLRemaining(ctx context.Context, ip string) (time.Duration, error) {
	ttl, err := s.kv.TTL(ctx, ipBlockPrefix+ip)
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Unblock removes the block on ip, reporting whether a block existed.
func (s *IPBlockStore) Unblock(ctx context.Context, ip string) (bool, error) {
	n, err := s.kv.Del(ctx, ipBlockPrefix+ip)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AccountLockStore records locked user accounts as TTL flags in the
// shared store, keyed by user ID.
type AccountLockStore struct {
	kv store.KV
}

// NewAccountLockStore creates an AccountLockStore over kv.
func NewAccountLockStore(kv store.KV) *AccountLockStore {
	return &AccountLockStore{kv: kv}
}

// Lock locks userID for ttl. A non-positive ttl falls back to
// [DefaultBlockTTL].
func (s *AccountLockStore) Lock(ctx context.Context, userID string, ttl time.Duration) error {
	if userID == "" {
		return egerr.New(egerr.CodeValidationRequired, "ratelimit: user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultBlockTTL
	}
	return s.kv.Set(ctx, accountLockPrefix+userID, blockedFlag, ttl)
}

// IsLocked reports whether userID is currently locked.
func (s *AccountLockStore) IsLocked(ctx context.Context, userID string) (bool, error) {
	n, err := s.kv.Exists(ctx, accountLockPrefix+userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTLRemaining returns how long the lock on userID has left, or zero
// when the account is not locked.
func (s *AccountLockStore) TTLRemaining(ctx context.Context, userID string) (time.Duration, error) {
	ttl, err := s.kv.TTL(ctx, accountLockPrefix+userID)
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Unlock removes the lock on userID, reporting whether a lock existed.
func (s *AccountLockStore) Unlock(ctx context.Context, userID string) (bool, error) {
	n, err := s.kv.Del(ctx, accountLockPrefix+userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
