package rotation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/store"
)

// DefaultBlacklistTTL is how long a rotated refresh token stays
// blacklisted. It must exceed the longest refresh-token lifetime any
// tenant can configure, so a stolen pre-rotation token can never
// outlive its blacklist entry.
const DefaultBlacklistTTL = 7 * 24 * time.Hour

// blacklistPrefix is the shared store namespace for rotated tokens.
const blacklistPrefix = "rotation:blacklist:"

// BlacklistStore records rotated refresh tokens in the shared store.
// Tokens are stored as SHA-256 digests, never as raw values.
type BlacklistStore struct {
	kv  store.KV
	ttl time.Duration
}

// NewBlacklistStore creates a BlacklistStore over kv. A non-positive
// ttl falls back to [DefaultBlacklistTTL].
func NewBlacklistStore(kv store.KV, ttl time.Duration) *BlacklistStore {
	if ttl <= 0 {
		ttl = DefaultBlacklistTTL
	}
	return &BlacklistStore{kv: kv, ttl: ttl}
}

// Add blacklists token for the store's TTL.
func (s *BlacklistStore) Add(ctx context.Context, token string) error {
	if token == "" {
		return egerr.New(egerr.CodeValidationRequired, "rotation: token is required")
	}
	return s.kv.Set(ctx, blacklistPrefix+tokenHash(token), "1", s.ttl)
}

// Contains reports whether token has been rotated already.
func (s *BlacklistStore) Contains(ctx context.Context, token string) (bool, error) {
	n, err := s.kv.Exists(ctx, blacklistPrefix+tokenHash(token))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// tokenHash returns the hex SHA-256 digest of a token, the only form in
// which tokens touch the store or the logs.
func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
