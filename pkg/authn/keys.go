// Package authn verifies access tokens at the gateway edge: it caches the
// identity provider's public signing keys, checks token signatures, and
// extracts the claims the authorization pipeline works with.
//
// The package never issues or refreshes tokens; that is the identity
// provider's job (see the rotation package for refresh coordination).
package authn

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/singleflight"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/store"
)

// PublicKey is one signing key from the identity provider's key bundle.
// The modulus and exponent are base64url-encoded, JWK style. Values are
// treated as immutable after construction.
type PublicKey struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// RSAPublicKey reconstructs the *rsa.PublicKey from the base64url-encoded
// modulus and exponent.
func (k PublicKey) RSAPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("authn: failed to decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("authn: failed to decode RSA exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}

// KeyFetcher loads the identity provider's full key bundle. The IdP
// client implements this.
type KeyFetcher interface {
	FetchPublicKeys(ctx context.Context) ([]PublicKey, error)
}

// DefaultKeyTTL is how long a fetched key bundle is trusted before the
// next lookup refetches it.
const DefaultKeyTTL = time.Hour

// Key bundle layout in the shared store. The whole bundle lives under a
// single entry so RefreshAll replaces it wholesale.
const (
	keyCachePrefix = "authn:keys:"
	keyBundleKey   = "bundle"
)

// KeyCache caches the identity provider's public keys in the shared
// store so every gateway replica works from the same bundle. A lookup
// for an unknown or stale kid refetches the entire bundle, which handles
// key rotation: a token signed with a freshly rotated key triggers one
// bundle refresh and then resolves.
//
// Concurrent refreshes within a replica are collapsed through
// singleflight; across replicas, last-write-wins on the bundle entry is
// acceptable because every fetch returns the same bundle.
type KeyCache struct {
	cache   *store.Cache[[]PublicKey]
	fetcher KeyFetcher
	group   singleflight.Group
}

// NewKeyCache creates a KeyCache over kv and the given fetcher. A
// non-positive ttl falls back to [DefaultKeyTTL].
func NewKeyCache(kv store.KV, fetcher KeyFetcher, ttl time.Duration, logger *slog.Logger) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &KeyCache{
		cache:   store.NewCache[[]PublicKey](kv, keyCachePrefix, ttl, logger),
		fetcher: fetcher,
	}
}

// Get returns the public key for kid. A cached bundle containing the kid
// is served directly; otherwise the whole bundle is refetched and
// replaced. Returns [egerr.CodeKeyNotFound] when the kid is absent even
// after a refresh.
func (kc *KeyCache) Get(ctx context.Context, kid string) (PublicKey, error) {
	if bundle, ok, _ := kc.cache.Get(ctx, keyBundleKey); ok {
		if key, found := findKey(bundle, kid); found {
			return key, nil
		}
		// Unknown kid on a cached bundle may be a rotation that
		// happened after the last fetch; refetch.
	}

	bundle, err := kc.fetchBundle(ctx)
	if err != nil {
		return PublicKey{}, err
	}
	key, found := findKey(bundle, kid)
	if !found {
		return PublicKey{}, egerr.KeyNotFound(kid)
	}
	return key, nil
}

// RefreshAll unconditionally refetches the bundle and replaces the
// cached copy. Admin webhooks call this when the IdP announces a
// rotation.
func (kc *KeyCache) RefreshAll(ctx context.Context) error {
	kc.group.Forget(keyBundleKey)
	_, err := kc.fetchBundle(ctx)
	return err
}

// fetchBundle fetches the bundle from the IdP once per concurrent
// caller group and replaces the cache entry.
func (kc *KeyCache) fetchBundle(ctx context.Context) ([]PublicKey, error) {
	v, err, _ := kc.group.Do(keyBundleKey, func() (interface{}, error) {
		fetched, err := kc.fetcher.FetchPublicKeys(ctx)
		if err != nil {
			return nil, egerr.Wrap(err, egerr.CodeUnavailableDependency,
				"authn: failed to fetch key bundle")
		}
		// A failed write degrades to fetch-per-lookup; the bundle is
		// still served.
		_ = kc.cache.Put(ctx, keyBundleKey, fetched)
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]PublicKey), nil
}

func findKey(bundle []PublicKey, kid string) (PublicKey, bool) {
	for _, k := range bundle {
		if k.KeyID != "" && k.KeyID == kid {
			return k, true
		}
	}
	return PublicKey{}, false
}
