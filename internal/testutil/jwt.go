package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate-core/pkg/authn"
)

// GenerateRSAKey creates a 2048-bit RSA key for signing test tokens.
func GenerateRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	return key
}

// PublicKeyJWK converts the public half of key into the wire form the
// identity provider's key bundle uses.
func PublicKeyJWK(t testing.TB, key *rsa.PrivateKey, kid string) authn.PublicKey {
	t.Helper()
	pub := key.Public().(*rsa.PublicKey)
	return authn.PublicKey{
		KeyID:     kid,
		KeyType:   "RSA",
		Use:       "sig",
		Algorithm: "RS256",
		Modulus:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// MintToken signs an RS256 token with the given kid header and claims.
func MintToken(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign test token")
	return signed
}

// AccessClaims builds a claim set for a gateway access token. Expiry is
// relative to now; pass a negative ttl for an already-expired token.
func AccessClaims(subject, tenantID string, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":             subject,
		"iss":             "https://idp.example.com",
		"iat":             now.Unix(),
		"exp":             now.Add(ttl).Unix(),
		"tid":             tenantID,
		"oid":             "org-1",
		"permission_hash": "hash-1",
		"mfa_verified":    true,
		"roles":           []string{"member"},
	}
}
