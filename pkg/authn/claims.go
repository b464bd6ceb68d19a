package authn

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// Wire names of the gateway's custom claims.
const (
	claimTenantID       = "tid"
	claimOrganizationID = "oid"
	claimPermissionHash = "permission_hash"
	claimMFAVerified    = "mfa_verified"
	claimRoles          = "roles"
)

// AccessTokenClaims are the claims the gateway works with, extracted from
// a verified access token. Custom claims use short wire names (tid, oid,
// permission_hash, mfa_verified); this struct is the only place the
// mapping lives.
//
// Instances are derived from tokens, never constructed by hand and never
// written back.
type AccessTokenClaims struct {
	Subject        string
	Issuer         string
	ExpiresAt      time.Time
	IssuedAt       time.Time
	Roles          []string
	TenantID       string
	OrganizationID string
	PermissionHash string
	MFAVerified    bool
}

// HasRole reports whether the token carries the given role.
func (c *AccessTokenClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// claimsFromMap maps raw JWT claims onto AccessTokenClaims. Registered
// claims that fail to parse surface as invalid-token errors; absent
// custom claims default to zero values.
func claimsFromMap(mc jwt.MapClaims) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}

	sub, err := mc.GetSubject()
	if err != nil {
		return nil, egerr.Wrap(err, egerr.CodeInvalidToken,
			"authn: token subject claim is invalid")
	}
	claims.Subject = sub

	iss, err := mc.GetIssuer()
	if err != nil {
		return nil, egerr.Wrap(err, egerr.CodeInvalidToken,
			"authn: token issuer claim is invalid")
	}
	claims.Issuer = iss

	if exp, err := mc.GetExpirationTime(); err != nil {
		return nil, egerr.Wrap(err, egerr.CodeInvalidToken,
			"authn: token expiry claim is invalid")
	} else if exp != nil {
		claims.ExpiresAt = exp.Time
	}

	if iat, err := mc.GetIssuedAt(); err != nil {
		return nil, egerr.Wrap(err, egerr.CodeInvalidToken,
			"authn: token issued-at claim is invalid")
	} else if iat != nil {
		claims.IssuedAt = iat.Time
	}

	if v, ok := mc[claimTenantID].(string); ok {
		claims.TenantID = v
	}
	if v, ok := mc[claimOrganizationID].(string); ok {
		claims.OrganizationID = v
	}
	if v, ok := mc[claimPermissionHash].(string); ok {
		claims.PermissionHash = v
	}
	if v, ok := mc[claimMFAVerified].(bool); ok {
		claims.MFAVerified = v
	}

	if raw, ok := mc[claimRoles].([]interface{}); ok {
		roles := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		claims.Roles = roles
	}

	return claims, nil
}
