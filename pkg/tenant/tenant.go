// Package tenant models per-tenant gateway policy: MFA enforcement,
// social login allow-lists, role hierarchy, session lifetimes, and
// rate-limit overrides. Policy is owned by the identity provider and
// cached here.
package tenant

import (
	"time"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// SessionPolicy bounds token lifetimes for a tenant.
type SessionPolicy struct {
	AccessTokenTTL  time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
	// MaxConcurrent caps live sessions per user; zero means unlimited.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// Config is a tenant's gateway policy. Instances come from the identity
// provider and are treated as immutable.
type Config struct {
	TenantID    string `json:"tenant_id"`
	MFARequired bool   `json:"mfa_required"`

	// AllowedSocialLogins is the allow-list of social login providers.
	// An empty list allows every provider (default-open); a non-empty
	// list rejects anything absent from it.
	AllowedSocialLogins []string `json:"allowed_social_logins,omitempty"`

	// RoleHierarchy maps each role to the roles it subsumes.
	RoleHierarchy map[string][]string `json:"role_hierarchy,omitempty"`

	Session SessionPolicy `json:"session"`

	// RateLimitOverrides replaces the default max for a limit type,
	// keyed by the limit type's wire name.
	RateLimitOverrides map[string]int `json:"rate_limit_overrides,omitempty"`
}

// ValidateMFA checks the tenant's MFA policy against a token's
// mfa_verified claim. Returns [egerr.CodeMFARequired] when the tenant
// mandates MFA and the session has not completed it.
func (c *Config) ValidateMFA(mfaVerified bool) error {
	if c.MFARequired && !mfaVerified {
		return egerr.Newf(egerr.CodeMFARequired,
			"tenant: tenant %q requires multi-factor authentication", c.TenantID)
	}
	return nil
}

// ValidateSocialLoginProvider checks provider against the tenant's
// allow-list. An empty allow-list admits every provider.
func (c *Config) ValidateSocialLoginProvider(provider string) error {
	if len(c.AllowedSocialLogins) == 0 {
		return nil
	}
	for _, allowed := range c.AllowedSocialLogins {
		if allowed == provider {
			return nil
		}
	}
	return egerr.Newf(egerr.CodeSocialLoginNotAllowed,
		"tenant: social login provider %q is not allowed for tenant %q", provider, c.TenantID).
		WithDetail("provider", provider)
}

// RoleSubsumes reports whether holding role grants candidate through the
// tenant's role hierarchy. A role always subsumes itself; the hierarchy
// is followed transitively.
func (c *Config) RoleSubsumes(role, candidate string) bool {
	if role == candidate {
		return true
	}
	seen := map[string]bool{role: true}
	queue := append([]string(nil), c.RoleHierarchy[role]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == candidate {
			return true
		}
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, c.RoleHierarchy[next]...)
	}
	return false
}

// RateLimitMax returns the tenant's override for the given limit type
// wire name, or fallback when no override exists.
func (c *Config) RateLimitMax(limitName string, fallback int) int {
	if max, ok := c.RateLimitOverrides[limitName]; ok && max > 0 {
		return max
	}
	return fallback
}
