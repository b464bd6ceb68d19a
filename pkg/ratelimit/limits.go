// Package ratelimit is the gateway's admission-control layer: per-policy
// fixed-window counters with IP-block and account-lock side effects on
// threshold breach.
//
// Every limit type carries its own key prefix, window, maximum, and
// breach action. Counters live in the shared store so all gateway
// replicas count against the same windows. The window algorithm is a
// fixed-window counter: slightly bursty at window boundaries, but a
// single atomic store operation per check.
package ratelimit

import (
	"strings"
	"time"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// Action is what happens when a counter reaches its policy maximum.
type Action string

const (
	// ActionReject denies the request with an ordinary throttling
	// decision; the client may retry after the window closes.
	ActionReject Action = "reject"

	// ActionBlockIP denies the request and blocks the client IP for
	// [DefaultBlockTTL]. Surfaces as a hard error so callers can
	// distinguish the security event from ordinary throttling.
	ActionBlockIP Action = "block_ip"

	// ActionLockAccount denies the request and locks the user account
	// for [DefaultBlockTTL].
	ActionLockAccount Action = "lock_account"

	// ActionRevokeToken denies the request; the caller is expected to
	// revoke the presented token. Used for refresh-endpoint abuse.
	ActionRevokeToken Action = "revoke_token"
)

// Scope says what the limit's identifier names: a client IP or a user.
// IP-scoped limits consult the IP block store before counting; the
// reset operation uses the scope to decide between unblocking an IP and
// unlocking an account.
type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

// LimitType enumerates the gateway's rate-limit policies. The string
// value is the wire name used in cache keys and tenant overrides.
type LimitType string

const (
	// LimitEndpoint throttles a single user on a single endpoint;
	// the key includes path and method.
	LimitEndpoint LimitType = "endpoint"

	// LimitUser throttles a user's total request rate across endpoints.
	LimitUser LimitType = "user"

	// LimitIP throttles total requests per client IP, authenticated or
	// not.
	LimitIP LimitType = "ip"

	// LimitOTP throttles one-time-password attempts per user; breach
	// locks the account.
	LimitOTP LimitType = "otp"

	// LimitLogin throttles login attempts per client IP; repeated
	// failures block the IP.
	LimitLogin LimitType = "login"

	// LimitTokenRefresh throttles the refresh endpoint per user.
	LimitTokenRefresh LimitType = "token_refresh"

	// LimitInvalidJWT counts malformed or forged tokens per client IP;
	// repeated failures block the IP.
	LimitInvalidJWT LimitType = "invalid_jwt"
)

// Valid reports whether t is a recognized limit type.
func (t LimitType) Valid() bool {
	_, ok := defaultPolicies[t]
	return ok
}

// String returns the wire name.
func (t LimitType) String() string {
	return string(t)
}

// Policy is one rate-limit policy: a counter maximum, the window it
// counts within, and what a breach triggers.
type Policy struct {
	Type        LimitType
	MaxRequests int
	Window      time.Duration
	Action      Action
	Scope       Scope

	// FailureThreshold is the recorded-failure count at which
	// [Limiter.RecordFailure] blocks the identifier's IP. Zero means
	// the type has no failure tracking.
	FailureThreshold int

	// AuditLogRequired marks policies whose breaches must reach the
	// audit trail, not only the structured log.
	AuditLogRequired bool
}

// IsExceeded reports whether a post-increment count breaches the
// policy. The boundary is >=: with MaxRequests = N, the Nth request in
// a window is the first one denied.
func (p Policy) IsExceeded(count int64) bool {
	return count >= int64(p.MaxRequests)
}

// WithMax returns a copy of the policy with a different maximum. Used to
// apply tenant overrides.
func (p Policy) WithMax(max int) Policy {
	p.MaxRequests = max
	return p
}

// defaultPolicies holds the built-in policy per limit type. Maxima and
// windows are starting points; tenants override maxima via
// tenant config, and deployments override both via gateway config.
var defaultPolicies = map[LimitType]Policy{
	LimitEndpoint: {
		Type:        LimitEndpoint,
		MaxRequests: 100,
		Window:      time.Minute,
		Action:      ActionReject,
		Scope:       ScopeUser,
	},
	LimitUser: {
		Type:        LimitUser,
		MaxRequests: 1000,
		Window:      time.Minute,
		Action:      ActionReject,
		Scope:       ScopeUser,
	},
	LimitIP: {
		Type:        LimitIP,
		MaxRequests: 300,
		Window:      time.Minute,
		Action:      ActionReject,
		Scope:       ScopeIP,
	},
	LimitOTP: {
		Type:             LimitOTP,
		MaxRequests:      5,
		Window:           10 * time.Minute,
		Action:           ActionLockAccount,
		Scope:            ScopeUser,
		AuditLogRequired: true,
	},
	LimitLogin: {
		Type:             LimitLogin,
		MaxRequests:      10,
		Window:           time.Minute,
		Action:           ActionBlockIP,
		Scope:            ScopeIP,
		FailureThreshold: 5,
		AuditLogRequired: true,
	},
	LimitTokenRefresh: {
		Type:        LimitTokenRefresh,
		MaxRequests: 10,
		Window:      time.Minute,
		Action:      ActionRevokeToken,
		Scope:       ScopeUser,
	},
	LimitInvalidJWT: {
		Type:             LimitInvalidJWT,
		MaxRequests:      20,
		Window:           time.Minute,
		Action:           ActionBlockIP,
		Scope:            ScopeIP,
		FailureThreshold: 10,
		AuditLogRequired: true,
	},
}

// DefaultPolicy returns the built-in policy for t. Returns
// [egerr.CodeValidation] for an unknown limit type.
func DefaultPolicy(t LimitType) (Policy, error) {
	p, ok := defaultPolicies[t]
	if !ok {
		return Policy{}, egerr.Newf(egerr.CodeValidation,
			"ratelimit: unknown limit type %q", t)
	}
	return p, nil
}

// keyPrefix is the shared store namespace for rate-limit counters.
const keyPrefix = "rl"

// Key builds the deterministic counter key for a limit type and
// identifier, with optional extra parts (e.g., path and method for
// endpoint limits).
func Key(t LimitType, identifier string, extra ...string) string {
	parts := make([]string, 0, 3+len(extra))
	parts = append(parts, keyPrefix, string(t), identifier)
	parts = append(parts, extra...)
	return strings.Join(parts, ":")
}

// failureKey is the counter key for recorded failures, kept separate
// from the request counter so a burst of successful logins does not
// trip the failure threshold.
func failureKey(t LimitType, identifier string) string {
	return strings.Join([]string{keyPrefix, string(t), "failures", identifier}, ":")
}
