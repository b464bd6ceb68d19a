package errors

// Code represents a machine-readable error code for categorizing errors.
// Error codes follow the pattern CATEGORY_XXX where CATEGORY is a short
// identifier (e.g., AUTH, RATE, ROT) and XXX is a three-digit numeric code.
//
// Error codes are designed to be:
//   - Stable: Codes do not change once assigned
//   - Unique: Each error condition has a distinct code
//   - Searchable: Codes can be used to find documentation and runbooks
//   - Machine-readable: Suitable for automated error handling
type Code string

// Error code categories and their HTTP mappings:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Authentication errors (401 Unauthorized)
//	AUTHZ_xxx   - Authorization errors (403 Forbidden, 404 for spec gaps)
//	RATE_xxx    - Admission-control errors (429 / 403)
//	ROT_xxx     - Token rotation errors (401)
//	TENANT_xxx  - Tenant policy errors (403)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// Validation errors (VAL_xxx) - HTTP 400

	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format
	// (e.g., a permission string not matching "resource:action").
	CodeValidationFormat Code = "VAL_003"

	// Authentication errors (AUTH_xxx) - HTTP 401

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeTokenExpired indicates the access token's expiry is in the past.
	CodeTokenExpired Code = "AUTH_002"

	// CodeInvalidToken indicates the token is malformed: it does not parse
	// as three dot-separated base64url segments, or its claims cannot be
	// decoded. A well-formed token whose signature merely fails
	// verification is NOT an error; see the authn package.
	CodeInvalidToken Code = "AUTH_003"

	// CodeKeyNotFound indicates no public key matching the token's key ID
	// exists, even after refreshing the full key bundle from the identity
	// provider.
	CodeKeyNotFound Code = "AUTH_004"

	// Authorization errors (AUTHZ_xxx) - HTTP 403 (404 for spec gaps)

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodePermissionDenied indicates the user's permission set does not
	// cover the endpoint's requirements. The error Details carry the
	// missing and held permissions.
	CodePermissionDenied Code = "AUTHZ_002"

	// CodeTenantMismatch indicates the token's tenant does not match the
	// tenant the request is addressed to.
	CodeTenantMismatch Code = "AUTHZ_003"

	// CodeSpecNotFound indicates no endpoint permission entry matched the
	// request path and method. This is a routing/configuration gap, not a
	// security denial, and maps to 404.
	CodeSpecNotFound Code = "AUTHZ_004"

	// Admission-control errors (RATE_xxx) - HTTP 429 / 403

	// CodeRateLimitExceeded indicates a rate-limit counter reached its
	// policy maximum within the current window.
	CodeRateLimitExceeded Code = "RATE_001"

	// CodeIPBlocked indicates the client IP is currently blocked. The
	// error Details carry the remaining block TTL.
	CodeIPBlocked Code = "RATE_002"

	// CodeAccountLocked indicates the user account is currently locked.
	CodeAccountLocked Code = "RATE_003"

	// Token rotation errors (ROT_xxx) - HTTP 401

	// CodeRefreshFailed indicates the refresh-token rotation could not
	// complete: lock acquisition failed, or the identity-provider exchange
	// failed. Callers may retry.
	CodeRefreshFailed Code = "ROT_001"

	// CodeRefreshReused indicates a blacklisted (already rotated) refresh
	// token was presented again. This is a security signal, not an
	// ordinary error: callers must treat it as suspected token theft and
	// trigger session-wide revocation rather than retry.
	CodeRefreshReused Code = "ROT_002"

	// Tenant policy errors (TENANT_xxx) - HTTP 403

	// CodeMFARequired indicates the tenant mandates MFA and the token's
	// mfa_verified claim is false or absent.
	CodeMFARequired Code = "TENANT_001"

	// CodeSocialLoginNotAllowed indicates the login provider is excluded
	// by the tenant's social-login allow-list.
	CodeSocialLoginNotAllowed Code = "TENANT_002"

	// Internal errors (INT_xxx) - HTTP 500

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalStore indicates a backing-store operation failed.
	CodeInternalStore Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// Unavailable errors (UNAVAIL_xxx) - HTTP 503

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependency (backing store,
	// identity provider) is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// Timeout errors (TIMEOUT_xxx) - HTTP 504

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutStore indicates a backing-store operation timed out.
	CodeTimeoutStore Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates an identity-provider call timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "AUTH",
// "RATE").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
