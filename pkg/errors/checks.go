package errors

import (
	"errors"
)

// AsError extracts an *Error from an error chain. Returns the *Error and
// true if found, or nil and false otherwise.
//
// Example:
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("request denied", "code", e.Code, "status", e.HTTPStatus())
//	}
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code from an error chain, or an empty Code if
// the chain contains no *Error.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether the error chain contains an *Error with the
// specified code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// hasCategory reports whether the error chain contains an *Error whose code
// belongs to the given category prefix.
func hasCategory(err error, category string) bool {
	if e, ok := AsError(err); ok {
		return e.Code.Category() == category
	}
	return false
}

// IsValidation reports whether the error is a validation error (VAL_xxx).
func IsValidation(err error) bool {
	return hasCategory(err, "VAL")
}

// IsAuthentication reports whether the error is an authentication error
// (AUTH_xxx): expired, malformed, or unverifiable tokens and missing keys.
func IsAuthentication(err error) bool {
	return hasCategory(err, "AUTH")
}

// IsAuthorization reports whether the error is an authorization error
// (AUTHZ_xxx): permission denials, tenant mismatches, and spec gaps.
func IsAuthorization(err error) bool {
	return hasCategory(err, "AUTHZ")
}

// IsAdmission reports whether the error is an admission-control error
// (RATE_xxx): rate limits, IP blocks, and account locks.
func IsAdmission(err error) bool {
	return hasCategory(err, "RATE")
}

// IsRotation reports whether the error is a token rotation error (ROT_xxx).
func IsRotation(err error) bool {
	return hasCategory(err, "ROT")
}

// IsTenantPolicy reports whether the error is a tenant policy error
// (TENANT_xxx): MFA requirements and social-login restrictions.
func IsTenantPolicy(err error) bool {
	return hasCategory(err, "TENANT")
}

// IsInternal reports whether the error is an internal error (INT_xxx).
func IsInternal(err error) bool {
	return hasCategory(err, "INT")
}

// IsUnavailable reports whether the error is a service unavailable error
// (UNAVAIL_xxx).
func IsUnavailable(err error) bool {
	return hasCategory(err, "UNAVAIL")
}

// IsTimeout reports whether the error is a timeout error (TIMEOUT_xxx).
func IsTimeout(err error) bool {
	return hasCategory(err, "TIMEOUT")
}

// IsSecurityEvent reports whether the error is a security signal that
// warrants operator attention beyond an ordinary denial: refresh-token
// reuse (suspected theft), an IP block, or an account lock. Ordinary
// throttling (CodeRateLimitExceeded alone) is not a security event.
func IsSecurityEvent(err error) bool {
	switch GetCode(err) {
	case CodeRefreshReused, CodeIPBlocked, CodeAccountLocked:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the operation that produced this error can
// be safely retried by the caller. Timeouts and unavailable dependencies
// are retryable; authentication, authorization, admission, and reuse
// failures are terminal for the request.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		switch e.Code.Category() {
		case "TIMEOUT", "UNAVAIL":
			return true
		}
	}
	return false
}

// IsClientError reports whether the error maps to a 4xx HTTP status.
func IsClientError(err error) bool {
	if e, ok := AsError(err); ok {
		status := e.HTTPStatus()
		return status >= 400 && status < 500
	}
	return false
}

// IsServerError reports whether the error maps to a 5xx HTTP status.
func IsServerError(err error) bool {
	if e, ok := AsError(err); ok {
		return e.HTTPStatus() >= 500
	}
	return false
}
