package errors

import (
	"fmt"
)

// New creates a new Error with the specified code and message.
// Use this for creating errors without an underlying cause.
//
// Example:
//
//	err := errors.New(errors.CodeInvalidToken, "token is malformed")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with the specified code and formatted message.
// Use this for creating errors with dynamic content in the message.
//
// Example:
//
//	err := errors.Newf(errors.CodeKeyNotFound, "public key %q not found", kid)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
// The wrapped error becomes the Cause of the new error.
// If err is nil, Wrap returns nil.
//
// Example:
//
//	pair, err := idp.RefreshAccessToken(ctx, tenantID, token)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeRefreshFailed, "token exchange failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with a formatted message.
// The wrapped error becomes the Cause of the new error.
// If err is nil, Wrapf returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validation creates a new validation error.
// This is a convenience function equivalent to New(CodeValidation, message).
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// InvalidToken creates a new malformed-token error. Use this when a token
// fails to parse; a well-formed token with a wrong signature is not an error.
func InvalidToken(message string) *Error {
	return New(CodeInvalidToken, message)
}

// TokenExpired creates a new token-expired error.
func TokenExpired(message string) *Error {
	return New(CodeTokenExpired, message)
}

// KeyNotFound creates a new key-not-found error for the given key ID.
func KeyNotFound(kid string) *Error {
	return Newf(CodeKeyNotFound, "public key %q not found in key set", kid).
		WithDetail("kid", kid)
}

// PermissionDenied creates a new permission-denied error carrying the
// missing and held permission sets in Details for operator diagnosis.
func PermissionDenied(missing, held []string) *Error {
	return New(CodePermissionDenied, "required permissions not granted").
		WithDetails(map[string]any{
			"missing_permissions": missing,
			"held_permissions":    held,
		})
}

// SpecNotFound creates a new spec-not-found error for an unmatched
// (path, method) pair. This signals a routing/configuration gap.
func SpecNotFound(path, method string) *Error {
	return Newf(CodeSpecNotFound, "no endpoint permission matches %s %s", method, path)
}

// RefreshFailed creates a new refresh-failure error naming the failed stage
// ("lock", "exchange", "blacklist").
func RefreshFailed(stage string) *Error {
	return Newf(CodeRefreshFailed, "token refresh failed at %s", stage).
		WithDetail("stage", stage)
}

// RefreshReused creates a new refresh-reuse error. This is a security
// signal: the presented refresh token was already rotated.
func RefreshReused() *Error {
	return New(CodeRefreshReused, "refresh token has already been used")
}

// Internal creates a new internal error.
// Use this for unexpected system failures that should not expose details to users.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Unavailable creates a new service unavailable error.
// Use this when a dependency is temporarily unavailable.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a new timeout error.
// Use this when an operation exceeds its time limit.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}
