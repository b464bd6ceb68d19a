// Package errors provides standardized error types and error handling utilities
// for the EdgeGate authorization core. It defines the error taxonomy shared by
// the gateway pipeline (authentication, authorization, admission control, token
// rotation, tenant policy) together with helper functions for creating,
// wrapping, and inspecting errors.
//
// # Error Categories
//
// The package defines the failure categories a request can terminate with:
//
//   - Validation errors: Invalid input, malformed configuration
//   - Authentication errors: Expired, malformed, or unverifiable tokens
//   - Authorization errors: Missing permissions, unmatched endpoint specs
//   - Admission errors: Rate limits, blocked IPs, locked accounts
//   - Rotation errors: Refresh failures and refresh-token reuse
//   - Tenant errors: MFA and social-login policy violations
//   - Internal / Unavailable / Timeout errors: infrastructure failures
//
// # Error Codes
//
// Each error includes a machine-readable code (e.g., "AUTH_002") used for
// error tracking, alerting, and client-side handling. Codes follow the
// pattern CATEGORY_XXX and map to an HTTP status via [Error.HTTPStatus].
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.CodeTokenExpired, "access token has expired")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeRefreshFailed, "token exchange failed")
//
// Check error category:
//
//	if errors.IsAdmission(err) {
//	    // handle throttling / blocking
//	}
//
// Distinguish security signals from ordinary failures:
//
//	if errors.IsSecurityEvent(err) {
//	    // escalate: suspected token theft or abuse
//	}
package errors
