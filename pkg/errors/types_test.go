package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Error interface
// ---------------------------------------------------------------------------

func TestError_ErrorString(t *testing.T) {
	t.Parallel()

	e := New(CodeTokenExpired, "access token has expired")
	assert.Equal(t, "AUTH_002: access token has expired", e.Error())
}

func TestError_ErrorString_WithCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	e := Wrap(cause, CodeUnavailableDependency, "identity provider unreachable")
	assert.Equal(t, "UNAVAIL_002: identity provider unreachable: connection refused", e.Error())
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	e := Wrap(cause, CodeInternal, "wrapped")
	assert.ErrorIs(t, e, cause)
}

// ---------------------------------------------------------------------------
// HTTPStatus
// ---------------------------------------------------------------------------

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code Code
		want int
	}{
		{"validation maps to 400", CodeValidation, http.StatusBadRequest},
		{"token expired maps to 401", CodeTokenExpired, http.StatusUnauthorized},
		{"invalid token maps to 401", CodeInvalidToken, http.StatusUnauthorized},
		{"key not found maps to 401", CodeKeyNotFound, http.StatusUnauthorized},
		{"permission denied maps to 403", CodePermissionDenied, http.StatusForbidden},
		{"spec not found maps to 404", CodeSpecNotFound, http.StatusNotFound},
		{"rate limit maps to 429", CodeRateLimitExceeded, http.StatusTooManyRequests},
		{"ip blocked maps to 403", CodeIPBlocked, http.StatusForbidden},
		{"account locked maps to 403", CodeAccountLocked, http.StatusForbidden},
		{"refresh failed maps to 401", CodeRefreshFailed, http.StatusUnauthorized},
		{"refresh reused maps to 401", CodeRefreshReused, http.StatusUnauthorized},
		{"mfa required maps to 403", CodeMFARequired, http.StatusForbidden},
		{"social login maps to 403", CodeSocialLoginNotAllowed, http.StatusForbidden},
		{"tenant mismatch maps to 403", CodeTenantMismatch, http.StatusForbidden},
		{"internal maps to 500", CodeInternalStore, http.StatusInternalServerError},
		{"unavailable maps to 503", CodeUnavailableDependency, http.StatusServiceUnavailable},
		{"timeout maps to 504", CodeTimeoutDependency, http.StatusGatewayTimeout},
		{"unknown category maps to 500", Code("WAT_001"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := New(tt.code, "msg")
			assert.Equal(t, tt.want, e.HTTPStatus())
		})
	}
}

// ---------------------------------------------------------------------------
// Details
// ---------------------------------------------------------------------------

func TestError_WithDetail_DoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	original := New(CodeIPBlocked, "blocked").WithDetail("ip", "1.2.3.4")
	enriched := original.WithDetail("ttl_seconds", 1800)

	assert.NotContains(t, original.Details, "ttl_seconds")
	assert.Equal(t, "1.2.3.4", enriched.Details["ip"])
	assert.Equal(t, 1800, enriched.Details["ttl_seconds"])
}

func TestError_WithDetails_Merges(t *testing.T) {
	t.Parallel()

	e := New(CodePermissionDenied, "denied").
		WithDetail("missing_permissions", []string{"order:read"}).
		WithDetails(map[string]any{"held_permissions": []string{"order:write"}})

	require.Len(t, e.Details, 2)
	assert.Equal(t, []string{"order:read"}, e.Details["missing_permissions"])
	assert.Equal(t, []string{"order:write"}, e.Details["held_permissions"])
}

// ---------------------------------------------------------------------------
// Format
// ---------------------------------------------------------------------------

func TestError_Format_Verbose(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	e := Wrap(cause, CodeUnavailableDependency, "store down").WithDetail("host", "redis")

	out := fmt.Sprintf("%+v", e)
	assert.Contains(t, out, `Code: "UNAVAIL_002"`)
	assert.Contains(t, out, "store down")
	assert.Contains(t, out, "redis")
	assert.Contains(t, out, "dial tcp: refused")
}

func TestCode_Category(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AUTH", CodeTokenExpired.Category())
	assert.Equal(t, "RATE", CodeIPBlocked.Category())
	assert.Equal(t, "ROT", CodeRefreshReused.Category())
	assert.Equal(t, "TENANT", CodeMFARequired.Category())
}
