package idp

import (
	"net/http"
	"net/url"
	"time"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// ---------------------------------------------------------------------------
// Secret type
// ---------------------------------------------------------------------------

// Secret is a string type that redacts its value in String(), GoString(),
// and MarshalText() to prevent accidental exposure in logs or JSON
// output. The actual value is only accessible via [Secret.Value].
type Secret string

// secretRedacted is the placeholder text shown instead of the actual
// secret value.
const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder.
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string.
func (s Secret) Value() string { return string(s) }

// MarshalText implements [encoding.TextMarshaler], returning the
// redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// ---------------------------------------------------------------------------
// HTTPClient interface
// ---------------------------------------------------------------------------

// HTTPClient abstracts the HTTP client used to call the identity
// provider. This allows callers to provide clients with custom
// transports (mTLS, proxies, tracing middleware).
//
// The standard [http.Client] satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// DefaultTimeout is the per-request timeout used when Config.Timeout is
// zero and no custom HTTP client is supplied.
const DefaultTimeout = 10 * time.Second

// Config holds the connection settings for the identity provider's
// internal API.
type Config struct {
	// BaseURL is the root of the identity provider's internal API,
	// e.g. "https://idp.gateway.svc.cluster.local". Required.
	BaseURL string `json:"base_url" env:"IDP_BASE_URL"`

	// ServiceToken authenticates this gateway to the internal API. Sent
	// as a bearer token on every request. The Secret type prevents
	// accidental logging of the value.
	ServiceToken Secret `json:"-" env:"IDP_SERVICE_TOKEN"`

	// Timeout bounds each request when no custom HTTPClient is set.
	// Defaults to [DefaultTimeout].
	Timeout time.Duration `json:"timeout" env:"IDP_TIMEOUT" envDefault:"10s"`

	// HTTPClient overrides the default [http.Client]. When set, Timeout
	// is ignored; the supplied client owns its own deadline policy.
	HTTPClient HTTPClient `json:"-"`
}

// Validate checks the configuration and returns a *[egerr.Error] with
// code [egerr.CodeValidation] if any field is invalid.
func (c *Config) Validate() *egerr.Error {
	if c.BaseURL == "" {
		return egerr.New(egerr.CodeValidation, "idp: base URL must not be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return egerr.Newf(egerr.CodeValidation, "idp: base URL %q is not an absolute URL", c.BaseURL)
	}
	if c.Timeout < 0 {
		return egerr.New(egerr.CodeValidation, "idp: timeout must be non-negative")
	}
	return nil
}
