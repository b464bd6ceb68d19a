// Package idp is the HTTP client for the identity provider's internal
// API. It implements the fetcher interfaces the domain packages declare:
// signing-key bundles for authn, the permission spec and per-user
// snapshots for authz, tenant policy for tenant, and the refresh-token
// exchange for rotation.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgegate/edgegate-core/pkg/authn"
	"github.com/edgegate/edgegate-core/pkg/authz"
	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/rotation"
	"github.com/edgegate/edgegate-core/pkg/tenant"
)

// tracerName is the OpenTelemetry instrumentation scope name for this
// package.
const tracerName = "github.com/edgegate/edgegate-core/pkg/clients/idp"

// Internal API paths, relative to the configured base URL.
const (
	keysPath    = "/internal/v1/keys"
	specPath    = "/internal/v1/permission-spec"
	refreshPath = "/internal/v1/token/refresh"
)

// maxResponseSize caps response bodies at 1 MB to prevent resource
// exhaustion from a misbehaving upstream.
const maxResponseSize = 1 << 20

// Client calls the identity provider's internal API. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	token      Secret
	httpClient HTTPClient
	tracer     trace.Tracer
}

// Compile-time assertions that Client satisfies every fetcher interface
// the domain packages declare.
var (
	_ authn.KeyFetcher   = (*Client)(nil)
	_ authz.SpecFetcher  = (*Client)(nil)
	_ authz.HashFetcher  = (*Client)(nil)
	_ tenant.Fetcher     = (*Client)(nil)
	_ rotation.Exchanger = (*Client)(nil)
)

// NewClient creates a Client from cfg. The configuration is validated
// before use; an error is returned if it is invalid.
//
// If cfg.HTTPClient is nil, a default [http.Client] bounded by
// cfg.Timeout is used.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.ServiceToken,
		httpClient: httpClient,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// keysResponse is the JSON shape of the key bundle endpoint, a standard
// JWK set.
type keysResponse struct {
	Keys []authn.PublicKey `json:"keys"`
}

// FetchPublicKeys loads the identity provider's full signing-key
// bundle. Implements [authn.KeyFetcher].
func (c *Client) FetchPublicKeys(ctx context.Context) ([]authn.PublicKey, error) {
	var out keysResponse
	if err := c.getJSON(ctx, "idp.FetchPublicKeys", keysPath, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// FetchPermissionSpec loads the current permission spec. Implements
// [authz.SpecFetcher].
func (c *Client) FetchPermissionSpec(ctx context.Context) (*authz.PermissionSpec, error) {
	var out authz.PermissionSpec
	if err := c.getJSON(ctx, "idp.FetchPermissionSpec", specPath, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchUserPermissions loads the permission snapshot for (tenantID,
// userID). Implements [authz.HashFetcher].
func (c *Client) FetchUserPermissions(ctx context.Context, tenantID, userID string) (*authz.PermissionHash, error) {
	if tenantID == "" || userID == "" {
		return nil, egerr.New(egerr.CodeValidationRequired, "idp: tenant id and user id are required")
	}
	path := fmt.Sprintf("/internal/v1/tenants/%s/users/%s/permissions",
		url.PathEscape(tenantID), url.PathEscape(userID))

	var out authz.PermissionHash
	if err := c.getJSON(ctx, "idp.FetchUserPermissions", path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchTenantConfig loads the gateway policy for tenantID. Implements
// [tenant.Fetcher].
func (c *Client) FetchTenantConfig(ctx context.Context, tenantID string) (*tenant.Config, error) {
	if tenantID == "" {
		return nil, egerr.New(egerr.CodeValidationRequired, "idp: tenant id is required")
	}
	path := "/internal/v1/tenants/" + url.PathEscape(tenantID)

	var out tenant.Config
	if err := c.getJSON(ctx, "idp.FetchTenantConfig", path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// refreshRequest is the JSON body of the token exchange endpoint.
type refreshRequest struct {
	TenantID     string `json:"tenant_id"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshAccessToken exchanges refreshToken for a new token pair.
// Implements [rotation.Exchanger].
//
// A 4xx from the exchange endpoint means the identity provider rejected
// the token itself and maps to [egerr.CodeRefreshFailed]; transport and
// 5xx failures map like every other call.
func (c *Client) RefreshAccessToken(ctx context.Context, tenantID, refreshToken string) (*rotation.TokenPair, error) {
	if tenantID == "" || refreshToken == "" {
		return nil, egerr.New(egerr.CodeValidationRequired, "idp: tenant id and refresh token are required")
	}

	ctx, span := c.tracer.Start(ctx, "idp.RefreshAccessToken")
	defer span.End()
	span.SetAttributes(attribute.String("idp.tenant_id", tenantID))

	resp, err := c.do(ctx, http.MethodPost, refreshPath, refreshRequest{
		TenantID:     tenantID,
		RefreshToken: refreshToken,
	})
	if err != nil {
		err = c.wrapTransportError(err, refreshPath)
		finishSpan(span, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		err := egerr.RefreshFailed("exchange").
			WithDetail("status", resp.StatusCode)
		finishSpan(span, err)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := c.statusError(refreshPath, resp.StatusCode)
		finishSpan(span, err)
		return nil, err
	}

	var pair rotation.TokenPair
	if err := decodeBody(resp.Body, &pair); err != nil {
		finishSpan(span, err)
		return nil, err
	}
	return &pair, nil
}

// getJSON performs a traced GET against path and decodes the 200
// response into out.
func (c *Client) getJSON(ctx context.Context, spanName, path string, out any) error {
	ctx, span := c.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", http.MethodGet),
		attribute.String("url.path", path),
	)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		err = c.wrapTransportError(err, path)
		finishSpan(span, err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := c.statusError(path, resp.StatusCode)
		finishSpan(span, err)
		return err
	}

	if err := decodeBody(resp.Body, out); err != nil {
		finishSpan(span, err)
		return err
	}
	return nil
}

// do builds and sends one request. A non-nil body is JSON-encoded.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, egerr.Wrap(err, egerr.CodeInternal, "idp: failed to encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, egerr.Wrap(err, egerr.CodeInternal, "idp: failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token.Value() != "" {
		req.Header.Set("Authorization", "Bearer "+c.token.Value())
	}

	return c.httpClient.Do(req)
}

// wrapTransportError classifies a failure from the HTTP client itself.
func (c *Client) wrapTransportError(err error, path string) error {
	if e, ok := egerr.AsError(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
		return egerr.Wrapf(err, egerr.CodeTimeoutDependency,
			"idp: request to %s timed out", path)
	}
	return egerr.Wrapf(err, egerr.CodeUnavailableDependency,
		"idp: request to %s failed", path)
}

// isClientTimeout catches net-level timeouts that do not unwrap to
// context.DeadlineExceeded.
func isClientTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// statusError maps a non-200 status to a coded error. 401 and 403 mean
// this gateway's service token was rejected; everything else counts
// against the dependency.
func (c *Client) statusError(path string, status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return egerr.Newf(egerr.CodeAuthentication,
			"idp: service token rejected by %s", path).
			WithDetail("status", status)
	}
	return egerr.Newf(egerr.CodeUnavailableDependency,
		"idp: %s returned status %d", path, status).
		WithDetail("status", status)
}

// decodeBody decodes a bounded JSON response body into out.
func decodeBody(body io.Reader, out any) error {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseSize))
	if err != nil {
		return egerr.Wrap(err, egerr.CodeUnavailableDependency, "idp: failed to read response body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return egerr.Wrap(err, egerr.CodeUnavailableDependency, "idp: failed to decode response body")
	}
	return nil
}

// finishSpan records err on span and marks the span failed.
func finishSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
