package gateway_test

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate-core/internal/testutil"
	"github.com/edgegate/edgegate-core/pkg/audit"
	"github.com/edgegate/edgegate-core/pkg/authn"
	"github.com/edgegate/edgegate-core/pkg/authz"
	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/gateway"
	"github.com/edgegate/edgegate-core/pkg/ratelimit"
	"github.com/edgegate/edgegate-core/pkg/rotation"
	"github.com/edgegate/edgegate-core/pkg/tenant"
)

// stubIdP is an in-memory identity provider backing every fetcher
// interface the pipeline depends on.
type stubIdP struct {
	mu      sync.Mutex
	keys    []authn.PublicKey
	spec    *authz.PermissionSpec
	hash    *authz.PermissionHash
	tenants map[string]*tenant.Config
	pair    *rotation.TokenPair

	keyFetches int
}

func (s *stubIdP) FetchPublicKeys(ctx context.Context) ([]authn.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyFetches++
	return s.keys, nil
}

func (s *stubIdP) FetchPermissionSpec(ctx context.Context) (*authz.PermissionSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec, nil
}

func (s *stubIdP) FetchUserPermissions(ctx context.Context, tenantID, userID string) (*authz.PermissionHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash, nil
}

func (s *stubIdP) FetchTenantConfig(ctx context.Context, tenantID string) (*tenant.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.tenants[tenantID]
	if !ok {
		return nil, egerr.Newf(egerr.CodeTenantMismatch, "unknown tenant %q", tenantID)
	}
	return cfg, nil
}

func (s *stubIdP) RefreshAccessToken(ctx context.Context, tenantID, refreshToken string) (*rotation.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair, nil
}

// auditSink collects audit events.
type auditSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *auditSink) Record(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *auditSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, len(s.events))
	for i, e := range s.events {
		actions[i] = e.Action
	}
	return actions
}

type fixture struct {
	gw   *gateway.Gateway
	kv   *testutil.MemKV
	idp  *stubIdP
	key  *rsa.PrivateKey
	sink *auditSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv := testutil.NewMemKV()
	key := testutil.GenerateRSAKey(t)
	idp := &stubIdP{
		keys: []authn.PublicKey{testutil.PublicKeyJWK(t, key, "kid-1")},
		spec: &authz.PermissionSpec{
			Version: "1",
			Permissions: []authz.EndpointPermission{
				{ServiceName: "orders", PathPattern: "/orders/{id}", Method: "GET",
					RequiredPermissions: []string{"orders:read"}},
				{ServiceName: "orders", PathPattern: "/orders.OrderService/GetOrder", Method: "POST",
					RequiredPermissions: []string{"orders:read"}},
				{ServiceName: "status", PathPattern: "/public/health", Method: "GET", IsPublic: true},
			},
		},
		hash: &authz.PermissionHash{
			Hash:        "hash-1",
			Permissions: []string{"orders:read"},
			Roles:       []string{"member"},
		},
		tenants: map[string]*tenant.Config{
			"tenant-1": {TenantID: "tenant-1"},
		},
		pair: &rotation.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
	}
	sink := &auditSink{}

	keys := authn.NewKeyCache(kv, idp, time.Hour, nil)
	specs := authz.NewSpecCache(kv, idp, 0, nil)
	hashes := authz.NewHashCache(kv, idp, 0, nil)
	tenants := tenant.NewCache(kv, idp, 0, nil)
	limiter := ratelimit.NewLimiter(kv, ratelimit.WithAuditRecorder(sink))

	gw, err := gateway.New(gateway.Config{
		Verifier: authn.NewVerifier(keys),
		Keys:     keys,
		Engine:   authz.NewEngine(specs, hashes),
		Specs:    specs,
		Hashes:   hashes,
		Tenants:  tenants,
		Limiter:  limiter,
		Rotator:  rotation.NewCoordinator(kv, idp, rotation.WithAuditRecorder(sink)),
		Recorder: sink,
	})
	require.NoError(t, err)

	return &fixture{gw: gw, kv: kv, idp: idp, key: key, sink: sink}
}

// mintToken signs an access token for the fixture's key.
func (f *fixture) mintToken(t *testing.T, subject, tenantID string) string {
	t.Helper()
	return testutil.MintToken(t, f.key, "kid-1", testutil.AccessClaims(subject, tenantID, time.Hour))
}

// ===========================================================================
// AuthorizeRequest: pipeline outcomes
// ===========================================================================

func TestAuthorizeRequest_Allowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	token := f.mintToken(t, "user-1", "tenant-1")

	decision, err := f.gw.AuthorizeRequest(context.Background(), token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, "user-1", decision.Claims.Subject)
	assert.Equal(t, "tenant-1", decision.Claims.TenantID)
	assert.True(t, decision.Authorization.Allowed)
	assert.False(t, decision.Authorization.Public)
	require.NotNil(t, decision.Tenant)
	assert.Equal(t, "tenant-1", decision.Tenant.TenantID)
}

func TestAuthorizeRequest_PublicEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	token := f.mintToken(t, "user-1", "tenant-1")

	decision, err := f.gw.AuthorizeRequest(context.Background(), token, "/public/health", "GET", "9.9.9.9")
	require.NoError(t, err)
	assert.True(t, decision.Authorization.Allowed)
	assert.True(t, decision.Authorization.Public)
}

func TestAuthorizeRequest_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.idp.hash = &authz.PermissionHash{Hash: "hash-1", Permissions: []string{"orders:write"}}
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(context.Background(), token, "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodePermissionDenied, egerr.GetCode(err))

	egErr, _ := egerr.AsError(err)
	assert.Equal(t, []string{"orders:read"}, egErr.Details["missing_permissions"])
}

func TestAuthorizeRequest_UnmatchedEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(context.Background(), token, "/unknown", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeSpecNotFound, egerr.GetCode(err))
}

func TestAuthorizeRequest_ValidatesInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.gw.AuthorizeRequest(context.Background(), "", "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeValidationRequired, egerr.GetCode(err))
}

// ===========================================================================
// AuthorizeRequest: authentication failures
// ===========================================================================

func TestAuthorizeRequest_InvalidToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.gw.AuthorizeRequest(context.Background(), "garbage", "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeInvalidToken, egerr.GetCode(err))
}

func TestAuthorizeRequest_RepeatedInvalidTokensBlockIP(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Ten invalid-signature failures from one address trip the
	// invalid-JWT threshold and block it.
	for i := 0; i < 10; i++ {
		_, err := f.gw.AuthorizeRequest(ctx, "garbage", "/orders/42", "GET", "6.6.6.6")
		require.Error(t, err)
		assert.Equal(t, egerr.CodeInvalidToken, egerr.GetCode(err))
	}

	// Even a valid token is now rejected at the admission stage.
	token := f.mintToken(t, "user-1", "tenant-1")
	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "6.6.6.6")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeIPBlocked, egerr.GetCode(err))

	// The block was audited.
	assert.Contains(t, f.sink.actions(), audit.ActionIPBlocked)

	// Other addresses are unaffected.
	_, err = f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	assert.NoError(t, err)
}

func TestAuthorizeRequest_ExpiredTokenDoesNotFeedFailureCounter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	expired := testutil.MintToken(t, f.key, "kid-1",
		testutil.AccessClaims("user-1", "tenant-1", -time.Minute))

	_, err := f.gw.AuthorizeRequest(ctx, expired, "/orders/42", "GET", "6.6.6.6")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeTokenExpired, egerr.GetCode(err))

	// Nine invalid tokens stay below the threshold of ten; if the
	// expired token had counted, the address would be blocked now.
	for i := 0; i < 9; i++ {
		_, err := f.gw.AuthorizeRequest(ctx, "garbage", "/orders/42", "GET", "6.6.6.6")
		require.Error(t, err)
	}

	token := f.mintToken(t, "user-1", "tenant-1")
	_, err = f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "6.6.6.6")
	assert.NoError(t, err)
}

// ===========================================================================
// AuthorizeRequest: account locks and tenant policy
// ===========================================================================

func TestAuthorizeRequest_LockedAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	locks := ratelimit.NewAccountLockStore(f.kv)
	require.NoError(t, locks.Lock(ctx, "user-1", 10*time.Minute))

	token := f.mintToken(t, "user-1", "tenant-1")
	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeAccountLocked, egerr.GetCode(err))

	egErr, _ := egerr.AsError(err)
	assert.InDelta(t, 600, egErr.Details["ttl_seconds"], 1)
}

func TestAuthorizeRequest_MFARequired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.idp.tenants["tenant-1"].MFARequired = true

	claims := testutil.AccessClaims("user-1", "tenant-1", time.Hour)
	claims["mfa_verified"] = false
	token := testutil.MintToken(t, f.key, "kid-1", claims)

	_, err := f.gw.AuthorizeRequest(context.Background(), token, "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeMFARequired, egerr.GetCode(err))
}

func TestAuthorizeRequest_MFASatisfied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.idp.tenants["tenant-1"].MFARequired = true
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(context.Background(), token, "/orders/42", "GET", "9.9.9.9")
	assert.NoError(t, err)
}

// ===========================================================================
// AuthorizeRequest: rate limits and tenant overrides
// ===========================================================================

func TestAuthorizeRequest_TenantEndpointOverride(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.idp.tenants["tenant-1"].RateLimitOverrides = map[string]int{"endpoint": 2}
	ctx := context.Background()
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)

	_, err = f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeRateLimitExceeded, egerr.GetCode(err))

	egErr, _ := egerr.AsError(err)
	assert.Equal(t, "endpoint", egErr.Details["limit_type"])
	assert.Equal(t, 2, egErr.Details["limit"])
	assert.Equal(t, 60, egErr.Details["retry_after_seconds"])
}

func TestAuthorizeRequest_EndpointWindowsAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.idp.tenants["tenant-1"].RateLimitOverrides = map[string]int{"endpoint": 2}
	ctx := context.Background()
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)

	// A different path has its own endpoint window.
	_, err = f.gw.AuthorizeRequest(ctx, token, "/public/health", "GET", "9.9.9.9")
	assert.NoError(t, err)
}

// ===========================================================================
// RefreshToken
// ===========================================================================

func TestRefreshToken_RotatesAndDetectsReuse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.gw.RefreshToken(ctx, "tenant-1", "user-1", "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", pair.AccessToken)

	_, err = f.gw.RefreshToken(ctx, "tenant-1", "user-1", "refresh-1")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeRefreshReused, egerr.GetCode(err))
	assert.Contains(t, f.sink.actions(), audit.ActionRefreshReused)
}

func TestRefreshToken_RateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// The default token-refresh policy admits nine rotations per
	// window; the tenth is the breach.
	for i := 0; i < 9; i++ {
		_, err := f.gw.RefreshToken(ctx, "tenant-1", "user-1", fmt.Sprintf("refresh-%d", i))
		require.NoError(t, err, "rotation %d", i)
	}

	_, err := f.gw.RefreshToken(ctx, "tenant-1", "user-1", "refresh-final")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeRateLimitExceeded, egerr.GetCode(err))
}

// ===========================================================================
// Admin and webhook surface
// ===========================================================================

func TestUnblockIP(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	blocks := ratelimit.NewIPBlockStore(f.kv)
	require.NoError(t, blocks.Block(ctx, "6.6.6.6", time.Hour))

	unblocked, err := f.gw.UnblockIP(ctx, "6.6.6.6")
	require.NoError(t, err)
	assert.True(t, unblocked)
	assert.Contains(t, f.sink.actions(), audit.ActionIPUnblocked)

	// A second unblock finds nothing and is not audited again.
	unblocked, err = f.gw.UnblockIP(ctx, "6.6.6.6")
	require.NoError(t, err)
	assert.False(t, unblocked)
}

func TestResetRateLimit_RestoresAccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Trip the invalid-JWT block, then reset it.
	for i := 0; i < 10; i++ {
		_, _ = f.gw.AuthorizeRequest(ctx, "garbage", "/orders/42", "GET", "6.6.6.6")
	}
	token := f.mintToken(t, "user-1", "tenant-1")
	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "6.6.6.6")
	require.Equal(t, egerr.CodeIPBlocked, egerr.GetCode(err))

	require.NoError(t, f.gw.ResetRateLimit(ctx, ratelimit.LimitInvalidJWT, "6.6.6.6", "admin-1"))

	_, err = f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "6.6.6.6")
	assert.NoError(t, err)
}

func TestRefreshAllKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Prime the bundle, then force a refresh.
	token := f.mintToken(t, "user-1", "tenant-1")
	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)

	require.NoError(t, f.gw.RefreshAllKeys(ctx))

	f.idp.mu.Lock()
	fetches := f.idp.keyFetches
	f.idp.mu.Unlock()
	assert.Equal(t, 2, fetches)
	assert.Contains(t, f.sink.actions(), audit.ActionKeysRefreshed)
}

func TestInvalidatePermissionSpec_NextRequestSeesReplacement(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)

	// Replace the spec upstream; the cached copy still serves until
	// invalidation.
	f.idp.mu.Lock()
	f.idp.spec = &authz.PermissionSpec{Version: "2", Permissions: []authz.EndpointPermission{
		{ServiceName: "status", PathPattern: "/public/health", Method: "GET", IsPublic: true},
	}}
	f.idp.mu.Unlock()

	_, err = f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)

	require.NoError(t, f.gw.InvalidatePermissionSpec(ctx))

	_, err = f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeSpecNotFound, egerr.GetCode(err))
	assert.Contains(t, f.sink.actions(), audit.ActionSpecInvalidated)
}

func TestInvalidateUserPermission_NextRequestRefetches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)

	// Revoke the permission upstream and invalidate the snapshot.
	f.idp.mu.Lock()
	f.idp.hash = &authz.PermissionHash{Hash: "hash-1", Permissions: []string{}}
	f.idp.mu.Unlock()
	require.NoError(t, f.gw.InvalidateUserPermission(ctx, "tenant-1", "user-1"))

	_, err = f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodePermissionDenied, egerr.GetCode(err))
}

func TestInvalidateTenantConfig_NextRequestRefetches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	token := f.mintToken(t, "user-1", "tenant-1")

	_, err := f.gw.AuthorizeRequest(ctx, token, "/orders/42", "GET", "9.9.9.9")
	require.NoError(t, err)

	// Tighten tenant policy upstream; it applies after invalidation.
	f.idp.mu.Lock()
	f.idp.tenants["tenant-1"] = &tenant.Config{TenantID: "tenant-1", MFARequired: true}
	f.idp.mu.Unlock()
	require.NoError(t, f.gw.InvalidateTenantConfig(ctx, "tenant-1"))

	claims := testutil.AccessClaims("user-1", "tenant-1", time.Hour)
	claims["mfa_verified"] = false
	noMFA := testutil.MintToken(t, f.key, "kid-1", claims)

	_, err = f.gw.AuthorizeRequest(ctx, noMFA, "/orders/42", "GET", "9.9.9.9")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeMFARequired, egerr.GetCode(err))
}

// ===========================================================================
// Construction
// ===========================================================================

func TestNew_RequiresComponents(t *testing.T) {
	t.Parallel()

	_, err := gateway.New(gateway.Config{})
	require.Error(t, err)
	assert.Equal(t, egerr.CodeValidationRequired, egerr.GetCode(err))
}
