package authz_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate-core/internal/testutil"
	"github.com/edgegate/edgegate-core/pkg/authz"
	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// ===========================================================================
// Fetcher stubs
// ===========================================================================

type stubSpecFetcher struct {
	spec  *authz.PermissionSpec
	err   error
	calls atomic.Int32
}

func (f *stubSpecFetcher) FetchPermissionSpec(ctx context.Context) (*authz.PermissionSpec, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.spec, nil
}

type stubHashFetcher struct {
	hash  *authz.PermissionHash
	err   error
	calls atomic.Int32
}

func (f *stubHashFetcher) FetchUserPermissions(ctx context.Context, tenantID, userID string) (*authz.PermissionHash, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.hash, nil
}

func orderSpec() *authz.PermissionSpec {
	return &authz.PermissionSpec{
		Version:   "v1",
		UpdatedAt: time.Now(),
		Permissions: []authz.EndpointPermission{
			{ServiceName: "status", PathPattern: "/healthz", Method: "GET", IsPublic: true},
			{ServiceName: "orders", PathPattern: "/orders/{id}", Method: "GET",
				RequiredPermissions: []string{"order:read"}},
			{ServiceName: "orders", PathPattern: "/orders/{id}", Method: "DELETE",
				RequiredPermissions: []string{"order:delete"}, RequiredRoles: []string{"admin"}},
			{ServiceName: "orders", PathPattern: "/orders", Method: "GET"},
		},
	}
}

type engineFixture struct {
	engine *authz.Engine
	specs  *stubSpecFetcher
	hashes *stubHashFetcher
	kv     *testutil.MemKV
}

func newEngineFixture(held []string, roles []string) *engineFixture {
	kv := testutil.NewMemKV()
	specs := &stubSpecFetcher{spec: orderSpec()}
	hashes := &stubHashFetcher{hash: &authz.PermissionHash{
		Hash:        "hash-1",
		Permissions: held,
		Roles:       roles,
		GeneratedAt: time.Now(),
	}}
	specCache := authz.NewSpecCache(kv, specs, time.Minute, nil)
	hashCache := authz.NewHashCache(kv, hashes, time.Minute, nil)
	return &engineFixture{
		engine: authz.NewEngine(specCache, hashCache),
		specs:  specs,
		hashes: hashes,
		kv:     kv,
	}
}

// ===========================================================================
// Authorize
// ===========================================================================

func TestAuthorize_HeldPermissionAllows(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture([]string{"order:read"}, nil)
	decision, err := fx.engine.Authorize(context.Background(), "/orders/42", "GET", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Public)
	assert.Equal(t, "/orders/{id}", decision.Endpoint.PathPattern)
}

func TestAuthorize_MissingPermissionDenies(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture([]string{"order:write"}, nil)
	decision, err := fx.engine.Authorize(context.Background(), "/orders/42", "GET", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{"order:read"}, decision.MissingPermissions)
	assert.Equal(t, []string{"order:write"}, decision.HeldPermissions)

	denial := decision.DenialError()
	assert.Equal(t, egerr.CodePermissionDenied, denial.Code)
	assert.Equal(t, []string{"order:read"}, denial.Details["missing_permissions"])
	assert.Equal(t, []string{"order:write"}, denial.Details["held_permissions"])
}

func TestAuthorize_WildcardSatisfiesRequirement(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture([]string{"order:*"}, nil)
	decision, err := fx.engine.Authorize(context.Background(), "/orders/42", "GET", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAuthorize_PublicEndpointSkipsLookup(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(nil, nil)
	decision, err := fx.engine.Authorize(context.Background(), "/healthz", "GET", "", "", "")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Public)
	assert.Equal(t, int32(0), fx.hashes.calls.Load(),
		"public endpoints must not trigger a permission lookup")
}

func TestAuthorize_NoRequirementsAllowsWithoutBeingPublic(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(nil, nil)
	decision, err := fx.engine.Authorize(context.Background(), "/orders", "GET", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Public, "a requirement-free endpoint is not a public one")
	assert.Equal(t, int32(0), fx.hashes.calls.Load())
}

func TestAuthorize_UnmatchedEndpointIsError(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(nil, nil)
	_, err := fx.engine.Authorize(context.Background(), "/ghosts", "GET", "tenant-1", "user-1", "hash-1")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeSpecNotFound, egerr.GetCode(err))
}

func TestAuthorize_RoleRequirement(t *testing.T) {
	t.Parallel()

	// Permission held but role missing: denied.
	fx := newEngineFixture([]string{"order:delete"}, []string{"member"})
	decision, err := fx.engine.Authorize(context.Background(), "/orders/42", "DELETE", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.MissingPermissions, "permissions were satisfied")

	// Any matching role passes.
	fx = newEngineFixture([]string{"order:delete"}, []string{"member", "admin"})
	decision, err = fx.engine.Authorize(context.Background(), "/orders/42", "DELETE", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAuthorize_SpecFetchFailurePropagates(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(nil, nil)
	fx.specs.err = egerr.Unavailable("idp down")
	fx.specs.spec = nil

	_, err := fx.engine.Authorize(context.Background(), "/orders/42", "GET", "tenant-1", "user-1", "hash-1")
	require.Error(t, err)
	assert.Equal(t, egerr.CodeUnavailableDependency, egerr.GetCode(err))
}

// ===========================================================================
// Cache behavior through the engine
// ===========================================================================

func TestAuthorize_SpecCachedAcrossCalls(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture([]string{"order:read"}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.engine.Authorize(ctx, "/orders/42", "GET", "tenant-1", "user-1", "hash-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fx.specs.calls.Load(), "spec should be fetched once")
}

func TestAuthorize_HashCacheTrustedByFingerprint(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture([]string{"order:read"}, nil)
	ctx := context.Background()

	_, err := fx.engine.Authorize(ctx, "/orders/42", "GET", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	_, err = fx.engine.Authorize(ctx, "/orders/42", "GET", "tenant-1", "user-1", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fx.hashes.calls.Load(),
		"matching fingerprint must be served from the cache")

	// A token carrying a new fingerprint means permissions changed;
	// the snapshot is refetched.
	fx.hashes.hash = &authz.PermissionHash{Hash: "hash-2", Permissions: []string{"order:read"}}
	_, err = fx.engine.Authorize(ctx, "/orders/42", "GET", "tenant-1", "user-1", "hash-2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fx.hashes.calls.Load(),
		"fingerprint mismatch must refetch the snapshot")
}
