package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointPermission_MatchesPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"static exact", "/orders", "/orders", true},
		{"static mismatch", "/orders", "/invoices", false},
		{"var segment", "/orders/{id}", "/orders/42", true},
		{"var segment anything", "/orders/{id}", "/orders/abc-123", true},
		{"var does not span segments", "/orders/{id}", "/orders/42/items", false},
		{"var not optional", "/orders/{id}", "/orders/", false},
		{"var not empty base", "/orders/{id}", "/orders", false},
		{"two vars", "/tenants/{tid}/users/{uid}", "/tenants/t1/users/u1", true},
		{"trailing static after var", "/orders/{id}/items", "/orders/42/items", true},
		{"prefix alone does not match", "/orders/{id}/items", "/orders/42", false},
		{"regex metachars are literal", "/a.b", "/axb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := EndpointPermission{PathPattern: tt.pattern, Method: "GET"}
			require.NoError(t, e.Compile())
			assert.Equal(t, tt.want, e.MatchesPath(tt.path))
		})
	}
}

func TestEndpointPermission_MatchesMethod(t *testing.T) {
	t.Parallel()

	e := EndpointPermission{PathPattern: "/orders", Method: "GET"}
	require.NoError(t, e.Compile())

	assert.True(t, e.Matches("/orders", "GET"))
	assert.True(t, e.Matches("/orders", "get"), "methods compare case-insensitively")
	assert.False(t, e.Matches("/orders", "POST"))
}

func TestEndpointPermission_MatchesWithoutCompile(t *testing.T) {
	t.Parallel()

	// Entries deserialized from the cache may not be precompiled;
	// matching still works.
	e := EndpointPermission{PathPattern: "/orders/{id}", Method: "GET"}
	assert.True(t, e.MatchesPath("/orders/42"))
}

func TestEndpointPermission_RequiresAuthorization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		e    EndpointPermission
		want bool
	}{
		{"public", EndpointPermission{IsPublic: true, RequiredPermissions: []string{"order:read"}}, false},
		{"permissions required", EndpointPermission{RequiredPermissions: []string{"order:read"}}, true},
		{"roles required", EndpointPermission{RequiredRoles: []string{"admin"}}, true},
		{"no requirements", EndpointPermission{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.e.RequiresAuthorization())
		})
	}
}

func TestPermissionSpec_FindPermission_FirstMatchWins(t *testing.T) {
	t.Parallel()

	spec := PermissionSpec{
		Version: "v1",
		Permissions: []EndpointPermission{
			{ServiceName: "orders", PathPattern: "/orders/export", Method: "GET"},
			{ServiceName: "orders", PathPattern: "/orders/{id}", Method: "GET"},
		},
	}
	require.NoError(t, spec.Compile())

	// The static pattern registered first wins over the overlapping
	// variable pattern.
	got, ok := spec.FindPermission("/orders/export", "GET")
	require.True(t, ok)
	assert.Equal(t, "/orders/export", got.PathPattern)

	got, ok = spec.FindPermission("/orders/42", "GET")
	require.True(t, ok)
	assert.Equal(t, "/orders/{id}", got.PathPattern)
}

func TestPermissionSpec_FindPermission_NoMatch(t *testing.T) {
	t.Parallel()

	spec := PermissionSpec{
		Permissions: []EndpointPermission{
			{PathPattern: "/orders", Method: "GET"},
		},
	}
	require.NoError(t, spec.Compile())

	_, ok := spec.FindPermission("/invoices", "GET")
	assert.False(t, ok)

	_, ok = spec.FindPermission("/orders", "DELETE")
	assert.False(t, ok, "method must match too")
}
