package authz

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// pathVarPattern matches "{var}" placeholders in endpoint path patterns.
var pathVarPattern = regexp.MustCompile(`\{[^/{}]+\}`)

// compilePathPattern turns a path pattern like "/orders/{id}/items" into
// an anchored regexp where each placeholder matches one path segment.
func compilePathPattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	rest := pattern
	for {
		loc := pathVarPattern.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		b.WriteString(`[^/]+`)
		rest = rest[loc[1]:]
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("authz: invalid path pattern %q: %w", pattern, err)
	}
	return re, nil
}

// EndpointPermission declares what it takes to call one endpoint: the
// path pattern (with "{var}" segment placeholders), the HTTP method, and
// the permissions and roles required. Public endpoints skip authorization
// entirely.
type EndpointPermission struct {
	ServiceName         string   `json:"service_name"`
	PathPattern         string   `json:"path_pattern"`
	Method              string   `json:"method"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	RequiredRoles       []string `json:"required_roles,omitempty"`
	IsPublic            bool     `json:"is_public,omitempty"`

	// pathRegex is the compiled PathPattern, populated by Compile. It
	// is not serialized; entries deserialized from the cache compile on
	// first use.
	pathRegex *regexp.Regexp
}

// Compile precompiles the path pattern. Called for every entry when a
// spec is loaded so matching on the hot path never pays compilation.
func (e *EndpointPermission) Compile() error {
	re, err := compilePathPattern(e.PathPattern)
	if err != nil {
		return err
	}
	e.pathRegex = re
	return nil
}

// MatchesPath reports whether path structurally matches the pattern.
// Placeholders match exactly one path segment; a trailing segment or a
// missing one is not a match.
func (e *EndpointPermission) MatchesPath(path string) bool {
	re := e.pathRegex
	if re == nil {
		var err error
		re, err = compilePathPattern(e.PathPattern)
		if err != nil {
			return false
		}
	}
	return re.MatchString(path)
}

// Matches reports whether the endpoint covers the given path and method.
// Methods compare case-insensitively.
func (e *EndpointPermission) Matches(path, method string) bool {
	return strings.EqualFold(e.Method, method) && e.MatchesPath(path)
}

// RequiresAuthorization reports whether a caller needs a permission check
// to reach this endpoint. Public endpoints and endpoints declaring no
// requirements skip the check.
func (e *EndpointPermission) RequiresAuthorization() bool {
	if e.IsPublic {
		return false
	}
	return len(e.RequiredPermissions) > 0 || len(e.RequiredRoles) > 0
}

// PermissionSpec is the versioned catalogue of endpoint permissions the
// identity provider publishes. The gateway treats it as immutable; a new
// version replaces the old wholesale.
type PermissionSpec struct {
	Version     string               `json:"version"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Permissions []EndpointPermission `json:"permissions"`
}

// Compile precompiles every endpoint's path pattern. Returns the first
// compilation error.
func (s *PermissionSpec) Compile() error {
	for i := range s.Permissions {
		if err := s.Permissions[i].Compile(); err != nil {
			return err
		}
	}
	return nil
}

// FindPermission returns the first endpoint covering path and method, in
// spec order. Registration order is the tiebreak when patterns overlap:
// the first registered match wins.
func (s *PermissionSpec) FindPermission(path, method string) (*EndpointPermission, bool) {
	for i := range s.Permissions {
		if s.Permissions[i].Matches(path, method) {
			return &s.Permissions[i], true
		}
	}
	return nil, false
}

// PermissionHash is the per-user permission snapshot the identity
// provider maintains for each (tenant, user) pair. Hash fingerprints the
// snapshot; tokens carry the same fingerprint so the gateway can detect
// a stale cache without comparing full permission sets.
type PermissionHash struct {
	Hash        string    `json:"hash"`
	Permissions []string  `json:"permissions"`
	Roles       []string  `json:"roles"`
	GeneratedAt time.Time `json:"generated_at"`
}
