// Package authz makes the gateway's authorization decisions: it models
// permissions and the endpoint permission spec, caches both in the shared
// store, and evaluates whether a caller may reach an endpoint.
package authz

import (
	"regexp"
	"strings"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// permissionPattern constrains permissions to "resource:action" with
// lowercase kebab-case parts. The wildcard "*" is legal in the action
// part only; resources are always named explicitly.
var permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*:[a-z*][a-z0-9-*]*$`)

// Wildcard is the action wildcard. A grant of "orders:*" includes every
// action on the orders resource.
const Wildcard = "*"

// Permission is an authorization grant in "resource:action" form, for
// example "orders:read" or "orders:*".
type Permission string

// ParsePermission validates s and returns it as a Permission. Returns an
// [egerr.CodeValidation] error for anything not matching the
// resource:action grammar.
func ParsePermission(s string) (Permission, error) {
	if !permissionPattern.MatchString(s) {
		return "", egerr.Newf(egerr.CodeValidation,
			"authz: %q is not a valid resource:action permission", s)
	}
	return Permission(s), nil
}

// Resource returns the resource part of the permission.
func (p Permission) Resource() string {
	res, _, _ := strings.Cut(string(p), ":")
	return res
}

// Action returns the action part of the permission.
func (p Permission) Action() string {
	_, action, _ := strings.Cut(string(p), ":")
	return action
}

// String returns the permission in its wire form.
func (p Permission) String() string { return string(p) }

// Includes reports whether holding p satisfies a requirement for other.
// A permission includes itself, and a wildcard action includes every
// action on the same resource. Resources never match across names.
func (p Permission) Includes(other Permission) bool {
	if p == other {
		return true
	}
	return p.Resource() == other.Resource() && p.Action() == Wildcard
}

// anySatisfies reports whether any held permission includes required.
// Malformed held entries are skipped; a malformed requirement can never
// be satisfied.
func anySatisfies(held []string, required string) bool {
	req, err := ParsePermission(required)
	if err != nil {
		return false
	}
	for _, h := range held {
		p, err := ParsePermission(h)
		if err != nil {
			continue
		}
		if p.Includes(req) {
			return true
		}
	}
	return false
}
