package authz

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/edgegate/edgegate-core/pkg/authz"

// Decision is the outcome of an authorization check. A denied decision
// carries the permission sets needed to explain the denial; an unmatched
// endpoint is an error, not a decision.
type Decision struct {
	// Allowed reports whether the caller may reach the endpoint.
	Allowed bool

	// Public is set when the endpoint is declared public. An endpoint
	// that merely lists no requirements allows the call without being
	// public.
	Public bool

	// Endpoint is the matched endpoint declaration.
	Endpoint *EndpointPermission

	// MissingPermissions lists required permissions the caller lacks.
	// Set only on denial.
	MissingPermissions []string

	// HeldPermissions lists the caller's permissions at decision time.
	// Set only on denial.
	HeldPermissions []string
}

// DenialError converts a denied decision into the coded error the
// transport layers return to callers.
func (d *Decision) DenialError() *egerr.Error {
	return egerr.PermissionDenied(d.MissingPermissions, d.HeldPermissions)
}

// Engine evaluates authorization: it matches the request against the
// permission spec and checks the caller's permission snapshot against the
// endpoint's requirements.
type Engine struct {
	specs  *SpecCache
	hashes *HashCache
	tracer trace.Tracer
}

// NewEngine creates an Engine over the spec and hash caches.
func NewEngine(specs *SpecCache, hashes *HashCache) *Engine {
	return &Engine{
		specs:  specs,
		hashes: hashes,
		tracer: otel.Tracer(tracerName),
	}
}

// Authorize decides whether the caller identified by (tenantID, userID)
// may reach path with method. tokenHash is the permission fingerprint
// from the caller's verified token, used to validate the cached
// snapshot.
//
// The evaluation order is fixed: match the endpoint (no match is
// [egerr.CodeSpecNotFound]); public or requirement-free endpoints allow
// immediately without a permission lookup; otherwise every required
// permission must be held (wildcard-aware) and, when roles are declared,
// at least one role must match.
//
// A denial is a Decision, not an error; only spec gaps and dependency
// failures return errors.
func (e *Engine) Authorize(ctx context.Context, path, method, tenantID, userID, tokenHash string) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "authz.Authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String("authz.path", path),
		attribute.String("authz.method", method),
		attribute.String("authz.tenant_id", tenantID),
	)

	decision, err := e.authorize(ctx, path, method, tenantID, userID, tokenHash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("authz.allowed", decision.Allowed))
	span.SetStatus(codes.Ok, "")
	return decision, nil
}

func (e *Engine) authorize(ctx context.Context, path, method, tenantID, userID, tokenHash string) (*Decision, error) {
	spec, err := e.specs.Get(ctx)
	if err != nil {
		return nil, err
	}

	endpoint, ok := spec.FindPermission(path, method)
	if !ok {
		return nil, egerr.SpecNotFound(path, method)
	}

	if !endpoint.RequiresAuthorization() {
		return &Decision{Allowed: true, Public: endpoint.IsPublic, Endpoint: endpoint}, nil
	}

	snapshot, err := e.hashes.Find(ctx, tenantID, userID, tokenHash)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, required := range endpoint.RequiredPermissions {
		if !anySatisfies(snapshot.Permissions, required) {
			missing = append(missing, required)
		}
	}

	roleSatisfied := len(endpoint.RequiredRoles) == 0
	if !roleSatisfied {
		for _, required := range endpoint.RequiredRoles {
			for _, held := range snapshot.Roles {
				if held == required {
					roleSatisfied = true
					break
				}
			}
			if roleSatisfied {
				break
			}
		}
	}

	if len(missing) > 0 || !roleSatisfied {
		return &Decision{
			Allowed:            false,
			Endpoint:           endpoint,
			MissingPermissions: missing,
			HeldPermissions:    snapshot.Permissions,
		}, nil
	}

	return &Decision{Allowed: true, Endpoint: endpoint}, nil
}
