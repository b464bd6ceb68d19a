// Package gateway composes the authorization core into the single
// pipeline edge traffic flows through: admission control, token
// verification, tenant policy, and permission evaluation, in a strict
// stage order. It also carries the admin and webhook surface that
// operates the caches and limits underneath the pipeline.
package gateway

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgegate/edgegate-core/pkg/audit"
	"github.com/edgegate/edgegate-core/pkg/authn"
	"github.com/edgegate/edgegate-core/pkg/authz"
	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/ratelimit"
	"github.com/edgegate/edgegate-core/pkg/rotation"
	"github.com/edgegate/edgegate-core/pkg/tenant"
)

// tracerName is the OpenTelemetry instrumentation scope name for this
// package.
const tracerName = "github.com/edgegate/edgegate-core/pkg/gateway"

// AuthDecision is the successful outcome of the full pipeline: the
// verified claims and the authorization decision that admitted the
// request. Failed pipelines return coded errors instead.
type AuthDecision struct {
	Claims        *authn.AccessTokenClaims
	Authorization *authz.Decision
	Tenant        *tenant.Config
}

// Config names the components a Gateway composes. All fields except
// Recorder, Logger, and Metrics are required.
type Config struct {
	Verifier *authn.Verifier
	Keys     *authn.KeyCache
	Engine   *authz.Engine
	Specs    *authz.SpecCache
	Hashes   *authz.HashCache
	Tenants  *tenant.Cache
	Limiter  *ratelimit.Limiter
	Rotator  *rotation.Coordinator

	// Recorder receives admin-action audit events. Defaults to
	// [audit.NopRecorder].
	Recorder audit.Recorder

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *Metrics
}

func (c *Config) validate() *egerr.Error {
	switch {
	case c.Verifier == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: verifier is required")
	case c.Keys == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: key cache is required")
	case c.Engine == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: authorization engine is required")
	case c.Specs == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: spec cache is required")
	case c.Hashes == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: hash cache is required")
	case c.Tenants == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: tenant cache is required")
	case c.Limiter == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: limiter is required")
	case c.Rotator == nil:
		return egerr.New(egerr.CodeValidationRequired, "gateway: rotation coordinator is required")
	}
	return nil
}

// Gateway runs the request-authorization pipeline. Safe for concurrent
// use.
type Gateway struct {
	verifier *authn.Verifier
	keys     *authn.KeyCache
	engine   *authz.Engine
	specs    *authz.SpecCache
	hashes   *authz.HashCache
	tenants  *tenant.Cache
	limiter  *ratelimit.Limiter
	rotator  *rotation.Coordinator
	recorder audit.Recorder
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// New creates a Gateway from cfg. Returns [egerr.CodeValidationRequired]
// when a required component is missing.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		verifier: cfg.Verifier,
		keys:     cfg.Keys,
		engine:   cfg.Engine,
		specs:    cfg.Specs,
		hashes:   cfg.Hashes,
		tenants:  cfg.Tenants,
		limiter:  cfg.Limiter,
		rotator:  cfg.Rotator,
		recorder: recorder,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// AuthorizeRequest runs the full pipeline for one request. The stage
// order is fixed and every failure is terminal:
//
//  1. IP rate limit (a blocked IP fails before any other work)
//  2. Token verification; invalid-signature failures feed the
//     invalid-JWT failure counter for clientIP
//  3. Account lock check on the token's subject
//  4. Tenant policy: MFA enforcement
//  5. Endpoint and per-user rate limits, with tenant overrides applied
//  6. Permission evaluation against the spec
//
// On success the returned AuthDecision carries the verified claims, the
// matched endpoint, and the tenant config for downstream handlers.
func (g *Gateway) AuthorizeRequest(ctx context.Context, rawToken, path, method, clientIP string) (*AuthDecision, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.AuthorizeRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("url.path", path),
	)

	decision, err := g.authorize(ctx, rawToken, path, method, clientIP)
	if err != nil {
		g.metrics.observeDecision(decisionOutcome(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	g.metrics.observeDecision(outcomeAllowed)
	span.SetAttributes(attribute.Bool("gateway.allowed", true))
	span.SetStatus(codes.Ok, "")
	return decision, nil
}

func (g *Gateway) authorize(ctx context.Context, rawToken, path, method, clientIP string) (*AuthDecision, error) {
	if rawToken == "" || path == "" || method == "" || clientIP == "" {
		return nil, egerr.New(egerr.CodeValidationRequired,
			"gateway: token, path, method, and client ip are required")
	}

	// Stage 1: per-IP admission. Runs before verification so blocked or
	// flooding clients never reach the crypto path.
	if err := g.admit(ctx, ratelimit.LimitIP, clientIP); err != nil {
		return nil, err
	}

	// Stage 2: token verification.
	claims, err := g.verifier.Verify(ctx, rawToken)
	if err != nil {
		if egerr.HasCode(err, egerr.CodeInvalidToken) {
			if rerr := g.limiter.RecordFailure(ctx, ratelimit.LimitInvalidJWT, clientIP); rerr != nil {
				g.logger.ErrorContext(ctx, "failed to record invalid token failure",
					"client_ip", clientIP, "error", rerr)
			}
		}
		return nil, err
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, egerr.InvalidToken("gateway: token is missing subject or tenant claims")
	}

	// Stage 3: account lock.
	locked, err := g.limiter.Locks().IsLocked(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if locked {
		ttl, err := g.limiter.Locks().TTLRemaining(ctx, claims.Subject)
		if err != nil {
			return nil, err
		}
		return nil, egerr.Newf(egerr.CodeAccountLocked,
			"gateway: account %s is locked", claims.Subject).
			WithDetail("ttl_seconds", int(ttl.Seconds()))
	}

	// Stage 4: tenant policy.
	tenantCfg, err := g.tenants.Get(ctx, claims.TenantID)
	if err != nil {
		return nil, err
	}
	if err := tenantCfg.ValidateMFA(claims.MFAVerified); err != nil {
		return nil, err
	}

	// Stage 5: endpoint and per-user admission with tenant overrides.
	if err := g.admitWithOverride(ctx, ratelimit.LimitEndpoint, claims.Subject, tenantCfg, path, method); err != nil {
		return nil, err
	}
	if err := g.admitWithOverride(ctx, ratelimit.LimitUser, claims.Subject, tenantCfg); err != nil {
		return nil, err
	}

	// Stage 6: permission evaluation.
	azDecision, err := g.engine.Authorize(ctx, path, method, claims.TenantID, claims.Subject, claims.PermissionHash)
	if err != nil {
		return nil, err
	}
	if !azDecision.Allowed {
		return nil, azDecision.DenialError()
	}

	return &AuthDecision{
		Claims:        claims,
		Authorization: azDecision,
		Tenant:        tenantCfg,
	}, nil
}

// admit runs one rate-limit check under the default policy for t and
// converts a soft denial into the coded error the transports map to 429.
func (g *Gateway) admit(ctx context.Context, t ratelimit.LimitType, identifier string, extra ...string) error {
	decision, err := g.limiter.Check(ctx, t, identifier, extra...)
	if err != nil {
		g.observeRateLimitError(t, err)
		return err
	}
	if !decision.Allowed {
		g.metrics.observeRateLimited(t)
		return rateLimitError(t, decision)
	}
	return nil
}

// admitWithOverride is admit with the tenant's rate-limit override for
// t applied first.
func (g *Gateway) admitWithOverride(ctx context.Context, t ratelimit.LimitType, identifier string, cfg *tenant.Config, extra ...string) error {
	p, err := g.limiter.Policy(t)
	if err != nil {
		return err
	}
	p = p.WithMax(cfg.RateLimitMax(string(t), p.MaxRequests))

	decision, err := g.limiter.CheckPolicy(ctx, p, identifier, extra...)
	if err != nil {
		g.observeRateLimitError(t, err)
		return err
	}
	if !decision.Allowed {
		g.metrics.observeRateLimited(t)
		return rateLimitError(t, decision)
	}
	return nil
}

func (g *Gateway) observeRateLimitError(t ratelimit.LimitType, err error) {
	switch egerr.GetCode(err) {
	case egerr.CodeRateLimitExceeded, egerr.CodeIPBlocked:
		g.metrics.observeRateLimited(t)
	}
}

// rateLimitError converts a soft rate-limit denial into the coded error
// transports answer with, carrying the retry hint.
func rateLimitError(t ratelimit.LimitType, d ratelimit.Decision) *egerr.Error {
	return egerr.Newf(egerr.CodeRateLimitExceeded,
		"gateway: %s rate limit exceeded", t).
		WithDetail("limit_type", string(t)).
		WithDetail("limit", d.Limit).
		WithDetail("retry_after_seconds", int(d.RetryAfter.Seconds()))
}

// RefreshToken rotates refreshToken for (tenantID, userID) under the
// token-refresh rate limit. The limit runs first so a client hammering
// the refresh endpoint is stopped before it can touch the rotation lock.
func (g *Gateway) RefreshToken(ctx context.Context, tenantID, userID, refreshToken string) (*rotation.TokenPair, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.RefreshToken")
	defer span.End()
	span.SetAttributes(attribute.String("gateway.tenant_id", tenantID))

	if err := g.admit(ctx, ratelimit.LimitTokenRefresh, userID); err != nil {
		g.metrics.observeRotation(outcomeRateLimited)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pair, err := g.rotator.Refresh(ctx, tenantID, userID, refreshToken)
	if err != nil {
		if egerr.HasCode(err, egerr.CodeRefreshReused) {
			g.metrics.observeRotation(outcomeReused)
		} else {
			g.metrics.observeRotation(outcomeFailed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	g.metrics.observeRotation(outcomeRotated)
	return pair, nil
}

// ---------------------------------------------------------------------------
// Admin and webhook surface
// ---------------------------------------------------------------------------

// UnblockIP lifts the block on ip, reporting whether a block existed.
// The unblock is audit-logged; admin flows that should also clear the
// underlying counters use [Gateway.ResetRateLimit] instead.
func (g *Gateway) UnblockIP(ctx context.Context, ip string) (bool, error) {
	unblocked, err := g.limiter.Blocks().Unblock(ctx, ip)
	if err != nil {
		return false, err
	}
	if unblocked {
		g.auditAdmin(ctx, audit.ActionIPUnblocked, ip, nil)
		g.logger.InfoContext(ctx, "ip unblocked", "ip", ip)
	}
	return unblocked, nil
}

// ResetRateLimit clears the counters for (t, identifier) and lifts the
// matching block or lock, attributed to adminID in the audit trail.
func (g *Gateway) ResetRateLimit(ctx context.Context, t ratelimit.LimitType, identifier, adminID string) error {
	return g.limiter.Reset(ctx, t, identifier, adminID)
}

// RefreshAllKeys replaces the cached signing-key bundle with a fresh
// fetch. Called by the key-rotation webhook.
func (g *Gateway) RefreshAllKeys(ctx context.Context) error {
	if err := g.keys.RefreshAll(ctx); err != nil {
		return err
	}
	g.metrics.observeKeyRefresh()
	g.auditAdmin(ctx, audit.ActionKeysRefreshed, "", nil)
	return nil
}

// InvalidatePermissionSpec drops the cached permission spec; the next
// request refetches it. Called by the spec-update webhook.
func (g *Gateway) InvalidatePermissionSpec(ctx context.Context) error {
	if err := g.specs.Invalidate(ctx); err != nil {
		return err
	}
	g.auditAdmin(ctx, audit.ActionSpecInvalidated, "", nil)
	return nil
}

// InvalidateUserPermission drops the cached permission snapshot for
// (tenantID, userID). Called by the permission-change webhook.
func (g *Gateway) InvalidateUserPermission(ctx context.Context, tenantID, userID string) error {
	return g.hashes.Invalidate(ctx, tenantID, userID)
}

// InvalidateTenantConfig drops the cached policy for tenantID. Called
// by the tenant-policy webhook.
func (g *Gateway) InvalidateTenantConfig(ctx context.Context, tenantID string) error {
	return g.tenants.Invalidate(ctx, tenantID)
}

// auditAdmin records an admin-surface event. Failures are logged; the
// action already completed.
func (g *Gateway) auditAdmin(ctx context.Context, action, target string, detail map[string]any) {
	err := g.recorder.Record(ctx, audit.Event{
		Action:   action,
		ActorID:  "system",
		TargetID: target,
		Detail:   detail,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to record audit event",
			"action", action, "target", target, "error", err)
	}
}

// decisionOutcome buckets a pipeline error for the decisions metric.
func decisionOutcome(err error) string {
	switch {
	case egerr.HasCode(err, egerr.CodeRateLimitExceeded):
		return outcomeRateLimited
	case egerr.HasCode(err, egerr.CodeIPBlocked):
		return outcomeIPBlocked
	case egerr.HasCode(err, egerr.CodeAccountLocked):
		return outcomeAccountLocked
	case egerr.IsAuthentication(err):
		return outcomeUnauthenticated
	case egerr.IsAuthorization(err), egerr.IsTenantPolicy(err):
		return outcomeDenied
	default:
		return outcomeError
	}
}
