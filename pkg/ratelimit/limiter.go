package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgegate/edgegate-core/pkg/audit"
	egerr "github.com/edgegate/edgegate-core/pkg/errors"
	"github.com/edgegate/edgegate-core/pkg/store"
)

// tracerName is the OpenTelemetry instrumentation scope name for this
// package.
const tracerName = "github.com/edgegate/edgegate-core/pkg/ratelimit"

// failureWindow is how long recorded failures accumulate toward a
// type's failure threshold. Matches the block duration so a slow drip
// of failures cannot straddle an unblock.
const failureWindow = DefaultBlockTTL

// Decision is the outcome of a rate-limit check that did not hard-fail.
// A denied decision carries the retry hint the HTTP layer turns into a
// Retry-After header.
type Decision struct {
	Allowed      bool
	CurrentCount int64
	Limit        int

	// RetryAfter is how long the client should wait before retrying.
	// Zero on allowed decisions.
	RetryAfter time.Duration
}

// Limiter checks requests against the gateway's rate-limit policies and
// applies breach side effects: IP blocks, account locks, and audit
// records.
//
// A Limiter is safe for concurrent use.
type Limiter struct {
	kv       store.KV
	failures *store.Counter
	blocks   *IPBlockStore
	locks    *AccountLockStore
	recorder audit.Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	// policies holds the effective policy per type: built-in defaults
	// plus any deployment overrides.
	policies map[LimitType]Policy
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithAuditRecorder sets the audit trail destination. Defaults to
// [audit.NopRecorder].
func WithAuditRecorder(r audit.Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithPolicy replaces the built-in policy for its type. Deployment
// config uses this to tune maxima and windows.
func WithPolicy(p Policy) Option {
	return func(l *Limiter) { l.policies[p.Type] = p }
}

// NewLimiter creates a Limiter over kv.
func NewLimiter(kv store.KV, opts ...Option) *Limiter {
	l := &Limiter{
		kv:       kv,
		failures: store.NewCounter(kv, failureWindow),
		blocks:   NewIPBlockStore(kv),
		locks:    NewAccountLockStore(kv),
		recorder: audit.NopRecorder{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		policies: make(map[LimitType]Policy, len(defaultPolicies)),
	}
	for t, p := range defaultPolicies {
		l.policies[t] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Blocks returns the IP block store, for lock checks and admin
// unblocks outside the limiter's own flow.
func (l *Limiter) Blocks() *IPBlockStore {
	return l.blocks
}

// Locks returns the account lock store.
func (l *Limiter) Locks() *AccountLockStore {
	return l.locks
}

// Policy returns the effective policy for t. Returns
// [egerr.CodeValidation] for an unknown type.
func (l *Limiter) Policy(t LimitType) (Policy, error) {
	p, ok := l.policies[t]
	if !ok {
		return Policy{}, egerr.Newf(egerr.CodeValidation,
			"ratelimit: unknown limit type %q", t)
	}
	return p, nil
}

// Check runs the admission check for one request under the effective
// policy for t. identifier is a client IP for IP-scoped types and a
// user ID for user-scoped ones; extra parts narrow the counter key
// (e.g., path and method for endpoint limits).
//
// Outcomes:
//   - allowed: Decision with the post-increment count.
//   - denied, Reject policy: Decision with Allowed=false and RetryAfter
//     set to the window length.
//   - denied, BlockIP/LockAccount/RevokeToken policy: a hard error
//     ([egerr.CodeRateLimitExceeded]) after applying the side effect, so
//     upstream handling can tell security events from throttling.
//   - blocked IP: [egerr.CodeIPBlocked] before any counter increment,
//     with the remaining block TTL in the error details.
func (l *Limiter) Check(ctx context.Context, t LimitType, identifier string, extra ...string) (Decision, error) {
	p, err := l.Policy(t)
	if err != nil {
		return Decision{}, err
	}
	return l.CheckPolicy(ctx, p, identifier, extra...)
}

// CheckPolicy is [Limiter.Check] with an explicit policy, used when the
// caller has applied tenant overrides via [Policy.WithMax].
func (l *Limiter) CheckPolicy(ctx context.Context, p Policy, identifier string, extra ...string) (Decision, error) {
	ctx, span := l.tracer.Start(ctx, "ratelimit.Check")
	defer span.End()
	span.SetAttributes(
		attribute.String("ratelimit.type", string(p.Type)),
		attribute.Int("ratelimit.max", p.MaxRequests),
	)

	decision, err := l.check(ctx, p, identifier, extra)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}
	span.SetAttributes(attribute.Bool("ratelimit.allowed", decision.Allowed))
	return decision, nil
}

func (l *Limiter) check(ctx context.Context, p Policy, identifier string, extra []string) (Decision, error) {
	if identifier == "" {
		return Decision{}, egerr.New(egerr.CodeValidationRequired,
			"ratelimit: identifier is required")
	}

	// An already-blocked IP is rejected before any counter moves, so
	// blocked clients cannot keep windows warm.
	if p.Scope == ScopeIP {
		blocked, err := l.blocks.IsBlocked(ctx, identifier)
		if err != nil {
			return Decision{}, err
		}
		if blocked {
			ttl, err := l.blocks.TTLRemaining(ctx, identifier)
			if err != nil {
				return Decision{}, err
			}
			return Decision{}, egerr.Newf(egerr.CodeIPBlocked,
				"ratelimit: ip %s is blocked", identifier).
				WithDetail("ip", identifier).
				WithDetail("ttl_seconds", int(ttl.Seconds()))
		}
	}

	count, err := l.kv.IncrWithTTL(ctx, Key(p.Type, identifier, extra...), p.Window)
	if err != nil {
		return Decision{}, err
	}

	if !p.IsExceeded(count) {
		return Decision{Allowed: true, CurrentCount: count, Limit: p.MaxRequests}, nil
	}

	switch p.Action {
	case ActionBlockIP, ActionLockAccount, ActionRevokeToken:
		l.applyBreach(ctx, p, identifier)
		return Decision{}, egerr.Newf(egerr.CodeRateLimitExceeded,
			"ratelimit: %s limit exceeded for %s", p.Type, identifier).
			WithDetail("limit_type", string(p.Type)).
			WithDetail("current_count", count).
			WithDetail("limit", p.MaxRequests)
	default:
		return Decision{
			Allowed:      false,
			CurrentCount: count,
			Limit:        p.MaxRequests,
			RetryAfter:   p.Window,
		}, nil
	}
}

// applyBreach performs the policy's side effect and records it. Side
// effect failures are logged, not propagated: the request is already
// denied, and a store hiccup must not turn a denial into a 500.
func (l *Limiter) applyBreach(ctx context.Context, p Policy, identifier string) {
	switch p.Action {
	case ActionBlockIP:
		if err := l.blocks.Block(ctx, identifier, DefaultBlockTTL); err != nil {
			l.logger.ErrorContext(ctx, "failed to block ip after limit breach",
				"ip", identifier, "limit_type", p.Type, "error", err)
		} else {
			l.logger.WarnContext(ctx, "ip blocked after limit breach",
				"ip", identifier, "limit_type", p.Type, "ttl", DefaultBlockTTL)
		}
		l.auditBreach(ctx, p, audit.ActionIPBlocked, identifier)
	case ActionLockAccount:
		if err := l.locks.Lock(ctx, identifier, DefaultBlockTTL); err != nil {
			l.logger.ErrorContext(ctx, "failed to lock account after limit breach",
				"user_id", identifier, "limit_type", p.Type, "error", err)
		} else {
			l.logger.WarnContext(ctx, "account locked after limit breach",
				"user_id", identifier, "limit_type", p.Type, "ttl", DefaultBlockTTL)
		}
		l.auditBreach(ctx, p, audit.ActionAccountLocked, identifier)
	case ActionRevokeToken:
		// The limiter has no token to revoke; the refresh handler acts
		// on the hard error. Record the breach here.
		l.logger.WarnContext(ctx, "refresh limit breached",
			"user_id", identifier, "limit_type", p.Type)
		l.auditBreach(ctx, p, audit.ActionRateLimitBreached, identifier)
	}
}

// auditBreach writes the breach to the audit trail when the policy
// demands it. Failures are logged; the denial already stands.
func (l *Limiter) auditBreach(ctx context.Context, p Policy, action, target string) {
	if !p.AuditLogRequired {
		return
	}
	err := l.recorder.Record(ctx, audit.Event{
		Action:   action,
		ActorID:  "system",
		TargetID: target,
		Detail:   map[string]any{"limit_type": string(p.Type)},
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to record audit event",
			"action", action, "target", target, "error", err)
	}
}

// RecordFailure counts one failed attempt (failed login, invalid token)
// toward t's failure threshold. When the post-increment count reaches
// the threshold, the identifier's IP is blocked for [DefaultBlockTTL]
// and the failure counter is cleared so the next window starts clean
// after the block lapses.
//
// Types without a failure threshold ignore the call.
func (l *Limiter) RecordFailure(ctx context.Context, t LimitType, identifier string) error {
	p, err := l.Policy(t)
	if err != nil {
		return err
	}
	if p.FailureThreshold == 0 {
		return nil
	}
	if identifier == "" {
		return egerr.New(egerr.CodeValidationRequired,
			"ratelimit: identifier is required")
	}

	count, err := l.failures.Incr(ctx, failureKey(t, identifier))
	if err != nil {
		return err
	}
	if count < int64(p.FailureThreshold) {
		return nil
	}

	if err := l.blocks.Block(ctx, identifier, DefaultBlockTTL); err != nil {
		return err
	}
	if err := l.failures.Reset(ctx, failureKey(t, identifier)); err != nil {
		l.logger.WarnContext(ctx, "failed to clear failure counter after block",
			"ip", identifier, "limit_type", t, "error", err)
	}
	l.logger.WarnContext(ctx, "ip blocked after repeated failures",
		"ip", identifier, "limit_type", t,
		"failures", count, "ttl", DefaultBlockTTL)
	l.auditBreach(ctx, p, audit.ActionIPBlocked, identifier)
	return nil
}

// Reset is the administrative override: it deletes the counter and
// failure counter for (t, identifier) and lifts the corresponding block
// or lock by scope. The reset is audit-logged with the acting admin; a
// failed audit write fails the reset, because an unaudited admin
// override must not happen silently.
func (l *Limiter) Reset(ctx context.Context, t LimitType, identifier, adminID string) error {
	p, err := l.Policy(t)
	if err != nil {
		return err
	}
	if identifier == "" || adminID == "" {
		return egerr.New(egerr.CodeValidationRequired,
			"ratelimit: identifier and admin id are required")
	}

	if _, err := l.kv.Del(ctx, Key(t, identifier), failureKey(t, identifier)); err != nil {
		return err
	}

	var lifted string
	switch p.Scope {
	case ScopeIP:
		unblocked, err := l.blocks.Unblock(ctx, identifier)
		if err != nil {
			return err
		}
		if unblocked {
			lifted = audit.ActionIPUnblocked
		}
	case ScopeUser:
		unlocked, err := l.locks.Unlock(ctx, identifier)
		if err != nil {
			return err
		}
		if unlocked {
			lifted = audit.ActionAccountUnlocked
		}
	}

	detail := map[string]any{"limit_type": string(t)}
	if lifted != "" {
		detail["lifted"] = lifted
	}
	err = l.recorder.Record(ctx, audit.Event{
		Action:   audit.ActionRateLimitReset,
		ActorID:  adminID,
		TargetID: identifier,
		Detail:   detail,
	})
	if err != nil {
		return egerr.Wrap(err, egerr.CodeInternalStore,
			"ratelimit: failed to audit-log reset")
	}

	l.logger.InfoContext(ctx, "rate limit reset",
		"limit_type", t, "identifier", identifier, "admin_id", adminID)
	return nil
}
