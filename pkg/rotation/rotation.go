// Package rotation coordinates refresh-token rotation: under a
// per-(tenant, user) distributed lock it verifies the presented token
// has not been rotated before, exchanges it with the identity provider,
// and blacklists it so a second use is detected as theft.
//
// The coordinator is an explicit state machine so the security-critical
// ordering is auditable in one place: the old token must be blacklisted
// BEFORE the lock is released, otherwise two concurrent refreshes with
// the same stale token could both succeed.
package rotation

import (
	"context"
	"errors"
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
const tracerName = "github.com/edgegate/edgegate-core/pkg/rotation"

// lockPrefix is the shared store namespace for rotation locks.
const lockPrefix = "rotation:lock:"

// DefaultLockLeaseTTL sizes the rotation lock lease above the worst-case
// refresh attempt: the identity-provider client's request timeout plus
// the two blacklist round-trips. A lease that can expire mid-exchange
// would let a second refresh with the same token run concurrently.
const DefaultLockLeaseTTL = 30 * time.Second

// State names the coordinator's position in one refresh attempt. States
// appear in spans and logs; after an error exit the state is
// [StateFailed] regardless of where the attempt stopped.
type State string

const (
	StateIdle              State = "idle"
	StateLockAcquiring     State = "lock_acquiring"
	StateLocked            State = "locked"
	StateBlacklistChecking State = "blacklist_checking"
	StateExchanging        State = "exchanging"
	StateRotating          State = "rotating"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// TokenPair is the result of a successful refresh: a new access token
// and the replacement refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`

	// ExpiresIn is the access token lifetime in seconds, as reported
	// by the identity provider.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// Exchanger performs the actual token exchange with the identity
// provider. The IdP client implements this.
type Exchanger interface {
	RefreshAccessToken(ctx context.Context, tenantID, refreshToken string) (*TokenPair, error)
}

// Coordinator serializes refresh attempts per (tenant, user) and
// enforces the rotation protocol. Safe for concurrent use.
type Coordinator struct {
	lock      *store.Lock
	blacklist *BlacklistStore
	exchanger Exchanger
	recorder  audit.Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithAuditRecorder sets the audit trail destination for reuse
// detections. Defaults to [audit.NopRecorder].
func WithAuditRecorder(r audit.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithLock replaces the default lock, for deployments that tune lease
// TTL or wait budget. The lease TTL must exceed the worst-case duration
// of the blacklist check plus the identity-provider exchange.
func WithLock(lock *store.Lock) Option {
	return func(c *Coordinator) { c.lock = lock }
}

// WithBlacklistTTL sets how long rotated tokens stay blacklisted.
func WithBlacklistTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.blacklist = NewBlacklistStore(c.blacklist.kv, ttl) }
}

// NewCoordinator creates a Coordinator over kv and the given exchanger.
func NewCoordinator(kv store.KV, exchanger Exchanger, opts ...Option) *Coordinator {
	c := &Coordinator{
		lock:      store.NewLock(kv, store.WithLeaseTTL(DefaultLockLeaseTTL)),
		blacklist: NewBlacklistStore(kv, DefaultBlacklistTTL),
		exchanger: exchanger,
		recorder:  audit.NopRecorder{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh rotates currentToken for (tenantID, userID) and returns the
// new pair.
//
// Error codes:
//   - [egerr.CodeRefreshFailed]: lock contention, blacklist-store
//     failure, or a failed identity-provider exchange. Retryable by the
//     caller.
//   - [egerr.CodeRefreshReused]: the token was rotated before. This is
//     a security signal (suspected theft); operators should revoke the
//     user's sessions.
//
// The lock is always released, including on context cancellation. On
// the success path a release that reports the lease was lost fails the
// refresh, since mutual exclusion during the exchange is no longer
// certain; other release failures are logged and left to the lease TTL.
func (c *Coordinator) Refresh(ctx context.Context, tenantID, userID, currentToken string) (*TokenPair, error) {
	ctx, span := c.tracer.Start(ctx, "rotation.Refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("rotation.tenant_id", tenantID),
		attribute.String("rotation.user_id", userID),
	)

	pair, err := c.refresh(ctx, span, tenantID, userID, currentToken)
	if err != nil {
		c.transition(ctx, span, StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return pair, nil
}

func (c *Coordinator) refresh(ctx context.Context, span trace.Span, tenantID, userID, currentToken string) (*TokenPair, error) {
	if tenantID == "" || userID == "" || currentToken == "" {
		return nil, egerr.New(egerr.CodeValidationRequired,
			"rotation: tenant id, user id, and refresh token are required")
	}

	// Acquire the per-(tenant, user) lock with a bounded wait. A
	// contended lock means another refresh for the same user is in
	// flight; this attempt fails rather than queueing indefinitely.
	c.transition(ctx, span, StateLockAcquiring)
	lease, err := c.lock.Acquire(ctx, lockPrefix+tenantID+":"+userID)
	if err != nil {
		if errors.Is(err, store.ErrNotAcquired) || errors.Is(err, context.DeadlineExceeded) {
			return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
				"rotation: could not acquire rotation lock").
				WithDetail("stage", "lock")
		}
		return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
			"rotation: lock acquisition failed").
			WithDetail("stage", "lock")
	}
	c.transition(ctx, span, StateLocked)

	// The release must run even when ctx was cancelled mid-exchange,
	// so it uses a context detached from the caller's cancellation. The
	// success path releases explicitly instead, because there the
	// outcome of the release matters.
	released := false
	defer func() {
		if released {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			// The lease TTL will clear the lock.
			c.logger.WarnContext(releaseCtx, "failed to release rotation lock",
				"tenant_id", tenantID, "user_id", userID, "error", err)
		}
	}()

	// A blacklisted token was already rotated: this presentation is a
	// replay, by the legitimate client at best and a thief at worst.
	c.transition(ctx, span, StateBlacklistChecking)
	reused, err := c.blacklist.Contains(ctx, currentToken)
	if err != nil {
		return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
			"rotation: blacklist check failed").
			WithDetail("stage", "blacklist")
	}
	if reused {
		c.logger.WarnContext(ctx, "refresh token reuse detected",
			"tenant_id", tenantID, "user_id", userID)
		c.auditReuse(ctx, tenantID, userID)
		return nil, egerr.RefreshReused()
	}

	// The exchange may run up to the identity-provider client's request
	// timeout. Restore a full lease first so the lock outlives the
	// exchange; a lost lease here means the TTL already lapsed and
	// another replica may hold the lock.
	if err := lease.Extend(ctx); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
				"rotation: rotation lock lease expired").
				WithDetail("stage", "lock")
		}
		return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
			"rotation: failed to extend rotation lock lease").
			WithDetail("stage", "lock")
	}

	c.transition(ctx, span, StateExchanging)
	pair, err := c.exchanger.RefreshAccessToken(ctx, tenantID, currentToken)
	if err != nil {
		if egerr.GetCode(err) == egerr.CodeRefreshFailed {
			return nil, err
		}
		return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
			"rotation: identity provider exchange failed").
			WithDetail("stage", "exchange")
	}

	// Blacklist the consumed token BEFORE the deferred release runs.
	// If this write fails the attempt fails closed: returning the new
	// pair without a blacklist entry would let the old token rotate a
	// second time.
	c.transition(ctx, span, StateRotating)
	if err := c.blacklist.Add(ctx, currentToken); err != nil {
		return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
			"rotation: failed to blacklist rotated token").
			WithDetail("stage", "rotate")
	}

	// Releasing with the lease token doubles as the exclusivity check:
	// ErrLeaseLost means the lease expired during the exchange and a
	// concurrent refresh may have rotated too, so this attempt fails
	// closed. The presented token is blacklisted either way, and the
	// caller's retry is caught as a reuse.
	released = true
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := lease.Release(releaseCtx); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return nil, egerr.Wrap(err, egerr.CodeRefreshFailed,
				"rotation: rotation lock lease expired during exchange").
				WithDetail("stage", "lock")
		}
		// A transport failure on release is tolerated: the rotation
		// completed under a live lease and the TTL clears the key.
		c.logger.WarnContext(releaseCtx, "failed to release rotation lock",
			"tenant_id", tenantID, "user_id", userID, "error", err)
	}

	c.transition(ctx, span, StateDone)
	c.logger.InfoContext(ctx, "refresh token rotated",
		"tenant_id", tenantID, "user_id", userID)
	return pair, nil
}

// transition records a state change on the span and debug log.
func (c *Coordinator) transition(ctx context.Context, span trace.Span, next State) {
	span.AddEvent("rotation.state", trace.WithAttributes(
		attribute.String("state", string(next)),
	))
	c.logger.DebugContext(ctx, "rotation state", "state", string(next))
}

// auditReuse records a reuse detection. A failed audit write is logged;
// the refusal already stands and must not depend on the audit database.
func (c *Coordinator) auditReuse(ctx context.Context, tenantID, userID string) {
	err := c.recorder.Record(ctx, audit.Event{
		Action:   audit.ActionRefreshReused,
		ActorID:  "system",
		TenantID: tenantID,
		TargetID: userID,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to record reuse audit event",
			"tenant_id", tenantID, "user_id", userID, "error", err)
	}
}
