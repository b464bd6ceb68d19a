package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
// It follows the Go module path convention for OTel instrumentation libraries.
const tracerName = "github.com/edgegate/edgegate-core/pkg/lifecycle"

// StateChangeHandler is a callback invoked when a replica's lifecycle
// state changes. It receives the previous state and the new state.
//
// Handlers execute synchronously under the runner's state mutex during
// [Runner.SetState]. Implementations must not block for extended
// periods or call lifecycle methods on the same runner, as this will
// cause a deadlock. Handlers that panic are recovered and logged
// without preventing the state change.
//
// Typical uses include emitting metrics, updating readiness gauges, and
// triggering alerts on failure transitions.
type StateChangeHandler func(old, new State)

// Hook is a function called during a lifecycle transition (start, stop,
// drain, resume). It receives the caller's context, which may carry
// deadlines and cancellation signals.
//
// If a hook returns a non-nil error, the lifecycle transition is
// aborted and the replica transitions to [StateFailed]. Hooks should
// perform cleanup on error to avoid leaving resources in an
// inconsistent state.
//
// Hooks execute outside the runner's state mutex, so they may safely
// call read-only methods ([Runner.State], [Runner.Info]) on the runner
// without causing deadlocks.
type Hook func(ctx context.Context) error

// HealthCheck is a named dependency probe run by [Runner.Health]. The
// gateway registers one per backing service, typically the Redis store
// and the IdP endpoint.
type HealthCheck struct {
	// Name identifies the dependency in health failures and logs
	// (e.g., "redis", "idp").
	Name string

	// Check probes the dependency. A non-nil return marks the replica
	// unhealthy.
	Check Hook
}

// Info provides a point-in-time snapshot of a replica's identity,
// state, and uptime. It is returned by [Runner.Info] and is safe to
// serialize to JSON for readiness endpoints and deployment tooling.
//
// The Uptime field is computed at the time Info() is called and
// reflects the elapsed time since the replica entered [StateRunning].
// It is zero if the replica has not yet started or has been stopped.
type Info struct {
	// Name is the human-readable name of the service.
	Name string `json:"name"`

	// Version is the semantic version of the running build.
	Version string `json:"version"`

	// State is the current lifecycle state of the replica.
	State State `json:"state"`

	// HealthChecks lists the names of the registered dependency probes.
	HealthChecks []string `json:"health_checks,omitempty"`

	// StartedAt is the time the replica entered StateRunning. Nil if
	// the replica has not started or has been stopped.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// Uptime is the elapsed time since the replica entered
	// StateRunning. Zero if the replica is not currently running.
	Uptime time.Duration `json:"uptime,omitempty"`
}

// Runner manages the run state of one gateway replica with thread-safe
// state management, observer hooks, dependency health checks, and
// OpenTelemetry tracing.
//
// A Runner is safe for concurrent use by multiple goroutines. Create
// one using [Builder] and share it across the application.
//
// Runner enforces a state machine that prevents invalid lifecycle
// transitions. All state changes are validated against the transition
// matrix defined in [validTransitions]. State change observers
// registered via [Builder.OnStateChange] are notified synchronously on
// every transition.
//
// Lifecycle hooks (OnStart, OnStop, OnDrain, OnResume) execute outside
// the state mutex to prevent deadlocks. If a hook fails, the replica
// transitions to [StateFailed] and the error is wrapped with a
// platform error code.
type Runner struct {
	// Immutable fields, set at construction and never modified. These
	// do not require mutex protection.
	name    string
	version string

	// Mutable fields, protected by mu.
	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	// Observability, set at construction and never modified.
	tracer trace.Tracer
	logger *slog.Logger

	// Lifecycle hooks, set at construction via builder, never modified.
	onStart  Hook
	onStop   Hook
	onDrain  Hook
	onResume Hook

	// Dependency probes and state observers, set at construction via
	// builder, never modified.
	checks        []HealthCheck
	stateHandlers []StateChangeHandler
}

// Name returns the human-readable name of the service. This value is
// immutable after construction.
func (r *Runner) Name() string {
	return r.name
}

// Version returns the semantic version of the running build. This
// value is immutable after construction.
func (r *Runner) Version() string {
	return r.version
}

// State returns the current lifecycle state of the replica. This
// method is safe for concurrent use.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Info returns a point-in-time snapshot of the replica's identity,
// state, and uptime. The returned [Info] is safe to serialize to JSON.
// This method is safe for concurrent use.
func (r *Runner) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := Info{
		Name:    r.name,
		Version: r.version,
		State:   r.state,
	}
	for _, c := range r.checks {
		info.HealthChecks = append(info.HealthChecks, c.Name)
	}

	if r.startedAt != nil && r.state == StateRunning {
		t := *r.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t)
	}

	return info
}

// Health reports whether the replica should receive traffic. It
// returns a [egerr.CodeUnavailable] error unless the replica is in
// [StateRunning], then runs every registered [HealthCheck] in
// registration order and returns the first failure wrapped with
// [egerr.CodeUnavailableDependency].
//
// A draining replica deliberately fails this check so the load
// balancer takes it out of rotation while in-flight requests finish.
func (r *Runner) Health(ctx context.Context) error {
	state := r.State()
	if state != StateRunning {
		return egerr.Newf(egerr.CodeUnavailable,
			"lifecycle: replica is not running, current state is %q", state)
	}
	for _, c := range r.checks {
		if err := c.Check(ctx); err != nil {
			return egerr.Wrapf(err, egerr.CodeUnavailableDependency,
				"lifecycle: health check %q failed", c.Name)
		}
	}
	return nil
}

// SetState transitions the replica to the given state after validating
// the transition against the lifecycle state machine. Returns a
// [egerr.CodeValidation] error if the transition is not allowed.
//
// On a successful transition, all registered [StateChangeHandler]
// functions are called synchronously with the old and new state
// values. Handlers execute under the state mutex; they must not call
// lifecycle methods on the same runner or block for extended periods.
//
// SetState is exported for callers that need to set state
// programmatically (e.g., transitioning to [StateFailed] when the
// serve loop returns an unexpected error).
func (r *Runner) SetState(new State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.state
	if !ValidTransition(old, new) {
		return egerr.Newf(egerr.CodeValidation,
			"lifecycle: invalid state transition from %q to %q", old, new)
	}

	r.state = new

	// Notify state change handlers under the lock to guarantee ordering.
	// Each handler is called in a deferred-recover wrapper to prevent a
	// panicking handler from crashing the replica or corrupting state.
	for _, h := range r.stateHandlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("lifecycle: state change handler panicked",
						"panic", rec,
						"service", r.name,
						"old_state", string(old),
						"new_state", string(new),
					)
				}
			}()
			h(old, new)
		}()
	}

	return nil
}

// Start begins the replica's operation. It transitions the replica
// through [StateStarting] to [StateRunning], executing any registered
// OnStart hook between the two transitions.
//
// The context controls the deadline for startup. If the context is
// already canceled, Start returns immediately without modifying state.
//
// If the OnStart hook returns an error, the replica transitions to
// [StateFailed] and the error is returned wrapped with
// [egerr.CodeInternal].
func (r *Runner) Start(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "lifecycle.Start",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", r.name),
			attribute.String("service.version", r.version),
		),
	)
	defer span.End()

	// Check context before acquiring the lock.
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return egerr.Wrap(err, egerr.CodeTimeout,
			"lifecycle: start canceled before execution")
	}

	if err := r.SetState(StateStarting); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.logger.InfoContext(ctx, "lifecycle: starting replica",
		"service", r.name,
		"version", r.version,
	)

	// Execute the OnStart hook outside the lock.
	if r.onStart != nil {
		if err := r.onStart(ctx); err != nil {
			r.logger.ErrorContext(ctx, "lifecycle: start hook failed",
				"service", r.name,
				"error", err,
			)
			_ = r.SetState(StateFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return egerr.Wrap(err, egerr.CodeInternal,
				"lifecycle: start hook failed")
		}
	}

	if err := r.SetState(StateRunning); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	now := time.Now().UTC()
	r.mu.Lock()
	r.startedAt = &now
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "lifecycle: replica started",
		"service", r.name,
	)
	span.SetStatus(codes.Ok, "")

	return nil
}

// Stop gracefully shuts down the replica. It transitions the replica
// through [StateStopping] to [StateStopped], executing any registered
// OnStop hook between the two transitions.
//
// If the replica is already in a terminal state ([StateStopped] or
// [StateFailed]), Stop is a no-op and returns nil. This makes it safe
// to call Stop multiple times or in a deferred cleanup.
//
// If the OnStop hook returns an error, the replica transitions to
// [StateFailed] and the error is returned wrapped with
// [egerr.CodeInternal].
func (r *Runner) Stop(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "lifecycle.Stop",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", r.name),
		),
	)
	defer span.End()

	// Terminal states: Stop is a no-op.
	if r.State().IsTerminal() {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return egerr.Wrap(err, egerr.CodeTimeout,
			"lifecycle: stop canceled before execution")
	}

	if err := r.SetState(StateStopping); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.logger.InfoContext(ctx, "lifecycle: stopping replica",
		"service", r.name,
	)

	// Execute the OnStop hook outside the lock.
	if r.onStop != nil {
		if err := r.onStop(ctx); err != nil {
			r.logger.ErrorContext(ctx, "lifecycle: stop hook failed",
				"service", r.name,
				"error", err,
			)
			_ = r.SetState(StateFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return egerr.Wrap(err, egerr.CodeInternal,
				"lifecycle: stop hook failed")
		}
	}

	if err := r.SetState(StateStopped); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.mu.Lock()
	r.startedAt = nil
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "lifecycle: replica stopped",
		"service", r.name,
	)
	span.SetStatus(codes.Ok, "")

	return nil
}

// Drain takes the replica out of rotation ahead of a shutdown or
// deploy. It transitions from [StateRunning] to [StateDraining],
// executing any registered OnDrain hook. While draining,
// [Runner.Health] reports unhealthy so the load balancer stops routing
// new requests; in-flight requests are unaffected.
//
// If the OnDrain hook returns an error, the replica transitions to
// [StateFailed] and the error is returned wrapped with
// [egerr.CodeInternal].
func (r *Runner) Drain(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "lifecycle.Drain",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", r.name),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return egerr.Wrap(err, egerr.CodeTimeout,
			"lifecycle: drain canceled before execution")
	}

	// The state machine enforces that only Running -> Draining is valid.
	if err := r.SetState(StateDraining); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.logger.InfoContext(ctx, "lifecycle: draining replica",
		"service", r.name,
	)

	// Execute the OnDrain hook outside the lock.
	if r.onDrain != nil {
		if err := r.onDrain(ctx); err != nil {
			r.logger.ErrorContext(ctx, "lifecycle: drain hook failed",
				"service", r.name,
				"error", err,
			)
			_ = r.SetState(StateFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return egerr.Wrap(err, egerr.CodeInternal,
				"lifecycle: drain hook failed")
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Resume puts a draining replica back into rotation. It transitions
// from [StateDraining] to [StateRunning], executing any registered
// OnResume hook. Use this to abort a drain when a deploy is rolled
// back.
//
// If the OnResume hook returns an error, the replica transitions to
// [StateFailed] and the error is returned wrapped with
// [egerr.CodeInternal].
func (r *Runner) Resume(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "lifecycle.Resume",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", r.name),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return egerr.Wrap(err, egerr.CodeTimeout,
			"lifecycle: resume canceled before execution")
	}

	// The state machine enforces that only Draining -> Running is valid
	// for Resume.
	if err := r.SetState(StateRunning); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.logger.InfoContext(ctx, "lifecycle: replica resumed",
		"service", r.name,
	)

	// Execute the OnResume hook outside the lock.
	if r.onResume != nil {
		if err := r.onResume(ctx); err != nil {
			r.logger.ErrorContext(ctx, "lifecycle: resume hook failed",
				"service", r.name,
				"error", err,
			)
			_ = r.SetState(StateFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return egerr.Wrap(err, egerr.CodeInternal,
				"lifecycle: resume hook failed")
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
