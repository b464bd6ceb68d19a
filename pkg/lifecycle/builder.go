package lifecycle

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// Builder constructs a [Runner] with validated configuration and
// optional lifecycle hooks. Use [NewBuilder] to start building.
//
// The builder follows the fluent API pattern: all configuration
// methods return the builder for chaining. Call [Builder.Build] to
// validate the configuration and produce the runner.
//
// Example:
//
//	runner, err := lifecycle.NewBuilder("edgegate", "1.0.0").
//	    WithHealthCheck(lifecycle.HealthCheck{Name: "redis", Check: kv.Health}).
//	    WithOnStart(func(ctx context.Context) error {
//	        return kv.Health(ctx)
//	    }).
//	    WithOnStop(func(ctx context.Context) error {
//	        return srv.Shutdown(ctx)
//	    }).
//	    OnStateChange(func(old, new lifecycle.State) {
//	        readiness.Set(new == lifecycle.StateRunning)
//	    }).
//	    Build()
type Builder struct {
	name          string
	version       string
	checks        []HealthCheck
	logger        *slog.Logger
	onStart       Hook
	onStop        Hook
	onDrain       Hook
	onResume      Hook
	stateHandlers []StateChangeHandler
}

// NewBuilder creates a new builder with the required identity fields.
// The name and version are validated during [Builder.Build].
//
// Parameters:
//   - name: human-readable service name (e.g., "edgegate")
//   - version: semantic version of the running build (e.g., "1.0.0")
func NewBuilder(name, version string) *Builder {
	return &Builder{
		name:    name,
		version: version,
	}
}

// WithHealthCheck registers a named dependency probe run by
// [Runner.Health]. Probes run in registration order; register the
// cheapest probe first so a dead Redis fails the check before the IdP
// round trip.
func (b *Builder) WithHealthCheck(check HealthCheck) *Builder {
	b.checks = append(b.checks, check)
	return b
}

// WithLogger sets a custom [*slog.Logger] for the runner. If not
// called, [slog.Default] is used. The logger is used for lifecycle
// event logging and panic recovery messages.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithOnStart sets the lifecycle hook called during [Runner.Start],
// after the replica transitions to [StateStarting] and before it
// transitions to [StateRunning]. Use this to verify backing services
// and bind listeners before admitting requests.
func (b *Builder) WithOnStart(hook Hook) *Builder {
	b.onStart = hook
	return b
}

// WithOnStop sets the lifecycle hook called during [Runner.Stop],
// after the replica transitions to [StateStopping] and before it
// transitions to [StateStopped]. Use this to shut down listeners and
// close client connections.
func (b *Builder) WithOnStop(hook Hook) *Builder {
	b.onStop = hook
	return b
}

// WithOnDrain sets the lifecycle hook called during [Runner.Drain],
// after the replica transitions to [StateDraining]. Use this to stop
// accepting new connections while in-flight requests complete.
func (b *Builder) WithOnDrain(hook Hook) *Builder {
	b.onDrain = hook
	return b
}

// WithOnResume sets the lifecycle hook called during [Runner.Resume],
// after the replica transitions back to [StateRunning]. Use this to
// reopen listeners that were closed during drain.
func (b *Builder) WithOnResume(hook Hook) *Builder {
	b.onResume = hook
	return b
}

// OnStateChange registers a [StateChangeHandler] that is called on
// every state transition. Multiple handlers may be registered and are
// called in registration order. Handlers execute synchronously under
// the state mutex during [Runner.SetState].
//
// Handlers are defensively copied during [Builder.Build] to prevent
// external modification of the handler list after construction.
func (b *Builder) OnStateChange(handler StateChangeHandler) *Builder {
	b.stateHandlers = append(b.stateHandlers, handler)
	return b
}

// Build validates the configuration and constructs a [*Runner].
// Returns a [egerr.CodeValidation] error if a required field is empty
// or a registered health check is incomplete.
//
// Build performs defensive copies of all mutable inputs (health
// checks, state handlers) to prevent external mutation after
// construction. The initial state is [StateUnknown].
func (b *Builder) Build() (*Runner, error) {
	if b.name == "" {
		return nil, egerr.New(egerr.CodeValidation,
			"lifecycle: service name must not be empty")
	}
	if b.version == "" {
		return nil, egerr.New(egerr.CodeValidation,
			"lifecycle: service version must not be empty")
	}
	for _, c := range b.checks {
		if c.Name == "" || c.Check == nil {
			return nil, egerr.New(egerr.CodeValidation,
				"lifecycle: health checks require a name and a check function")
		}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Defensive copies of health checks and state handlers.
	checks := make([]HealthCheck, len(b.checks))
	copy(checks, b.checks)
	handlers := make([]StateChangeHandler, len(b.stateHandlers))
	copy(handlers, b.stateHandlers)

	return &Runner{
		name:          b.name,
		version:       b.version,
		state:         StateUnknown,
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
		onStart:       b.onStart,
		onStop:        b.onStop,
		onDrain:       b.onDrain,
		onResume:      b.onResume,
		checks:        checks,
		stateHandlers: handlers,
	}, nil
}
