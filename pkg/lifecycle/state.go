// Package lifecycle manages the run state of a gateway replica: state
// machine transitions, registered health checks, and graceful shutdown
// with connection draining.
//
// # Replica Lifecycle
//
// Every gateway replica follows a defined lifecycle managed by a finite
// state machine. The [State] type represents the replica's current
// position in this lifecycle, and all transitions are validated against
// the [validTransitions] matrix to prevent illegal state changes.
//
// The lifecycle flow for a healthy replica is:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// A replica may also be drained before shutdown, so the load balancer
// can take it out of rotation while in-flight requests complete:
//
//	Running → Draining → Stopping → Stopped
//
// Any non-terminal state may transition to Failed on error, and both
// terminal states (Stopped, Failed) may transition back to Starting
// for restart.
//
// # Thread Safety
//
// State management in [Runner] is protected by a [sync.RWMutex]. All
// state reads and writes are safe for concurrent use by multiple
// goroutines, including lifecycle methods ([Runner.Start],
// [Runner.Stop], [Runner.Drain]) and state queries ([Runner.State],
// [Runner.Info]).
//
// # OpenTelemetry Integration
//
// Lifecycle operations create OpenTelemetry spans with semantic
// attributes for observability. The tracer scope is
// "github.com/edgegate/edgegate-core/pkg/lifecycle".
package lifecycle

// State represents the lifecycle state of a gateway replica. States
// form a finite state machine with validated transitions defined by
// [ValidTransition].
//
// The zero value ("") is not a valid state; runners are initialized
// with [StateUnknown] at construction time.
type State string

const (
	// StateUnknown is the initial state of a newly constructed runner
	// before any lifecycle method has been called. A replica in this
	// state has not yet been started.
	StateUnknown State = "unknown"

	// StateStarting indicates the replica is in the process of starting.
	// This is a transient state set at the beginning of [Runner.Start]
	// before the OnStart hook executes. External observers may see this
	// state during startup.
	StateStarting State = "starting"

	// StateRunning indicates the replica has started successfully and is
	// admitting requests. This is the only state in which [Runner.Health]
	// reports healthy. Replicas remain in this state until drained,
	// stopped, or a failure occurs.
	StateRunning State = "running"

	// StateDraining indicates the replica has been taken out of rotation
	// via [Runner.Drain]. A draining replica finishes in-flight requests
	// but reports unhealthy so the load balancer stops routing new ones.
	StateDraining State = "draining"

	// StateStopping indicates the replica is in the process of shutting
	// down. This is a transient state set at the beginning of
	// [Runner.Stop] before the OnStop hook executes, giving the replica
	// time to release its Redis and IdP connections.
	StateStopping State = "stopping"

	// StateStopped indicates the replica has completed a clean shutdown.
	// This is a terminal state. A stopped replica may be restarted by
	// calling [Runner.Start], which transitions it back to
	// [StateStarting].
	StateStopped State = "stopped"

	// StateFailed indicates the replica encountered an unrecoverable
	// error. This is a terminal state. A failed replica may be restarted
	// by calling [Runner.Start], which transitions it back to
	// [StateStarting]. The error that caused the failure should be
	// logged before the transition.
	StateFailed State = "failed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid reports whether the state is one of the recognized lifecycle
// states. The zero value ("") is not valid.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateDraining,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is a terminal lifecycle state.
// Terminal states are [StateStopped] and [StateFailed]. A replica in a
// terminal state is not serving requests and must be restarted to
// resume operation.
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// validTransitions defines the allowed state transitions for the
// replica lifecycle state machine. Each key is a source state, and the
// value is the set of states it may transition to. Transitions not
// present in this map are rejected by [ValidTransition].
//
// Transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Failed, Stopping
//	Running  → Draining, Stopping, Failed
//	Draining → Running, Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting              (restart)
//	Failed   → Starting              (recovery restart)
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateDraining, StateStopping, StateFailed},
	StateDraining: {StateRunning, StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether transitioning from state from to
// state to is allowed by the lifecycle state machine. Both from and to
// must be valid states, and the transition must be present in the
// [validTransitions] matrix. Same-state transitions (from == to) are
// always rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}
