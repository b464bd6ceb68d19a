// Package audit records security-relevant gateway actions: admin resets,
// IP unblocks, account unlocks, and refresh-token reuse detections. The
// audit trail is insert-only; nothing in the gateway reads it back.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate-core/pkg/clients/postgres"
	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// Actions recorded by the gateway. Admin operations and security
// signals share the same trail.
const (
	ActionRateLimitReset    = "rate_limit_reset"
	ActionRateLimitBreached = "rate_limit_breached"
	ActionIPBlocked         = "ip_blocked"
	ActionIPUnblocked       = "ip_unblocked"
	ActionAccountLocked     = "account_locked"
	ActionAccountUnlocked   = "account_unlocked"
	ActionRefreshReused     = "refresh_token_reused"
	ActionKeysRefreshed     = "signing_keys_refreshed"
	ActionSpecInvalidated   = "permission_spec_invalidated"
)

// Event is one audit trail entry. ActorID identifies who triggered the
// action: an admin user ID for administrative operations, or "system"
// for automatic enforcement (threshold blocks, reuse detection).
type Event struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Recorder persists audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// ---------------------------------------------------------------------------
// PostgresRecorder
// ---------------------------------------------------------------------------

// insertEventSQL is the single statement the recorder issues. The table
// is created by the deployment's migration job, not by this package.
const insertEventSQL = `
INSERT INTO audit_events (id, action, actor_id, tenant_id, target_id, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// PostgresRecorder writes audit events to the audit database. Events
// are assigned an ID and timestamp at record time when the caller left
// them zero.
type PostgresRecorder struct {
	db  *postgres.Client
	now func() time.Time
}

// NewPostgresRecorder creates a recorder over the given client.
func NewPostgresRecorder(db *postgres.Client) *PostgresRecorder {
	return &PostgresRecorder{db: db, now: time.Now}
}

// Record inserts the event. Returns a coded store error when the insert
// fails; callers decide whether a failed audit write aborts the
// operation (admin resets) or is logged and tolerated (hot-path
// security signals).
func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}
	if event.Action == "" {
		return egerr.New(egerr.CodeValidationRequired, "audit: event action is required")
	}

	var detail []byte
	if len(event.Detail) > 0 {
		var err error
		detail, err = json.Marshal(event.Detail)
		if err != nil {
			return egerr.Wrap(err, egerr.CodeInternal, "audit: failed to encode event detail")
		}
	}

	_, err := r.db.Exec(ctx, insertEventSQL,
		event.ID, event.Action, event.ActorID,
		event.TenantID, event.TargetID, detail, event.OccurredAt)
	if err != nil {
		return egerr.Wrap(err, egerr.CodeInternalStore, "audit: failed to record event")
	}
	return nil
}

// ---------------------------------------------------------------------------
// LogRecorder
// ---------------------------------------------------------------------------

// LogRecorder writes audit events to the structured log instead of a
// database. Used in development and as the fallback when no audit
// database is configured.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a recorder over logger; a nil logger falls back
// to [slog.Default].
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// Record logs the event at info level and never fails.
func (r *LogRecorder) Record(ctx context.Context, event Event) error {
	r.logger.InfoContext(ctx, "audit event",
		"action", event.Action,
		"actor_id", event.ActorID,
		"tenant_id", event.TenantID,
		"target_id", event.TargetID,
		"detail", event.Detail,
	)
	return nil
}

// NopRecorder discards every event. Used in tests that do not assert on
// auditing.
type NopRecorder struct{}

// Record discards the event.
func (NopRecorder) Record(ctx context.Context, event Event) error { return nil }

var (
	_ Recorder = (*PostgresRecorder)(nil)
	_ Recorder = (*LogRecorder)(nil)
	_ Recorder = NopRecorder{}
)
