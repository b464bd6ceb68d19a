//go:build integration

// Package audit_test integration tests exercise the PostgresRecorder
// against a real PostgreSQL instance via testcontainers-go. They are
// gated behind the "integration" build tag and executed in CI with
// Docker.
//
// Run locally with:
//
//	go test -v -race -tags=integration ./pkg/audit/...
package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/edgegate/edgegate-core/internal/testutil/containers"
	"github.com/edgegate/edgegate-core/pkg/audit"
	"github.com/edgegate/edgegate-core/pkg/clients/postgres"
	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// createAuditTableSQL mirrors the deployment migration for the audit
// trail so the recorder can be tested without the migration job.
const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
    id          TEXT PRIMARY KEY,
    action      TEXT NOT NULL,
    actor_id    TEXT NOT NULL,
    tenant_id   TEXT,
    target_id   TEXT,
    detail      JSONB,
    occurred_at TIMESTAMPTZ NOT NULL
)`

// AuditIntegrationSuite runs the PostgresRecorder tests against a single
// shared container started in SetupSuite and terminated in
// TearDownSuite.
type AuditIntegrationSuite struct {
	suite.Suite

	ctx context.Context

	pgResult *containers.PostgresResult
	db       *postgres.Client
	recorder *audit.PostgresRecorder
}

// SetupSuite starts one PostgreSQL container, connects a client, and
// creates the audit table.
func (s *AuditIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	result, err := containers.StartPostgres(s.ctx)
	require.NoError(s.T(), err, "failed to start PostgreSQL container")
	s.pgResult = result

	db, err := postgres.NewClient(s.ctx, postgres.Config{
		URI:      result.ConnString,
		MaxConns: 5,
	})
	require.NoError(s.T(), err, "failed to create postgres client")
	s.db = db

	_, err = db.Exec(s.ctx, createAuditTableSQL)
	require.NoError(s.T(), err, "failed to create audit table")

	s.recorder = audit.NewPostgresRecorder(db)
}

// TearDownSuite closes the client and terminates the container.
func (s *AuditIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.pgResult != nil {
		if err := s.pgResult.Container.Terminate(s.ctx); err != nil {
			s.T().Logf("failed to terminate postgres container: %v", err)
		}
	}
}

// TestAuditIntegration is the top-level entry point that runs all suite
// tests. It is skipped in short mode (-short flag) to allow fast unit
// test runs without Docker.
func TestAuditIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(AuditIntegrationSuite))
}

// ===========================================================================
// Record
// ===========================================================================

func (s *AuditIntegrationSuite) TestRecord_PersistsEvent() {
	err := s.recorder.Record(s.ctx, audit.Event{
		Action:   audit.ActionRateLimitReset,
		ActorID:  "admin-1",
		TenantID: "tenant-1",
		TargetID: "user-1",
		Detail:   map[string]any{"limit_type": "login"},
	})
	require.NoError(s.T(), err)

	var (
		id, actorID, tenantID, targetID string
		occurredAt                      time.Time
	)
	row := s.db.QueryRow(s.ctx,
		`SELECT id, actor_id, tenant_id, target_id, occurred_at
		   FROM audit_events WHERE action = $1`,
		audit.ActionRateLimitReset)
	require.NoError(s.T(), row.Scan(&id, &actorID, &tenantID, &targetID, &occurredAt))

	assert.NotEmpty(s.T(), id, "recorder must assign an event id")
	assert.Equal(s.T(), "admin-1", actorID)
	assert.Equal(s.T(), "tenant-1", tenantID)
	assert.Equal(s.T(), "user-1", targetID)
	assert.WithinDuration(s.T(), time.Now().UTC(), occurredAt, time.Minute)
}

func (s *AuditIntegrationSuite) TestRecord_KeepsCallerAssignedIdentity() {
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.recorder.Record(s.ctx, audit.Event{
		ID:         "evt-fixed-1",
		Action:     audit.ActionIPUnblocked,
		ActorID:    "admin-2",
		TargetID:   "6.6.6.6",
		OccurredAt: occurred,
	})
	require.NoError(s.T(), err)

	var got time.Time
	row := s.db.QueryRow(s.ctx,
		`SELECT occurred_at FROM audit_events WHERE id = $1`, "evt-fixed-1")
	require.NoError(s.T(), row.Scan(&got))
	assert.True(s.T(), occurred.Equal(got.UTC()))
}

func (s *AuditIntegrationSuite) TestRecord_DuplicateIDFailsWithStoreError() {
	event := audit.Event{
		ID:      "evt-dup-1",
		Action:  audit.ActionRefreshReused,
		ActorID: "system",
	}
	require.NoError(s.T(), s.recorder.Record(s.ctx, event))

	err := s.recorder.Record(s.ctx, event)
	require.Error(s.T(), err)
	assert.Equal(s.T(), egerr.CodeInternalStore, egerr.GetCode(err))
}

func (s *AuditIntegrationSuite) TestRecord_NullableFieldsStayEmpty() {
	err := s.recorder.Record(s.ctx, audit.Event{
		ID:      "evt-min-1",
		Action:  audit.ActionKeysRefreshed,
		ActorID: "system",
	})
	require.NoError(s.T(), err)

	var tenantID, targetID *string
	row := s.db.QueryRow(s.ctx,
		`SELECT NULLIF(tenant_id, ''), NULLIF(target_id, '') FROM audit_events WHERE id = $1`,
		"evt-min-1")
	require.NoError(s.T(), row.Scan(&tenantID, &targetID))
	assert.Nil(s.T(), tenantID)
	assert.Nil(s.T(), targetID)
}
