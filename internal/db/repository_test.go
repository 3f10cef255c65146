package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/site-healer/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestListApplicationsQuery(t *testing.T) {
	query, args := listApplicationsQuery(core.ApplicationFilter{})
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)

	enabled := true
	query, args = listApplicationsQuery(core.ApplicationFilter{
		ServerID:      "srv-1",
		TechStack:     core.StackLaravel,
		HealerEnabled: &enabled,
		Limit:         20,
		Offset:        40,
	})
	assert.Contains(t, query, "WHERE server_id = $1 AND tech_stack = $2 AND is_healer_enabled = $3")
	assert.Contains(t, query, "LIMIT $4 OFFSET $5")
	assert.Equal(t, []interface{}{"srv-1", "LARAVEL", true, 20, 40}, args)
}

func TestRelatedDetectionPatch(t *testing.T) {
	patch := relatedDetectionPatch(core.StackDetection{Stack: core.StackLaravel, Confidence: 0.9})
	assert.Equal(t, core.StackLaravel, patch["tech_stack"])
	assert.NotContains(t, patch, "tech_stack_version")
	assert.NotContains(t, patch, "health_score")

	v := "10.2"
	patch = relatedDetectionPatch(core.StackDetection{Stack: core.StackLaravel, Version: &v, Confidence: 0.9})
	assert.Equal(t, "10.2", patch["tech_stack_version"])
}

func TestRecentResultsQuery(t *testing.T) {
	assert.Contains(t, recentResultsQuery(""), "subdomain IS NULL")
	assert.Contains(t, recentResultsQuery("blog.example.com"), "subdomain = $3")
}

// newTestRepository connects to HEALER_TEST_DATABASE_URL and migrates it.
func newTestRepository(t *testing.T) *Repository {
	url := os.Getenv("HEALER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HEALER_TEST_DATABASE_URL not set")
	}
	conn, err := NewConnection(url, 5, 2)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	logger := zaptest.NewLogger(t)
	require.NoError(t, Migrate(conn, logger))
	return NewRepository(conn, logger)
}

func TestRepository_ApplicationLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	srv := &Server{ID: "srv-" + uuid.NewString(), Name: "web-1", Host: "10.0.0.5", Username: "root"}
	require.NoError(t, repo.CreateServer(ctx, srv))
	exists, err := repo.ServerExists(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	info, err := repo.GetConnectionInfo(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, 22, info.Port)

	app := core.NewApplication(uuid.NewString(), srv.ID, "example.com", "/home/acme/public_html")
	app.RelatedDomains = core.RelatedDomains{
		{Domain: "blog.example.com", Path: "/home/acme/blog", Relation: core.RelationSubdomain},
		{Domain: "shop.example.com", Path: "/home/acme/shop", Relation: core.RelationAddon},
	}
	app.Metadata = core.JSONB{"owner": "acme"}
	require.NoError(t, repo.CreateApplication(ctx, app))

	dup := core.NewApplication(uuid.NewString(), srv.ID, "example.com", app.Path)
	assert.ErrorIs(t, repo.CreateApplication(ctx, dup), ErrDuplicate)

	byPath, err := repo.GetApplicationByPath(ctx, srv.ID, app.Path)
	require.NoError(t, err)
	assert.Equal(t, app.ID, byPath.ID)

	reset := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateCircuitBreaker(ctx, app.ID, core.CircuitBreakerState{
		State: core.CircuitOpen, ConsecutiveFailures: 3, MaxRetries: 3, ResetAt: &reset, LastOpenedAt: &reset,
	}))
	require.NoError(t, repo.UpdateRelatedDomainDetection(ctx, app.ID, "blog.example.com",
		core.StackDetection{Stack: core.StackWordPress, Confidence: 0.95}))
	require.NoError(t, repo.UpdateRelatedDomainHealth(ctx, app.ID, "shop.example.com", 40, core.HealthDown))
	require.NoError(t, repo.UpdateRelatedDomainHealth(ctx, app.ID, "missing.example.com", 10, core.HealthDown))
	require.NoError(t, repo.UpdateHealth(ctx, app.ID, 80, core.HealthHealthy))
	require.NoError(t, repo.RecordDetectionAttempt(ctx, app.ID, time.Now()))
	require.NoError(t, repo.MergeMetadata(ctx, app.ID, core.JSONB{"collected_at": "2026-01-01T00:00:00Z"}))

	got, err := repo.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CircuitOpen, got.State)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	require.NotNil(t, got.ResetAt)
	assert.True(t, reset.Equal(*got.ResetAt))
	require.Len(t, got.RelatedDomains, 2)
	assert.Equal(t, "blog.example.com", got.RelatedDomains[0].Domain)
	assert.Equal(t, core.StackWordPress, got.RelatedDomains[0].TechStack)
	assert.Equal(t, "/home/acme/blog", got.RelatedDomains[0].Path)
	assert.Equal(t, 40, got.RelatedDomains[1].HealthScore)
	assert.Equal(t, core.HealthDown, got.RelatedDomains[1].HealthStatus)
	assert.Equal(t, 80, got.HealthScore)
	assert.Equal(t, 1, got.DetectionAttempts)
	assert.Equal(t, "acme", got.Metadata["owner"])
	assert.Equal(t, "2026-01-01T00:00:00Z", got.Metadata["collected_at"])

	version := "6.5.2"
	require.NoError(t, repo.UpdateDetection(ctx, app.ID, core.StackDetection{Stack: core.StackWordPress, Version: &version, Confidence: 0.95}))
	got, err = repo.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StackWordPress, got.TechStack)
	require.NotNil(t, got.TechStackVersion)
	assert.Equal(t, version, *got.TechStackVersion)
	assert.Equal(t, 0, got.DetectionAttempts)
	assert.Equal(t, 80, got.HealthScore)

	sub := "blog.example.com"
	require.NoError(t, repo.SaveDiagnosticResult(ctx, &core.DiagnosticResult{
		ApplicationID: app.ID, CheckName: "http_status", Category: "availability",
		Status: core.CheckPass, Severity: core.SeverityLow, Message: "ok", CreatedAt: time.Now(),
	}))
	require.NoError(t, repo.SaveDiagnosticResult(ctx, &core.DiagnosticResult{
		ApplicationID: app.ID, Subdomain: &sub, CheckName: "http_status", Category: "availability",
		Status: core.CheckFail, Severity: core.SeverityHigh, Message: "500", CreatedAt: time.Now(),
	}))

	primary, err := repo.RecentDiagnosticResults(ctx, app.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, primary, 1)
	assert.Equal(t, core.CheckPass, primary[0].Status)

	blog, err := repo.RecentDiagnosticResults(ctx, app.ID, sub, 10)
	require.NoError(t, err)
	require.Len(t, blog, 1)
	assert.Equal(t, core.CheckFail, blog[0].Status)

	repo.Record(ctx, core.AuditEvent{Type: core.AuditCircuitReset, ApplicationID: app.ID, Message: "reset"})
	events, err := repo.ListAuditEvents(ctx, app.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.AuditCircuitReset, events[0].Type)

	require.NoError(t, repo.DeleteApplication(ctx, app.ID))
	_, err = repo.GetApplication(ctx, app.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
