package db

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

// Record stores an audit event. Failures are logged and never surface to
// the operation being audited.
func (r *Repository) Record(ctx context.Context, event core.AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Details == nil {
		event.Details = core.JSONB{}
	}
	query := `
        INSERT INTO audit_events (event_type, application_id, server_id, message, details, created_at)
        VALUES (:event_type, NULLIF(:application_id, ''), NULLIF(:server_id, ''), :message, :details, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		r.logger.Warn("Failed to record audit event",
			zap.String("type", event.Type),
			zap.String("application_id", event.ApplicationID),
			zap.Error(err),
		)
	}
}

func (r *Repository) ListAuditEvents(ctx context.Context, applicationID string, limit int) ([]core.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events := []core.AuditEvent{}
	query := `
        SELECT event_type, COALESCE(application_id, '') AS application_id,
            COALESCE(server_id, '') AS server_id, message, details, created_at
        FROM audit_events
        WHERE application_id = $1
        ORDER BY created_at DESC
        LIMIT $2`
	if err := r.db.SelectContext(ctx, &events, query, applicationID, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
