package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/leozw/site-healer/internal/core"
)

func (r *Repository) SaveDiagnosticResult(ctx context.Context, result *core.DiagnosticResult) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	query := `
        INSERT INTO diagnostic_results (
            id, application_id, subdomain, check_name, category, status,
            severity, message, details, suggested_fix, execution_time_ms, created_at
        ) VALUES (
            :id, :application_id, :subdomain, :check_name, :category, :status,
            :severity, :message, :details, :suggested_fix, :execution_time_ms, :created_at
        )`

	if _, err := r.db.NamedExecContext(ctx, query, result); err != nil {
		return fmt.Errorf("failed to save diagnostic result: %w", err)
	}
	return nil
}

func recentResultsQuery(subdomain string) string {
	const base = `SELECT id, application_id, subdomain, check_name, category, status, severity,
            message, details, suggested_fix, execution_time_ms, created_at
        FROM diagnostic_results WHERE application_id = $1 AND `
	if subdomain == "" {
		return base + `subdomain IS NULL ORDER BY created_at DESC LIMIT $2`
	}
	return base + `subdomain = $3 ORDER BY created_at DESC LIMIT $2`
}

func (r *Repository) RecentDiagnosticResults(ctx context.Context, applicationID, subdomain string, limit int) ([]*core.DiagnosticResult, error) {
	if limit <= 0 {
		limit = core.HealthWindow
	}
	args := []interface{}{applicationID, limit}
	if subdomain != "" {
		args = append(args, subdomain)
	}

	results := []*core.DiagnosticResult{}
	if err := r.db.SelectContext(ctx, &results, recentResultsQuery(subdomain), args...); err != nil {
		return nil, fmt.Errorf("failed to load diagnostic results: %w", err)
	}
	return results, nil
}
