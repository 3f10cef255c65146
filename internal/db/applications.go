package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leozw/site-healer/internal/core"
)

const applicationColumns = `id, server_id, domain, path, tech_stack, tech_stack_version,
	detection_method, detection_confidence, health_score, health_status,
	is_healer_enabled, healing_mode, circuit_breaker_state, consecutive_failures,
	max_retries, circuit_breaker_reset_at, circuit_breaker_last_opened_at,
	related_domains, metadata, detection_attempts, last_detection_attempt,
	last_diagnosed_at, last_healed_at, created_at, updated_at`

func (r *Repository) CreateApplication(ctx context.Context, app *core.Application) error {
	query := `
        INSERT INTO applications (` + applicationColumns + `) VALUES (
            :id, :server_id, :domain, :path, :tech_stack, :tech_stack_version,
            :detection_method, :detection_confidence, :health_score, :health_status,
            :is_healer_enabled, :healing_mode, :circuit_breaker_state, :consecutive_failures,
            :max_retries, :circuit_breaker_reset_at, :circuit_breaker_last_opened_at,
            :related_domains, :metadata, :detection_attempts, :last_detection_attempt,
            :last_diagnosed_at, :last_healed_at, :created_at, :updated_at
        )`

	if _, err := r.db.NamedExecContext(ctx, query, app); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("application at %s on server %s: %w", app.Path, app.ServerID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create application: %w", err)
	}
	return nil
}

func (r *Repository) GetApplication(ctx context.Context, id string) (*core.Application, error) {
	var app core.Application
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	err := r.db.GetContext(ctx, &app, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("application %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return &app, nil
}

func (r *Repository) GetApplicationByPath(ctx context.Context, serverID, path string) (*core.Application, error) {
	var app core.Application
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE server_id = $1 AND path = $2`
	err := r.db.GetContext(ctx, &app, query, serverID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("application at %s: %w", path, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application by path: %w", err)
	}
	return &app, nil
}

// listApplicationsQuery builds the filtered select with positional args.
func listApplicationsQuery(filter core.ApplicationFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.ServerID != "" {
		add("server_id = $%d", filter.ServerID)
	}
	if filter.TechStack != "" {
		add("tech_stack = $%d", string(filter.TechStack))
	}
	if filter.HealerEnabled != nil {
		add("is_healer_enabled = $%d", *filter.HealerEnabled)
	}

	query := `SELECT ` + applicationColumns + ` FROM applications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func (r *Repository) ListApplications(ctx context.Context, filter core.ApplicationFilter) ([]*core.Application, error) {
	apps := []*core.Application{}
	query, args := listApplicationsQuery(filter)
	if err := r.db.SelectContext(ctx, &apps, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	return apps, nil
}

// UpdateApplication writes the fields discovery and operators own. Health,
// breaker state and detection counters have their own narrow writers, and a
// stack that detection already resolved is not replaced.
func (r *Repository) UpdateApplication(ctx context.Context, app *core.Application) error {
	app.UpdatedAt = time.Now()
	query := `
        UPDATE applications SET
            domain = :domain,
            path = :path,
            tech_stack = CASE WHEN tech_stack = 'UNKNOWN' THEN :tech_stack ELSE tech_stack END,
            detection_confidence = CASE WHEN tech_stack = 'UNKNOWN' THEN :detection_confidence ELSE detection_confidence END,
            is_healer_enabled = :is_healer_enabled,
            healing_mode = :healing_mode,
            related_domains = :related_domains,
            metadata = COALESCE(metadata, '{}') || :metadata,
            updated_at = :updated_at
        WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, app)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	return expectRow(res, app.ID)
}

func (r *Repository) UpdateHealth(ctx context.Context, id string, score int, status core.HealthStatus) error {
	query := `
        UPDATE applications
        SET health_score = $2, health_status = $3, last_diagnosed_at = NOW(), updated_at = NOW()
        WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, score, string(status))
	if err != nil {
		return fmt.Errorf("failed to update health: %w", err)
	}
	return expectRow(res, id)
}

// UpdateCircuitBreaker writes only the breaker columns so concurrent
// detection or discovery updates are not overwritten.
func (r *Repository) UpdateCircuitBreaker(ctx context.Context, id string, state core.CircuitBreakerState) error {
	query := `
        UPDATE applications SET
            circuit_breaker_state = $2,
            consecutive_failures = $3,
            max_retries = $4,
            circuit_breaker_reset_at = $5,
            circuit_breaker_last_opened_at = $6,
            updated_at = NOW()
        WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, string(state.State), state.ConsecutiveFailures,
		state.MaxRetries, state.ResetAt, state.LastOpenedAt)
	if err != nil {
		return fmt.Errorf("failed to update circuit breaker: %w", err)
	}
	return expectRow(res, id)
}

func (r *Repository) UpdateDetection(ctx context.Context, id string, det core.StackDetection) error {
	query := `
        UPDATE applications SET
            tech_stack = $2,
            tech_stack_version = $3,
            detection_confidence = $4,
            detection_method = $5,
            detection_attempts = 0,
            updated_at = NOW()
        WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, string(det.Stack), det.Version, det.Confidence, string(core.DetectionAuto))
	if err != nil {
		return fmt.Errorf("failed to update detection: %w", err)
	}
	return expectRow(res, id)
}

func (r *Repository) MergeMetadata(ctx context.Context, id string, metadata core.JSONB) error {
	patch, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	query := `
        UPDATE applications
        SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
        WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, string(patch))
	if err != nil {
		return fmt.Errorf("failed to merge metadata: %w", err)
	}
	return expectRow(res, id)
}

// patchRelatedDomainQuery merges $3 into the related_domains element whose
// domain is $2, keeping array order. The row lock taken by UPDATE serialises
// concurrent patches of different entries.
const patchRelatedDomainQuery = `
        UPDATE applications SET
            related_domains = (
                SELECT COALESCE(jsonb_agg(
                    CASE WHEN lower(t.elem->>'domain') = lower($2) THEN t.elem || $3::jsonb ELSE t.elem END
                    ORDER BY t.idx), '[]'::jsonb)
                FROM jsonb_array_elements(COALESCE(related_domains, '[]'::jsonb)) WITH ORDINALITY AS t(elem, idx)
            ),
            updated_at = NOW()
        WHERE id = $1`

func (r *Repository) patchRelatedDomain(ctx context.Context, id, domain string, patch map[string]interface{}) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode related domain patch: %w", err)
	}
	res, err := r.db.ExecContext(ctx, patchRelatedDomainQuery, id, domain, string(b))
	if err != nil {
		return fmt.Errorf("failed to update related domain %s: %w", domain, err)
	}
	return expectRow(res, id)
}

// relatedDetectionPatch leaves a previously detected version in place when
// the new detection found none.
func relatedDetectionPatch(det core.StackDetection) map[string]interface{} {
	patch := map[string]interface{}{
		"tech_stack":           det.Stack,
		"detection_confidence": det.Confidence,
	}
	if det.Version != nil {
		patch["tech_stack_version"] = *det.Version
	}
	return patch
}

func (r *Repository) UpdateRelatedDomainDetection(ctx context.Context, id, domain string, det core.StackDetection) error {
	return r.patchRelatedDomain(ctx, id, domain, relatedDetectionPatch(det))
}

func (r *Repository) UpdateRelatedDomainHealth(ctx context.Context, id, domain string, score int, status core.HealthStatus) error {
	return r.patchRelatedDomain(ctx, id, domain, map[string]interface{}{
		"health_score":  score,
		"health_status": status,
	})
}

func (r *Repository) RecordDetectionAttempt(ctx context.Context, id string, at time.Time) error {
	query := `
        UPDATE applications
        SET detection_attempts = detection_attempts + 1, last_detection_attempt = $2, updated_at = NOW()
        WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to record detection attempt: %w", err)
	}
	return expectRow(res, id)
}

func (r *Repository) DeleteApplication(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("application %s: %w", id, core.ErrNotFound)
	}
	return nil
}
