package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leozw/site-healer/internal/backup"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/plugins"
	"go.uber.org/zap"
)

type HealOutcome struct {
	ApplicationID string                 `json:"application_id"`
	Subdomain     string                 `json:"subdomain,omitempty"`
	Action        string                 `json:"action"`
	Success       bool                   `json:"success"`
	Message       string                 `json:"message"`
	BackupID      string                 `json:"backup_id,omitempty"`
	RolledBack    bool                   `json:"rolled_back"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Duration      time.Duration          `json:"duration"`
}

func findAction(p plugins.Plugin, name string) (core.HealingAction, error) {
	for _, a := range p.HealingActions() {
		if a.Name == name {
			return a, nil
		}
	}
	return core.HealingAction{}, fmt.Errorf("%s action %q: %w", p.Kind(), name, core.ErrUnknownAction)
}

// Heal runs one named action against the application or one of its
// subdomains. Blocked requests return an error (disabled healer, open
// breaker, policy denial, failed backup). An action that ran and failed is
// reported through HealOutcome with Success=false after an automatic rollback
// when a backup was taken. bypass skips the healer switch and the mode
// policy but never the breaker.
func (s *Service) Heal(ctx context.Context, appID, actionName, subdomain string, bypass bool) (*HealOutcome, error) {
	start := time.Now()
	app, target, err := s.resolve(ctx, appID, subdomain)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(
		zap.String("application_id", appID),
		zap.String("domain", target.Domain),
		zap.String("action", actionName),
		zap.Bool("bypass", bypass),
	)

	if !bypass && !target.IsHealerEnabled {
		s.metrics.RecordHealBlocked("disabled")
		return nil, core.ErrHealerDisabled
	}

	if target, err = s.resolveStack(ctx, app, target); err != nil {
		return nil, err
	}
	plugin, err := s.registry.Get(target.Stack)
	if err != nil {
		return nil, err
	}
	action, err := findAction(plugin, actionName)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, lockKey(appID), s.lockTTL)
	if err != nil {
		s.metrics.RecordHealBlocked("locked")
		return nil, err
	}
	defer release()

	decision, err := s.breaker.CanHeal(ctx, appID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.metrics.RecordHealBlocked("circuit_open")
		logger.Warn("Healing blocked by circuit breaker", zap.Duration("remaining", decision.Remaining))
		return nil, decision.Err(appID, s.now())
	}

	if !bypass && !CanAutoHeal(target.HealingMode, action.RiskLevel) {
		s.metrics.RecordHealBlocked("policy")
		return nil, &core.PolicyDeniedError{Action: action.Name, Mode: target.HealingMode, Risk: action.RiskLevel}
	}

	outcome := &HealOutcome{ApplicationID: appID, Subdomain: target.Subdomain, Action: action.Name}

	var taken *core.Backup
	if NeedsBackup(action) {
		taken, err = s.backups.CreateBackup(ctx, target, action.Name)
		if err != nil {
			logger.Error("Backup failed, healing aborted", zap.Error(err))
			s.recordAudit(ctx, core.AuditHealFailed, target, action.Name, "backup failed: "+err.Error(), nil)
			s.metrics.RecordHealBlocked("backup_failed")
			return nil, err
		}
		outcome.BackupID = taken.ID
	}

	result, err := plugin.RunHealingAction(ctx, action.Name, target)
	if err != nil {
		result = &plugins.HealResult{Message: fmt.Sprintf("Failed to execute %s: %v", action.Name, err)}
	}
	outcome.Success = result.Success
	outcome.Message = result.Message
	outcome.Details = result.Details

	if !result.Success {
		if taken != nil {
			rb, rerr := s.backups.Rollback(ctx, target, taken.ID)
			outcome.Message += "; " + rollbackSummary(rb, rerr)
			outcome.RolledBack = rerr == nil && rb.Success
		}
		if _, err := s.breaker.RecordFailure(ctx, appID); err != nil {
			logger.Error("Failed to record breaker failure", zap.Error(err))
		}
	} else if err := s.breaker.RecordSuccess(ctx, appID); err != nil {
		logger.Error("Failed to record breaker success", zap.Error(err))
	}

	outcome.Duration = time.Since(start)
	s.metrics.RecordHeal(target.Stack, action.Name, outcome.Success, outcome.Duration.Seconds())

	eventType := core.AuditHealExecuted
	if !outcome.Success {
		eventType = core.AuditHealFailed
	}
	s.recordAudit(ctx, eventType, target, action.Name, outcome.Message, core.JSONB{
		"backup_id":   outcome.BackupID,
		"rolled_back": outcome.RolledBack,
		"risk_level":  string(action.RiskLevel),
		"bypass":      bypass,
	})

	logger.Info("Healing action finished",
		zap.Bool("success", outcome.Success),
		zap.String("backup_id", outcome.BackupID),
		zap.Duration("duration", outcome.Duration),
	)
	return outcome, nil
}

func rollbackSummary(rb *backup.RollbackResult, err error) string {
	switch {
	case err != nil:
		return "rollback failed: " + err.Error()
	case rb.Success:
		return fmt.Sprintf("rollback succeeded: restored %d file(s) from backup %s", len(rb.RestoredFiles), rb.BackupID)
	default:
		return "rollback failed: " + rb.Message
	}
}

func (s *Service) recordAudit(ctx context.Context, eventType string, target core.Target, action, message string, details core.JSONB) {
	if details == nil {
		details = core.JSONB{}
	}
	details["action"] = action
	details["domain"] = target.Domain
	s.audit.Record(ctx, core.AuditEvent{
		Type:          eventType,
		ApplicationID: target.ApplicationID,
		ServerID:      target.ServerID,
		Message:       message,
		Details:       details,
		CreatedAt:     s.now(),
	})
}

// AutoHeal heals the failed checks of a diagnosis that name a fix the
// target's mode allows. It stops early once the breaker opens.
func (s *Service) AutoHeal(ctx context.Context, report *DiagnosisReport) ([]*HealOutcome, error) {
	_, target, err := s.resolve(ctx, report.ApplicationID, report.Subdomain)
	if err != nil {
		return nil, err
	}
	if !target.IsHealerEnabled {
		return nil, nil
	}
	plugin, err := s.registry.Get(target.Stack)
	if err != nil {
		return nil, err
	}

	var outcomes []*HealOutcome
	seen := make(map[string]bool)
	for _, r := range report.Results {
		if r.Status != core.CheckFail || r.SuggestedFix == nil || seen[*r.SuggestedFix] {
			continue
		}
		name := *r.SuggestedFix
		seen[name] = true

		action, err := findAction(plugin, name)
		if err != nil || !CanAutoHeal(target.HealingMode, action.RiskLevel) {
			continue
		}

		outcome, err := s.Heal(ctx, report.ApplicationID, name, report.Subdomain, false)
		var openErr *core.CircuitOpenError
		switch {
		case errors.As(err, &openErr):
			return outcomes, nil
		case err != nil:
			s.logger.Warn("Auto-heal skipped",
				zap.String("application_id", report.ApplicationID),
				zap.String("action", name),
				zap.Error(err),
			)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
