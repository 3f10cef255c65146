// Package healing is the application service: it resolves targets, runs
// diagnostics, scores health and drives the heal state machine through the
// breaker, policy, backup and plugin layers.
package healing

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/site-healer/internal/backup"
	"github.com/leozw/site-healer/internal/circuit"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/detector"
	"github.com/leozw/site-healer/internal/discovery"
	"github.com/leozw/site-healer/internal/metrics"
	"github.com/leozw/site-healer/internal/plugins"
	"go.uber.org/zap"
)

const defaultLockTTL = 15 * time.Minute

// Deps groups the collaborators a Service is built from.
type Deps struct {
	Apps      core.ApplicationRepository
	Results   core.DiagnosticStore
	Audit     core.AuditSink
	Registry  *plugins.Registry
	Detector  *detector.Detector
	Discovery *discovery.Engine
	Breaker   *circuit.Breaker
	Backups   *backup.Manager
	Locker    Locker
	Metrics   *metrics.Collector
	LockTTL   time.Duration
}

type Service struct {
	apps      core.ApplicationRepository
	results   core.DiagnosticStore
	audit     core.AuditSink
	registry  *plugins.Registry
	detector  *detector.Detector
	discovery *discovery.Engine
	breaker   *circuit.Breaker
	backups   *backup.Manager
	locker    Locker
	metrics   *metrics.Collector
	logger    *zap.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

func NewService(deps Deps, logger *zap.Logger) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = NewMutexLocker()
	}
	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Service{
		apps:      deps.Apps,
		results:   deps.Results,
		audit:     deps.Audit,
		registry:  deps.Registry,
		detector:  deps.Detector,
		discovery: deps.Discovery,
		breaker:   deps.Breaker,
		backups:   deps.Backups,
		locker:    locker,
		metrics:   deps.Metrics,
		logger:    logger.Named("healing"),
		lockTTL:   ttl,
		now:       time.Now,
	}
}

func (s *Service) Discover(ctx context.Context, opts discovery.Options) (*discovery.Report, error) {
	return s.discovery.Discover(ctx, opts)
}

func (s *Service) DetectTechStack(ctx context.Context, appID string) (*core.Application, detector.Detection, error) {
	return s.detector.DetectApplication(ctx, appID)
}

func (s *Service) DetectAllTechStacks(ctx context.Context, appID string) (*detector.Result, error) {
	return s.detector.DetectAll(ctx, appID)
}

// GetApplication is exposed for the transport layers.
func (s *Service) GetApplication(ctx context.Context, appID string) (*core.Application, error) {
	return s.apps.GetApplication(ctx, appID)
}

func (s *Service) ListApplications(ctx context.Context, filter core.ApplicationFilter) ([]*core.Application, error) {
	return s.apps.ListApplications(ctx, filter)
}

// Plugins returns the catalog of every registered stack.
func (s *Service) Plugins() []plugins.Plugin {
	return s.registry.All()
}

func (s *Service) resolve(ctx context.Context, appID, subdomain string) (*core.Application, core.Target, error) {
	app, err := s.apps.GetApplication(ctx, appID)
	if err != nil {
		return nil, core.Target{}, err
	}
	target, err := app.ResolveTarget(subdomain)
	if err != nil {
		return nil, core.Target{}, err
	}
	return app, target, nil
}

// resolveStack runs detection lazily for a target that has never been
// classified.
func (s *Service) resolveStack(ctx context.Context, app *core.Application, target core.Target) (core.Target, error) {
	if target.Stack != core.StackUnknown {
		return target, nil
	}
	if !target.IsSubdomain() {
		if _, _, err := s.detector.DetectApplication(ctx, app.ID); err != nil {
			return target, err
		}
	} else if _, err := s.detector.DetectRelated(ctx, app); err != nil {
		return target, err
	}

	_, refreshed, err := s.resolve(ctx, app.ID, target.Subdomain)
	if err != nil {
		return target, err
	}
	if refreshed.Stack == core.StackUnknown {
		return refreshed, fmt.Errorf("stack of %s is unknown: %w", refreshed.Path, core.ErrUnknownPlugin)
	}
	return refreshed, nil
}

type DiagnosisReport struct {
	ApplicationID string                   `json:"application_id"`
	Subdomain     string                   `json:"subdomain,omitempty"`
	Stack         core.StackKind           `json:"stack"`
	Results       []*core.DiagnosticResult `json:"results"`
	HealthScore   int                      `json:"health_score"`
	HealthStatus  core.HealthStatus        `json:"health_status"`
	Duration      time.Duration            `json:"duration"`
}

// Diagnose runs every check of the target's plugin one after another,
// storing each result, then recomputes the target's health.
func (s *Service) Diagnose(ctx context.Context, appID, subdomain string) (*DiagnosisReport, error) {
	start := time.Now()
	app, target, err := s.resolve(ctx, appID, subdomain)
	if err != nil {
		return nil, err
	}
	if target, err = s.resolveStack(ctx, app, target); err != nil {
		return nil, err
	}
	plugin, err := s.registry.Get(target.Stack)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("application_id", appID),
		zap.String("domain", target.Domain),
		zap.String("stack", string(target.Stack)),
	)

	report := &DiagnosisReport{ApplicationID: appID, Subdomain: target.Subdomain, Stack: target.Stack}
	for _, name := range plugin.DiagnosticChecks() {
		result, err := plugin.RunDiagnosticCheck(ctx, name, target)
		if err != nil {
			logger.Error("Failed to run diagnostic check", zap.String("check", name), zap.Error(err))
			continue
		}
		if err := s.results.SaveDiagnosticResult(ctx, result); err != nil {
			logger.Error("Failed to store diagnostic result", zap.String("check", name), zap.Error(err))
		}
		s.metrics.RecordCheck(target.Stack, result)
		report.Results = append(report.Results, result)
	}

	health, err := s.refreshHealth(ctx, app, target)
	if err != nil {
		return nil, err
	}
	report.HealthScore = health.Score
	report.HealthStatus = health.Status
	report.Duration = time.Since(start)

	logger.Info("Diagnosis finished",
		zap.Int("checks", len(report.Results)),
		zap.Int("health_score", report.HealthScore),
		zap.String("health_status", string(report.HealthStatus)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

type HealthReport struct {
	ApplicationID string            `json:"application_id"`
	Subdomain     string            `json:"subdomain,omitempty"`
	Score         int               `json:"score"`
	Status        core.HealthStatus `json:"status"`
	Samples       int               `json:"samples"`
}

func (s *Service) computeHealth(ctx context.Context, target core.Target) (*HealthReport, error) {
	recent, err := s.results.RecentDiagnosticResults(ctx, target.ApplicationID, target.Subdomain, core.HealthWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load diagnostic results: %w", err)
	}
	score := core.ComputeHealthScore(recent)
	return &HealthReport{
		ApplicationID: target.ApplicationID,
		Subdomain:     target.Subdomain,
		Score:         score,
		Status:        core.StatusForScore(score),
		Samples:       len(recent),
	}, nil
}

// refreshHealth stores the recomputed score on the application, or on the
// related domain entry for a subdomain target.
func (s *Service) refreshHealth(ctx context.Context, app *core.Application, target core.Target) (*HealthReport, error) {
	health, err := s.computeHealth(ctx, target)
	if err != nil {
		return nil, err
	}

	if !target.IsSubdomain() {
		if err := s.apps.UpdateHealth(ctx, app.ID, health.Score, health.Status); err != nil {
			return nil, fmt.Errorf("failed to update health: %w", err)
		}
	} else if err := s.apps.UpdateRelatedDomainHealth(ctx, app.ID, target.Subdomain, health.Score, health.Status); err != nil {
		return nil, fmt.Errorf("failed to update subdomain health: %w", err)
	}
	s.metrics.RecordHealthScore(app, target.Domain, health.Score)
	return health, nil
}

// GetHealthScore recomputes the score from stored results without running
// any check.
func (s *Service) GetHealthScore(ctx context.Context, appID, subdomain string) (*HealthReport, error) {
	_, target, err := s.resolve(ctx, appID, subdomain)
	if err != nil {
		return nil, err
	}
	return s.computeHealth(ctx, target)
}

func (s *Service) CreateBackup(ctx context.Context, appID, subdomain, label string) (*core.Backup, error) {
	_, target, err := s.resolve(ctx, appID, subdomain)
	if err != nil {
		return nil, err
	}
	if label == "" {
		label = "manual"
	}
	return s.backups.CreateBackup(ctx, target, label)
}

func (s *Service) Rollback(ctx context.Context, appID, subdomain, backupID string) (*backup.RollbackResult, error) {
	_, target, err := s.resolve(ctx, appID, subdomain)
	if err != nil {
		return nil, err
	}
	return s.backups.Rollback(ctx, target, backupID)
}

func (s *Service) ListBackups(ctx context.Context, appID string) ([]core.Backup, error) {
	_, target, err := s.resolve(ctx, appID, "")
	if err != nil {
		return nil, err
	}
	return s.backups.ListBackups(ctx, target)
}

func (s *Service) DeleteBackup(ctx context.Context, appID, backupID string) error {
	_, target, err := s.resolve(ctx, appID, "")
	if err != nil {
		return err
	}
	return s.backups.DeleteBackup(ctx, target, backupID)
}

func (s *Service) ResetCircuitBreaker(ctx context.Context, appID string) error {
	if err := s.breaker.ManualReset(ctx, appID); err != nil {
		return err
	}
	s.audit.Record(ctx, core.AuditEvent{
		Type:          core.AuditCircuitReset,
		ApplicationID: appID,
		Message:       "circuit breaker reset manually",
		CreatedAt:     s.now(),
	})
	return nil
}
