package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/metrics"
	"github.com/leozw/site-healer/internal/remote"
	"go.uber.org/zap"
)

const probeTimeout = 30 * time.Second

type Options struct {
	// MaxAttempts caps automatic re-detection of an UNKNOWN application.
	MaxAttempts int
	// RetryAfter is the minimum gap between two automatic attempts.
	RetryAfter time.Duration
}

type Detector struct {
	exec    core.Executor
	apps    core.ApplicationRepository
	audit   core.AuditSink
	metrics *metrics.Collector
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
}

// Result is the outcome of DetectAll: the main path plus each related
// domain keyed by domain name.
type Result struct {
	Main    Detection            `json:"main"`
	Related map[string]Detection `json:"related,omitempty"`
}

func New(exec core.Executor, apps core.ApplicationRepository, audit core.AuditSink, m *metrics.Collector, logger *zap.Logger, opts Options) *Detector {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Hour
	}
	return &Detector{
		exec:    exec,
		apps:    apps,
		audit:   audit,
		metrics: m,
		logger:  logger.Named("detector"),
		opts:    opts,
		now:     time.Now,
	}
}

// Probe runs the composite script against one path and classifies the
// result. Only a failed remote call returns an error.
func (d *Detector) Probe(ctx context.Context, serverID, path string) (Detection, error) {
	out, err := d.exec.Execute(ctx, serverID, Script(path), probeTimeout)
	if err != nil {
		return Detection{Stack: core.StackUnknown}, fmt.Errorf("failed to probe %s: %w", path, err)
	}
	det := Classify(remote.ParseFacts(out))
	d.metrics.RecordDetection(det.Stack, det.Confidence)
	return det, nil
}

// DetectApplication classifies the main path of an application and stores
// the result. Applications whose stack was set manually are left alone.
func (d *Detector) DetectApplication(ctx context.Context, appID string) (*core.Application, Detection, error) {
	app, err := d.apps.GetApplication(ctx, appID)
	if err != nil {
		return nil, Detection{}, err
	}
	det, err := d.detectMain(ctx, app)
	return app, det, err
}

func (d *Detector) detectMain(ctx context.Context, app *core.Application) (Detection, error) {
	logger := d.logger.With(
		zap.String("application_id", app.ID),
		zap.String("domain", app.Domain),
		zap.String("path", app.Path),
	)

	det, err := d.Probe(ctx, app.ServerID, app.Path)
	if err != nil || !det.Known() {
		now := d.now()
		if recErr := d.apps.RecordDetectionAttempt(ctx, app.ID, now); recErr != nil {
			logger.Warn("Failed to record detection attempt", zap.Error(recErr))
		}
		app.DetectionAttempts++
		app.LastDetectionAttempt = &now

		msg := "technology stack could not be determined"
		if err != nil {
			msg = err.Error()
		}
		d.audit.Record(ctx, core.AuditEvent{
			Type:          core.AuditDetectionFailed,
			ApplicationID: app.ID,
			ServerID:      app.ServerID,
			Message:       msg,
			Details:       core.JSONB{"path": app.Path, "attempt": app.DetectionAttempts},
			CreatedAt:     now,
		})
		logger.Info("Stack detection inconclusive", zap.Int("attempt", app.DetectionAttempts), zap.Error(err))
		return det, err
	}

	if app.DetectionMethod == core.DetectionManual && app.TechStack != core.StackUnknown {
		logger.Debug("Keeping manually assigned stack", zap.String("stack", string(app.TechStack)))
		return det, nil
	}

	stored := det.stored()
	if err := d.apps.UpdateDetection(ctx, app.ID, stored); err != nil {
		return det, fmt.Errorf("failed to store detection: %w", err)
	}
	app.TechStack = stored.Stack
	app.TechStackVersion = stored.Version
	app.DetectionConfidence = stored.Confidence
	app.DetectionMethod = core.DetectionAuto
	app.DetectionAttempts = 0

	logger.Info("Stack detected",
		zap.String("stack", string(det.Stack)),
		zap.String("version", det.Version),
		zap.Float64("confidence", det.Confidence),
	)
	return det, nil
}

// DetectAll classifies the main path and every related domain. Paths are
// probed one after another.
func (d *Detector) DetectAll(ctx context.Context, appID string) (*Result, error) {
	app, err := d.apps.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}

	mainDet, err := d.detectMain(ctx, app)
	if err != nil {
		d.logger.Warn("Main path detection failed", zap.String("application_id", app.ID), zap.Error(err))
	}
	result := &Result{Main: mainDet, Related: make(map[string]Detection, len(app.RelatedDomains))}

	if len(app.RelatedDomains) == 0 {
		return result, nil
	}

	related, err := d.DetectRelated(ctx, app)
	if err != nil {
		return result, err
	}
	result.Related = related
	return result, nil
}

// DetectRelated classifies each related domain of app and stores each
// entry's result on its own. A failed probe leaves that entry's previous
// stack in place.
func (d *Detector) DetectRelated(ctx context.Context, app *core.Application) (map[string]Detection, error) {
	results := make(map[string]Detection, len(app.RelatedDomains))
	var storeErr error

	for i := range app.RelatedDomains {
		rd := &app.RelatedDomains[i]
		if rd.Path == "" {
			continue
		}
		logger := d.logger.With(zap.String("application_id", app.ID), zap.String("domain", rd.Domain))
		det, err := d.Probe(ctx, app.ServerID, rd.Path)
		if err != nil {
			logger.Warn("Related domain detection failed", zap.Error(err))
			continue
		}
		results[rd.Domain] = det

		stored := det.stored()
		if err := d.apps.UpdateRelatedDomainDetection(ctx, app.ID, rd.Domain, stored); err != nil {
			logger.Warn("Failed to store related domain detection", zap.Error(err))
			storeErr = fmt.Errorf("failed to store related domain detection: %w", err)
			continue
		}
		rd.TechStack = stored.Stack
		rd.DetectionConfidence = stored.Confidence
		if stored.Version != nil {
			rd.TechStackVersion = stored.Version
		}
	}
	return results, storeErr
}

// ShouldRetry reports whether an automatic re-detection may run now.
func (d *Detector) ShouldRetry(app *core.Application) bool {
	return ShouldRetry(app, d.now(), d.opts.MaxAttempts, d.opts.RetryAfter)
}

// ShouldRetry is true for automatically detected UNKNOWN applications that
// have attempts left and whose last attempt is older than interval.
func ShouldRetry(app *core.Application, now time.Time, maxAttempts int, interval time.Duration) bool {
	if app.TechStack != core.StackUnknown || app.DetectionMethod == core.DetectionManual {
		return false
	}
	if app.DetectionAttempts >= maxAttempts {
		return false
	}
	if app.LastDetectionAttempt == nil {
		return true
	}
	return now.Sub(*app.LastDetectionAttempt) >= interval
}
