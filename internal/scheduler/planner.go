package scheduler

import (
	"context"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/detector"
	"go.uber.org/zap"
)

// Planner periodically enqueues re-detection for applications whose stack
// is still unknown and diagnosis for every healer-enabled target.
type Planner struct {
	apps     core.ApplicationRepository
	queue    core.TaskQueue
	detector *detector.Detector
	logger   *zap.Logger
	interval time.Duration
}

func NewPlanner(apps core.ApplicationRepository, q core.TaskQueue, det *detector.Detector, logger *zap.Logger, interval time.Duration) *Planner {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Planner{apps: apps, queue: q, detector: det, logger: logger.Named("planner"), interval: interval}
}

func (p *Planner) Start(ctx context.Context) {
	p.logger.Info("Starting planner", zap.Duration("interval", p.interval))

	p.Plan(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping planner")
			return
		case <-ticker.C:
			p.Plan(ctx)
		}
	}
}

// PlanStats counts what one Plan call enqueued.
type PlanStats struct {
	Detections int
	Diagnoses  int
	Failed     int
}

func (p *Planner) Plan(ctx context.Context) PlanStats {
	var stats PlanStats
	apps, err := p.apps.ListApplications(ctx, core.ApplicationFilter{})
	if err != nil {
		p.logger.Error("Failed to list applications", zap.Error(err))
		return stats
	}

	submit := func(kind core.TaskKind, payload map[string]interface{}) bool {
		if _, err := p.queue.Submit(ctx, kind, payload); err != nil {
			p.logger.Warn("Failed to enqueue task", zap.String("kind", string(kind)), zap.Error(err))
			stats.Failed++
			return false
		}
		return true
	}

	for _, app := range apps {
		if p.detector.ShouldRetry(app) {
			if submit(core.TaskTechStackDetection, map[string]interface{}{KeyApplicationID: app.ID}) {
				stats.Detections++
			}
			continue
		}
		if app.TechStack != core.StackUnknown && app.IsHealerEnabled {
			if submit(core.TaskDiagnosis, map[string]interface{}{KeyApplicationID: app.ID}) {
				stats.Diagnoses++
			}
		}
		for _, rd := range app.RelatedDomains {
			if !rd.IsHealerEnabled || rd.TechStack == "" || rd.TechStack == core.StackUnknown {
				continue
			}
			if submit(core.TaskDiagnosis, map[string]interface{}{KeyApplicationID: app.ID, KeySubdomain: rd.Domain}) {
				stats.Diagnoses++
			}
		}
	}

	p.logger.Info("Planned periodic work",
		zap.Int("applications", len(apps)),
		zap.Int("detections", stats.Detections),
		zap.Int("diagnoses", stats.Diagnoses),
		zap.Int("failed", stats.Failed),
	)
	return stats
}
