package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/detector"
	"github.com/leozw/site-healer/internal/discovery"
	"github.com/leozw/site-healer/internal/healing"
	"github.com/leozw/site-healer/internal/metadata"
	"github.com/leozw/site-healer/internal/queue"
	"go.uber.org/zap"
)

// Payload keys shared by producers and handlers.
const (
	KeyServerID        = "server_id"
	KeyPaths           = "paths"
	KeyStackFilter     = "stack_filter"
	KeyForceRediscover = "force_rediscover"
	KeyApplicationID   = "application_id"
	KeySubdomain       = "subdomain"
)

// Handlers binds task kinds to service operations.
type Handlers struct {
	Service  *healing.Service
	Detector *detector.Detector
	Apps     core.ApplicationRepository
	Metadata *metadata.Collector
	Queue    core.TaskQueue
	AutoHeal bool
	Logger   *zap.Logger
}

func (h *Handlers) Map() map[core.TaskKind]Handler {
	return map[core.TaskKind]Handler{
		core.TaskDiscovery:          h.discover,
		core.TaskMetadata:           h.collectMetadata,
		core.TaskSubdomainDetection: h.detectSubdomains,
		core.TaskTechStackDetection: h.detectTechStack,
		core.TaskDiagnosis:          h.diagnose,
	}
}

func requireString(task *queue.Task, key string) (string, error) {
	v := task.String(key)
	if v == "" {
		return "", fmt.Errorf("task %s: missing %s", task.ID, key)
	}
	return v, nil
}

// discover registers applications and fans the follow-up work for every
// created or updated one out to the other pools.
func (h *Handlers) discover(ctx context.Context, task *queue.Task, tracker *queue.Tracker) error {
	serverID, err := requireString(task, KeyServerID)
	if err != nil {
		return err
	}
	opts := discovery.Options{
		ServerID:        serverID,
		Paths:           task.Strings(KeyPaths),
		ForceRediscover: task.Bool(KeyForceRediscover),
	}
	for _, s := range task.Strings(KeyStackFilter) {
		if kind, ok := core.ParseStackKind(s); ok {
			opts.StackFilter = append(opts.StackFilter, kind)
		}
	}

	report, err := h.Service.Discover(ctx, opts)
	if err != nil {
		return err
	}
	tracker.SetTotal(len(report.Applications) + len(report.Errors))
	for _, msg := range report.Errors {
		tracker.Step(errors.New(msg))
	}

	for _, appID := range report.Applications {
		payload := map[string]interface{}{KeyApplicationID: appID}
		var stepErr error
		for _, kind := range []core.TaskKind{core.TaskTechStackDetection, core.TaskSubdomainDetection, core.TaskMetadata} {
			if _, err := h.Queue.Submit(ctx, kind, payload); err != nil {
				stepErr = fmt.Errorf("failed to enqueue %s for %s: %w", kind, appID, err)
			}
		}
		tracker.Step(stepErr)
	}
	return nil
}

func (h *Handlers) collectMetadata(ctx context.Context, task *queue.Task, tracker *queue.Tracker) error {
	appID, err := requireString(task, KeyApplicationID)
	if err != nil {
		return err
	}
	_, err = h.Metadata.Collect(ctx, appID)
	tracker.Step(err)
	return err
}

func (h *Handlers) detectSubdomains(ctx context.Context, task *queue.Task, tracker *queue.Tracker) error {
	appID, err := requireString(task, KeyApplicationID)
	if err != nil {
		return err
	}
	app, err := h.Apps.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	tracker.SetTotal(len(app.RelatedDomains))
	detections, err := h.Detector.DetectRelated(ctx, app)
	for _, rd := range app.RelatedDomains {
		if _, ok := detections[rd.Domain]; ok {
			tracker.Step(nil)
			continue
		}
		tracker.Step(fmt.Errorf("detection failed for %s", rd.Domain))
	}
	return err
}

func (h *Handlers) detectTechStack(ctx context.Context, task *queue.Task, tracker *queue.Tracker) error {
	appID, err := requireString(task, KeyApplicationID)
	if err != nil {
		return err
	}
	_, det, err := h.Service.DetectTechStack(ctx, appID)
	if err == nil && !det.Known() {
		h.Logger.Debug("Stack still unknown", zap.String("application_id", appID))
	}
	tracker.Step(err)
	return err
}

// diagnose runs a diagnosis and, when enabled, heals what the target's
// mode allows.
func (h *Handlers) diagnose(ctx context.Context, task *queue.Task, tracker *queue.Tracker) error {
	appID, err := requireString(task, KeyApplicationID)
	if err != nil {
		return err
	}
	report, err := h.Service.Diagnose(ctx, appID, task.String(KeySubdomain))
	if err != nil {
		return err
	}
	tracker.Step(nil)
	if !h.AutoHeal {
		return nil
	}

	outcomes, err := h.Service.AutoHeal(ctx, report)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		h.Logger.Info("Auto-heal finished",
			zap.String("application_id", appID),
			zap.String("action", o.Action),
			zap.Bool("success", o.Success),
		)
	}
	return nil
}
