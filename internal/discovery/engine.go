// Package discovery enumerates application roots on a server and registers
// them without creating two records for the same path.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/metrics"
	"go.uber.org/zap"
)

type Options struct {
	ServerID string
	// Paths restricts the scan to these roots and forces the filesystem
	// strategy.
	Paths           []string
	StackFilter     []core.StackKind
	ForceRediscover bool
}

type Report struct {
	ServerID     string        `json:"server_id"`
	Strategy     string        `json:"strategy"`
	Found        int           `json:"found"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Skipped      int           `json:"skipped"`
	Applications []string      `json:"applications"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

type Strategy interface {
	Name() string
	Available(ctx context.Context, serverID string) (bool, error)
	Candidates(ctx context.Context, serverID string, opts Options) ([]Candidate, error)
}

type Config struct {
	ChunkSize int
	MaxDepth  int
	Paths     []string
}

type Engine struct {
	servers core.ServerRegistry
	apps    core.ApplicationRepository
	audit   core.AuditSink
	metrics *metrics.Collector
	logger  *zap.Logger

	cpanel  Strategy
	generic Strategy
	newID   func() string
	now     func() time.Time
}

func NewEngine(exec core.Executor, servers core.ServerRegistry, apps core.ApplicationRepository, audit core.AuditSink, m *metrics.Collector, logger *zap.Logger, cfg Config) *Engine {
	logger = logger.Named("discovery")
	return &Engine{
		servers: servers,
		apps:    apps,
		audit:   audit,
		metrics: m,
		logger:  logger,
		cpanel:  NewCPanelStrategy(exec, logger, cfg.ChunkSize),
		generic: NewGenericStrategy(exec, logger, cfg.Paths, cfg.MaxDepth),
		newID:   func() string { return uuid.New().String() },
		now:     time.Now,
	}
}

// Discover registers every application root found on the server. A single
// path failing to register is reported in Report.Errors and does not stop
// the run.
func (e *Engine) Discover(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{ServerID: opts.ServerID}
	logger := e.logger.With(zap.String("server_id", opts.ServerID))

	if e.servers != nil {
		ok, err := e.servers.ServerExists(ctx, opts.ServerID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up server: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("server %s: %w", opts.ServerID, core.ErrNotFound)
		}
	}

	strategy, candidates, err := e.collect(ctx, opts)
	if err != nil {
		e.audit.Record(ctx, core.AuditEvent{
			Type:      core.AuditDiscoveryFailed,
			ServerID:  opts.ServerID,
			Message:   err.Error(),
			CreatedAt: e.now(),
		})
		return nil, err
	}
	report.Strategy = strategy.Name()

	if strategy == e.generic {
		registered, err := e.registeredPaths(ctx, opts.ServerID)
		if err != nil {
			return nil, err
		}
		candidates = Dedupe(candidates, registered)
	}
	candidates = filterStacks(candidates, opts.StackFilter)
	report.Found = len(candidates)

	for _, c := range candidates {
		id, outcome, err := e.upsert(ctx, opts, c)
		if err != nil {
			msg := fmt.Sprintf("%s: %v", c.Path, err)
			report.Errors = append(report.Errors, msg)
			logger.Warn("Failed to register application", zap.String("path", c.Path), zap.Error(err))
			e.audit.Record(ctx, core.AuditEvent{
				Type:      core.AuditDiscoveryFailed,
				ServerID:  opts.ServerID,
				Message:   msg,
				Details:   core.JSONB{"path": c.Path, "domain": c.Domain},
				CreatedAt: e.now(),
			})
			continue
		}
		switch outcome {
		case outcomeCreated:
			report.Created++
			report.Applications = append(report.Applications, id)
		case outcomeUpdated:
			report.Updated++
			report.Applications = append(report.Applications, id)
		default:
			report.Skipped++
		}
	}

	report.Duration = time.Since(start)
	e.metrics.RecordDiscovery(opts.ServerID, report.Strategy, report.Created, report.Updated, report.Skipped, len(report.Errors))
	logger.Info("Discovery finished",
		zap.String("strategy", report.Strategy),
		zap.Int("found", report.Found),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// collect prefers the control panel registry and falls back to scanning.
func (e *Engine) collect(ctx context.Context, opts Options) (Strategy, []Candidate, error) {
	if len(opts.Paths) == 0 {
		ok, err := e.cpanel.Available(ctx, opts.ServerID)
		switch {
		case err != nil:
			e.logger.Warn("Control panel probe failed, scanning filesystem",
				zap.String("server_id", opts.ServerID), zap.Error(err))
		case ok:
			candidates, err := e.cpanel.Candidates(ctx, opts.ServerID, opts)
			if err == nil {
				return e.cpanel, candidates, nil
			}
			e.logger.Warn("Control panel discovery failed, scanning filesystem",
				zap.String("server_id", opts.ServerID), zap.Error(err))
		}
	}

	candidates, err := e.generic.Candidates(ctx, opts.ServerID, opts)
	if err != nil {
		return e.generic, nil, err
	}
	return e.generic, candidates, nil
}

func (e *Engine) registeredPaths(ctx context.Context, serverID string) ([]string, error) {
	apps, err := e.apps.ListApplications(ctx, core.ApplicationFilter{ServerID: serverID})
	if err != nil {
		return nil, fmt.Errorf("failed to list registered applications: %w", err)
	}
	paths := make([]string, len(apps))
	for i, a := range apps {
		paths[i] = a.Path
	}
	return paths, nil
}

// filterStacks keeps candidates whose best guess is in filter. Candidates
// without a guess are kept because their stack is resolved later.
func filterStacks(candidates []Candidate, filter []core.StackKind) []Candidate {
	if len(filter) == 0 {
		return candidates
	}
	allowed := make(map[core.StackKind]bool, len(filter))
	for _, k := range filter {
		allowed[k] = true
	}
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.Stack == core.StackUnknown || c.Stack == "" || allowed[c.Stack] {
			out = append(out, c)
		}
	}
	return out
}

type upsertOutcome int

const (
	outcomeSkipped upsertOutcome = iota
	outcomeCreated
	outcomeUpdated
)

func (e *Engine) upsert(ctx context.Context, opts Options, c Candidate) (string, upsertOutcome, error) {
	existing, err := e.apps.GetApplicationByPath(ctx, opts.ServerID, c.Path)
	switch {
	case errors.Is(err, core.ErrNotFound):
		app := core.NewApplication(e.newID(), opts.ServerID, c.Domain, c.Path)
		applyCandidate(app, c)
		if err := e.apps.CreateApplication(ctx, app); err != nil {
			return "", outcomeSkipped, fmt.Errorf("failed to create application: %w", err)
		}
		return app.ID, outcomeCreated, nil
	case err != nil:
		return "", outcomeSkipped, fmt.Errorf("failed to look up application: %w", err)
	}

	if !opts.ForceRediscover {
		return existing.ID, outcomeSkipped, nil
	}

	if c.Domain != "" {
		existing.Domain = c.Domain
	}
	applyCandidate(existing, c)
	existing.UpdatedAt = e.now()
	if err := e.apps.UpdateApplication(ctx, existing); err != nil {
		return "", outcomeSkipped, fmt.Errorf("failed to update application: %w", err)
	}
	return existing.ID, outcomeUpdated, nil
}

// applyCandidate copies discovery facts onto a record without overwriting a
// stack that detection or an operator already resolved.
func applyCandidate(app *core.Application, c Candidate) {
	if app.TechStack == core.StackUnknown && c.Stack != "" && c.Stack != core.StackUnknown {
		app.TechStack = c.Stack
		app.DetectionConfidence = c.Confidence
	}
	if c.Related != nil {
		app.RelatedDomains = mergeRelated(app.RelatedDomains, c.Related)
	}
	if app.Metadata == nil {
		app.Metadata = core.JSONB{}
	}
	if c.Owner != "" {
		app.Metadata["owner"] = c.Owner
	}
	if len(c.Indicators) > 0 {
		app.Metadata["indicators"] = c.Indicators
	}
}

// mergeRelated keeps per-domain state (stack, health, healing settings) for
// domains that are still present and adds new ones.
func mergeRelated(current, discovered core.RelatedDomains) core.RelatedDomains {
	byDomain := make(map[string]core.RelatedDomain, len(current))
	for _, rd := range current {
		byDomain[rd.Domain] = rd
	}
	out := make(core.RelatedDomains, 0, len(discovered))
	for _, rd := range discovered {
		if prev, ok := byDomain[rd.Domain]; ok {
			prev.Path = rd.Path
			prev.Relation = rd.Relation
			out = append(out, prev)
			continue
		}
		out = append(out, rd)
	}
	return out
}
