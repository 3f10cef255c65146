package scheduler

import (
	"context"
	"time"

	"github.com/leozw/site-healer/internal/config"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs one bounded pool of workers per task kind.
type Scheduler struct {
	source   TaskSource
	handlers map[core.TaskKind]Handler
	sizes    map[core.TaskKind]int
	metrics  *metrics.Collector
	logger   *zap.Logger
	poll     time.Duration
}

// PoolSizes maps the worker configuration onto task kinds.
func PoolSizes(cfg config.WorkersConfig) map[core.TaskKind]int {
	return map[core.TaskKind]int{
		core.TaskDiscovery:          cfg.Discovery,
		core.TaskMetadata:           cfg.Metadata,
		core.TaskSubdomainDetection: cfg.SubdomainDetection,
		core.TaskTechStackDetection: cfg.TechStackDetection,
		core.TaskDiagnosis:          cfg.Diagnosis,
	}
}

func NewScheduler(source TaskSource, handlers map[core.TaskKind]Handler, cfg config.WorkersConfig, m *metrics.Collector, logger *zap.Logger) *Scheduler {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Scheduler{
		source:   source,
		handlers: handlers,
		sizes:    PoolSizes(cfg),
		metrics:  m,
		logger:   logger.Named("scheduler"),
		poll:     poll,
	}
}

// Start blocks until ctx is cancelled and every worker has returned.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	total := 0
	for kind, handler := range s.handlers {
		size := s.sizes[kind]
		if size <= 0 {
			size = 1
		}
		for i := 0; i < size; i++ {
			w := NewWorker(total, kind, s.source, handler, s.metrics, s.logger, s.poll)
			g.Go(func() error { return w.Start(ctx) })
			total++
		}
		s.logger.Info("Started worker pool", zap.String("kind", string(kind)), zap.Int("workers", size))
	}

	g.Go(func() error {
		s.reportDepth(ctx)
		return nil
	})

	err := g.Wait()
	s.logger.Info("Scheduler stopped", zap.Int("workers", total))
	return err
}

func (s *Scheduler) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for kind := range s.handlers {
				n, err := s.source.Length(ctx, kind)
				if err != nil {
					s.logger.Debug("Failed to read queue depth", zap.String("kind", string(kind)), zap.Error(err))
					continue
				}
				s.metrics.RecordQueueDepth(kind, n)
			}
		}
	}
}
