package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/metrics"
	"github.com/leozw/site-healer/internal/queue"
	"go.uber.org/zap"
)

// TaskSource is the consuming side of queue.RedisQueue.
type TaskSource interface {
	Pop(ctx context.Context, kind core.TaskKind, timeout time.Duration) (*queue.Task, error)
	Length(ctx context.Context, kind core.TaskKind) (int64, error)
	UpdateProgress(ctx context.Context, p *core.TaskProgress) error
}

// Handler processes one task and reports per-item progress on tracker.
type Handler func(ctx context.Context, task *queue.Task, tracker *queue.Tracker) error

type Worker struct {
	id          int
	kind        core.TaskKind
	source      TaskSource
	handler     Handler
	metrics     *metrics.Collector
	logger      *zap.Logger
	pollTimeout time.Duration
}

func NewWorker(id int, kind core.TaskKind, source TaskSource, handler Handler, m *metrics.Collector, logger *zap.Logger, pollTimeout time.Duration) *Worker {
	return &Worker{
		id:          id,
		kind:        kind,
		source:      source,
		handler:     handler,
		metrics:     m,
		logger:      logger.With(zap.Int("worker_id", id), zap.String("kind", string(kind))),
		pollTimeout: pollTimeout,
	}
}

// Start pops tasks until ctx is cancelled. It only returns ctx's error.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Worker stopped")
			return nil
		default:
		}

		task, err := w.source.Pop(ctx, w.kind, w.pollTimeout)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Failed to pop task", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *queue.Task) {
	start := time.Now()
	logger := w.logger.With(zap.String("task_id", task.ID))
	tracker := queue.NewTracker(task.ID, task.Kind, 1)
	w.report(ctx, tracker)

	err := w.runSafe(ctx, task, tracker)
	tracker.Finish(err)
	w.report(ctx, tracker)
	w.metrics.RecordTask(task.Kind, err == nil)

	if err != nil {
		logger.Error("Task failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	logger.Debug("Task completed", zap.Duration("duration", time.Since(start)))
}

func (w *Worker) runSafe(ctx context.Context, task *queue.Task, tracker *queue.Tracker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task handler panicked")
			w.logger.Error("Task handler panicked", zap.Any("panic", r), zap.String("task_id", task.ID))
		}
	}()
	return w.handler(ctx, task, tracker)
}

func (w *Worker) report(ctx context.Context, tracker *queue.Tracker) {
	if err := w.source.UpdateProgress(ctx, tracker.Snapshot()); err != nil {
		w.logger.Warn("Failed to update task progress", zap.Error(err))
	}
}
