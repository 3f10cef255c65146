package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leozw/site-healer/internal/config"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/detector"
	"github.com/leozw/site-healer/internal/queue"
	"github.com/leozw/site-healer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memorySource is an in-process TaskSource.
type memorySource struct {
	mu       sync.Mutex
	tasks    map[core.TaskKind][]*queue.Task
	progress map[string][]core.TaskProgress
}

func newMemorySource(tasks ...*queue.Task) *memorySource {
	s := &memorySource{tasks: map[core.TaskKind][]*queue.Task{}, progress: map[string][]core.TaskProgress{}}
	for _, t := range tasks {
		s.tasks[t.Kind] = append(s.tasks[t.Kind], t)
	}
	return s
}

func (s *memorySource) Pop(ctx context.Context, kind core.TaskKind, timeout time.Duration) (*queue.Task, error) {
	s.mu.Lock()
	if q := s.tasks[kind]; len(q) > 0 {
		s.tasks[kind] = q[1:]
		s.mu.Unlock()
		return q[0], nil
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, queue.ErrTimeout
	}
}

func (s *memorySource) Length(ctx context.Context, kind core.TaskKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tasks[kind])), nil
}

func (s *memorySource) UpdateProgress(ctx context.Context, p *core.TaskProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[p.TaskID] = append(s.progress[p.TaskID], *p)
	return nil
}

func (s *memorySource) last(id string) (core.TaskProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.progress[id]
	if len(h) == 0 {
		return core.TaskProgress{}, false
	}
	return h[len(h)-1], true
}

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Submit(ctx context.Context, kind core.TaskKind, payload map[string]interface{}) (string, error) {
	args := m.Called(kind, payload)
	return args.String(0), args.Error(1)
}

func (m *mockQueue) GetProgress(ctx context.Context, taskID string) (*core.TaskProgress, error) {
	args := m.Called(taskID)
	p, _ := args.Get(0).(*core.TaskProgress)
	return p, args.Error(1)
}

func TestWorker_ProcessRecordsProgress(t *testing.T) {
	ok := &queue.Task{ID: "ok", Kind: core.TaskMetadata}
	bad := &queue.Task{ID: "bad", Kind: core.TaskMetadata}
	panicky := &queue.Task{ID: "panic", Kind: core.TaskMetadata}
	source := newMemorySource()

	handler := func(ctx context.Context, task *queue.Task, tr *queue.Tracker) error {
		switch task.ID {
		case "bad":
			return errors.New("ssh: handshake failed")
		case "panic":
			panic("nil map")
		}
		tr.Step(nil)
		return nil
	}
	w := NewWorker(0, core.TaskMetadata, source, handler, nil, zaptest.NewLogger(t), time.Millisecond)

	for _, task := range []*queue.Task{ok, bad, panicky} {
		w.process(context.Background(), task)
	}

	p, found := source.last("ok")
	require.True(t, found)
	assert.Equal(t, core.TaskCompleted, p.Status)
	assert.Equal(t, 100, p.Percent)

	p, _ = source.last("bad")
	assert.Equal(t, core.TaskFailed, p.Status)
	assert.Contains(t, p.Errors, "ssh: handshake failed")

	p, _ = source.last("panic")
	assert.Equal(t, core.TaskFailed, p.Status)
}

func TestScheduler_DrainsQueuesAndStops(t *testing.T) {
	var tasks []*queue.Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, &queue.Task{ID: string(rune('a' + i)), Kind: core.TaskTechStackDetection})
	}
	source := newMemorySource(tasks...)

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{})
	handler := func(ctx context.Context, task *queue.Task, tr *queue.Tracker) error {
		mu.Lock()
		defer mu.Unlock()
		seen[task.ID] = true
		if len(seen) == len(tasks) {
			close(done)
		}
		return nil
	}

	s := NewScheduler(source, map[core.TaskKind]Handler{core.TaskTechStackDetection: handler},
		config.WorkersConfig{TechStackDetection: 4, PollTimeout: time.Millisecond}, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks were not drained")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestPoolSizes(t *testing.T) {
	sizes := PoolSizes(config.WorkersConfig{Discovery: 4, Metadata: 10, SubdomainDetection: 10, TechStackDetection: 10, Diagnosis: 4})

	assert.Equal(t, 4, sizes[core.TaskDiscovery])
	assert.Equal(t, 10, sizes[core.TaskMetadata])
	assert.Equal(t, 10, sizes[core.TaskSubdomainDetection])
	assert.Equal(t, 10, sizes[core.TaskTechStackDetection])
	assert.Equal(t, 4, sizes[core.TaskDiagnosis])
}

func TestPlanner_Plan(t *testing.T) {
	unknown := core.NewApplication("a-unknown", "srv-1", "new.example.com", "/home/new/public_html")

	exhausted := core.NewApplication("a-exhausted", "srv-1", "old.example.com", "/home/old/public_html")
	exhausted.DetectionAttempts = 3

	healthy := core.NewApplication("a-wp", "srv-1", "example.com", "/home/acme/public_html")
	healthy.TechStack = core.StackWordPress
	healthy.IsHealerEnabled = true
	healthy.RelatedDomains = core.RelatedDomains{
		{Domain: "blog.example.com", Path: "/home/acme/blog", TechStack: core.StackWordPress, IsHealerEnabled: true},
		{Domain: "shop.example.com", Path: "/home/acme/shop", TechStack: core.StackWordPress},
		{Domain: "cdn.example.com", Path: "/home/acme/cdn", TechStack: core.StackUnknown, IsHealerEnabled: true},
	}

	disabled := core.NewApplication("a-off", "srv-1", "off.example.com", "/home/off/public_html")
	disabled.TechStack = core.StackLaravel

	store := testutil.NewMemoryStore(unknown, exhausted, healthy, disabled)
	logger := zaptest.NewLogger(t)
	det := detector.New(testutil.NewExecutor(), store, store, nil, logger, detector.Options{})

	q := &mockQueue{}
	q.On("Submit", core.TaskTechStackDetection, map[string]interface{}{KeyApplicationID: "a-unknown"}).Return("t1", nil).Once()
	q.On("Submit", core.TaskDiagnosis, map[string]interface{}{KeyApplicationID: "a-wp"}).Return("t2", nil).Once()
	q.On("Submit", core.TaskDiagnosis, map[string]interface{}{KeyApplicationID: "a-wp", KeySubdomain: "blog.example.com"}).Return("t3", nil).Once()

	stats := NewPlanner(store, q, det, logger, time.Minute).Plan(context.Background())

	assert.Equal(t, PlanStats{Detections: 1, Diagnoses: 2}, stats)
	q.AssertExpectations(t)
}
