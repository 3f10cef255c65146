package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/storage/redis"
	goredis "github.com/redis/go-redis/v9"
)

var ErrTimeout = errors.New("queue timeout")

const progressTTL = 24 * time.Hour

type Task struct {
	ID        string                 `json:"id"`
	Kind      core.TaskKind          `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	Priority  int                    `json:"priority"`
	CreatedAt time.Time              `json:"created_at"`
}

// String reads a payload field, returning "" when absent or not a string.
func (t *Task) String(key string) string {
	v, _ := t.Payload[key].(string)
	return v
}

// Bool reads a payload field, returning false when absent.
func (t *Task) Bool(key string) bool {
	v, _ := t.Payload[key].(bool)
	return v
}

// Strings reads a list payload field. JSON decoding yields []interface{}.
func (t *Task) Strings(key string) []string {
	switch v := t.Payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RedisQueue keeps one sorted set per task kind and the progress of each
// task as a JSON document.
type RedisQueue struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

func queueName(kind core.TaskKind) string {
	return "healer:tasks:" + string(kind)
}

func progressKey(taskID string) string {
	return "healer:task:" + taskID
}

// Submit enqueues a task and records it as queued.
func (q *RedisQueue) Submit(ctx context.Context, kind core.TaskKind, payload map[string]interface{}) (string, error) {
	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now(),
	}
	if err := q.UpdateProgress(ctx, &core.TaskProgress{TaskID: task.ID, Kind: kind, Status: core.TaskQueued}); err != nil {
		return "", err
	}
	if err := q.Push(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (q *RedisQueue) Push(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	// Lower score pops first; unprioritized tasks are FIFO by creation time.
	score := float64(task.Priority)
	if score == 0 {
		score = float64(task.CreatedAt.UnixMilli())
	}

	err = q.client.ZAdd(ctx, queueName(task.Kind), goredis.Z{
		Score:  score,
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, kind core.TaskKind, timeout time.Duration) (*Task, error) {
	result, err := q.client.BZPopMin(ctx, timeout, queueName(kind)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}

	raw, ok := result.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %T", result.Member)
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

func (q *RedisQueue) Length(ctx context.Context, kind core.TaskKind) (int64, error) {
	return q.client.ZCard(ctx, queueName(kind)).Result()
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, p *core.TaskProgress) error {
	p.UpdatedAt = q.now()
	if err := q.client.SetJSON(ctx, progressKey(p.TaskID), p, progressTTL); err != nil {
		return fmt.Errorf("failed to store task progress: %w", err)
	}
	return nil
}

func (q *RedisQueue) GetProgress(ctx context.Context, taskID string) (*core.TaskProgress, error) {
	var p core.TaskProgress
	if err := q.client.GetJSON(ctx, progressKey(taskID), &p); err != nil {
		if errors.Is(err, redis.ErrMiss) {
			return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load task progress: %w", err)
	}
	return &p, nil
}
