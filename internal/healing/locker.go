package healing

import (
	"context"
	"sync"
	"time"

	"github.com/leozw/site-healer/internal/core"
)

// Locker grants a short exclusive lease per key. Acquire does not wait: a
// held key yields core.ErrHealInProgress.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// MutexLocker serializes heals inside one process. Multi-process
// deployments use queue.RedisLocker instead.
type MutexLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{held: make(map[string]struct{})}
}

func (l *MutexLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, core.ErrHealInProgress
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

func lockKey(applicationID string) string {
	return "healer:lock:heal:" + applicationID
}
