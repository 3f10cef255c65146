package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultMaxAttempts = 3

type Options struct {
	MaxAttempts     int
	CommandLogChars int
	// SessionsPerSec bounds how fast new sessions are opened per server.
	// Zero disables the limiter.
	SessionsPerSec float64
	SessionBurst   int
}

// Executor implements core.Executor over a Dialer with the uniform retry
// contract every other component relies on.
type Executor struct {
	servers core.ServerRegistry
	dialer  Dialer
	metrics *metrics.Collector
	logger  *zap.Logger
	opts    Options

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewExecutor(servers core.ServerRegistry, dialer Dialer, metrics *metrics.Collector, logger *zap.Logger, opts Options) *Executor {
	if opts.MaxAttempts <= 0 || opts.MaxAttempts > DefaultMaxAttempts {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CommandLogChars <= 0 {
		opts.CommandLogChars = 100
	}
	return &Executor{
		servers:  servers,
		dialer:   dialer,
		metrics:  metrics,
		logger:   logger.Named("remote"),
		opts:     opts,
		sleep:    sleepContext,
		rand:     defaultRand,
		limiters: make(map[string]*rate.Limiter),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) limiter(serverID string) *rate.Limiter {
	if e.opts.SessionsPerSec <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[serverID]
	if !ok {
		burst := e.opts.SessionBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(e.opts.SessionsPerSec), burst)
		e.limiters[serverID] = l
	}
	return l
}

// Execute runs command on serverID. Connection parameters are looked up on
// every call. Transient failures are retried up to MaxAttempts in total.
func (e *Executor) Execute(ctx context.Context, serverID, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = core.DefaultCommandTimeout
	}
	start := time.Now()
	cmdPreview := preview(command, e.opts.CommandLogChars)

	var lastErr error
	attempt := 0
	for attempt < e.opts.MaxAttempts {
		attempt++

		info, err := e.servers.GetConnectionInfo(ctx, serverID)
		if err != nil {
			e.metrics.RecordRemoteCommand(serverID, attempt, time.Since(start).Seconds(), false)
			return "", fmt.Errorf("failed to resolve server %s: %w", serverID, err)
		}

		if l := e.limiter(serverID); l != nil {
			if err := l.Wait(ctx); err != nil {
				return "", &core.RemoteExecutionError{ServerID: serverID, Attempts: attempt, Err: err}
			}
		}

		e.logger.Debug("Executing remote command",
			zap.String("server_id", serverID),
			zap.Int("attempt", attempt),
			zap.String("command", cmdPreview),
		)

		out, err := e.dialer.Run(ctx, info, command, timeout)
		if err == nil {
			e.metrics.RecordRemoteCommand(serverID, attempt, time.Since(start).Seconds(), true)
			return out, nil
		}
		lastErr = err

		if !IsTransient(err) {
			e.logger.Debug("Remote command failed",
				zap.String("server_id", serverID),
				zap.Int("attempt", attempt),
				zap.String("command", cmdPreview),
				zap.Error(err),
			)
			e.metrics.RecordRemoteCommand(serverID, attempt, time.Since(start).Seconds(), false)
			return out, &core.RemoteExecutionError{ServerID: serverID, Attempts: attempt, Transient: false, Err: err}
		}

		if attempt >= e.opts.MaxAttempts {
			break
		}

		delay := withJitter(Backoff(attempt), e.rand())
		e.logger.Warn("Transient remote failure, retrying",
			zap.String("server_id", serverID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.String("command", cmdPreview),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	e.logger.Error("Remote command failed after retries",
		zap.String("server_id", serverID),
		zap.Int("attempts", attempt),
		zap.String("command", cmdPreview),
		zap.Error(lastErr),
	)
	e.metrics.RecordRemoteCommand(serverID, attempt, time.Since(start).Seconds(), false)
	return "", &core.RemoteExecutionError{ServerID: serverID, Attempts: attempt, Transient: true, Err: lastErr}
}
