// Package circuit implements the per-application breaker that stops
// repeated healing of an application whose remediation keeps failing.
package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/metrics"
	"go.uber.org/zap"
)

const DefaultCooldown = time.Hour

// Decision is the answer of CanHeal.
type Decision struct {
	Allowed   bool
	State     core.CircuitState
	Remaining time.Duration
	Message   string
}

type Breaker struct {
	apps     core.ApplicationRepository
	metrics  *metrics.Collector
	logger   *zap.Logger
	cooldown time.Duration
	now      func() time.Time
}

func NewBreaker(apps core.ApplicationRepository, m *metrics.Collector, logger *zap.Logger, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		apps:     apps,
		metrics:  m,
		logger:   logger.Named("circuit"),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) load(ctx context.Context, appID string) (core.CircuitBreakerState, error) {
	app, err := b.apps.GetApplication(ctx, appID)
	if err != nil {
		return core.CircuitBreakerState{}, err
	}
	state := app.CircuitBreakerState
	if state.State == "" {
		state.State = core.CircuitClosed
	}
	if state.MaxRetries <= 0 {
		state.MaxRetries = core.DefaultMaxRetries
	}
	return state, nil
}

func (b *Breaker) save(ctx context.Context, appID string, from core.CircuitState, state core.CircuitBreakerState) error {
	if err := b.apps.UpdateCircuitBreaker(ctx, appID, state); err != nil {
		return fmt.Errorf("failed to update circuit breaker: %w", err)
	}
	b.metrics.RecordCircuitState(appID, state.State)
	if from != state.State {
		b.logger.Info("Circuit breaker transition",
			zap.String("application_id", appID),
			zap.String("from", string(from)),
			zap.String("to", string(state.State)),
			zap.Int("consecutive_failures", state.ConsecutiveFailures),
		)
	}
	return nil
}

// CanHeal allows CLOSED and HALF_OPEN. An OPEN breaker whose cooldown has
// elapsed is moved to HALF_OPEN by this call and allowed.
func (b *Breaker) CanHeal(ctx context.Context, appID string) (Decision, error) {
	state, err := b.load(ctx, appID)
	if err != nil {
		return Decision{}, err
	}

	switch state.State {
	case core.CircuitClosed, core.CircuitHalfOpen:
		return Decision{Allowed: true, State: state.State}, nil
	}

	now := b.now()
	if state.ResetAt == nil || !now.Before(*state.ResetAt) {
		from := state.State
		state.State = core.CircuitHalfOpen
		state.ResetAt = nil
		if err := b.save(ctx, appID, from, state); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, State: core.CircuitHalfOpen}, nil
	}

	remaining := state.ResetAt.Sub(now)
	return Decision{
		Allowed:   false,
		State:     core.CircuitOpen,
		Remaining: remaining,
		Message: fmt.Sprintf("Circuit breaker is open after %d consecutive failures; healing blocked for %d more minute(s)",
			state.ConsecutiveFailures, core.RemainingMinutes(remaining)),
	}, nil
}

// Err converts a denied decision into a *core.CircuitOpenError.
func (d Decision) Err(appID string, now time.Time) error {
	if d.Allowed {
		return nil
	}
	return &core.CircuitOpenError{ApplicationID: appID, ResetAt: now.Add(d.Remaining), Remaining: d.Remaining}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, appID string) error {
	state, err := b.load(ctx, appID)
	if err != nil {
		return err
	}
	from := state.State
	state.State = core.CircuitClosed
	state.ConsecutiveFailures = 0
	state.ResetAt = nil
	return b.save(ctx, appID, from, state)
}

// RecordFailure counts a failed heal. A failed HALF_OPEN trial reopens the
// breaker immediately; otherwise it opens once MaxRetries is reached.
func (b *Breaker) RecordFailure(ctx context.Context, appID string) (core.CircuitBreakerState, error) {
	state, err := b.load(ctx, appID)
	if err != nil {
		return core.CircuitBreakerState{}, err
	}
	from := state.State
	state.ConsecutiveFailures++

	if from == core.CircuitHalfOpen || state.ConsecutiveFailures >= state.MaxRetries {
		now := b.now()
		resetAt := now.Add(b.cooldown)
		state.State = core.CircuitOpen
		state.LastOpenedAt = &now
		state.ResetAt = &resetAt
	}

	if err := b.save(ctx, appID, from, state); err != nil {
		return state, err
	}
	return state, nil
}

// ManualReset is the administrative override back to CLOSED.
func (b *Breaker) ManualReset(ctx context.Context, appID string) error {
	state, err := b.load(ctx, appID)
	if err != nil {
		return err
	}
	from := state.State
	state.State = core.CircuitClosed
	state.ConsecutiveFailures = 0
	state.ResetAt = nil
	return b.save(ctx, appID, from, state)
}
