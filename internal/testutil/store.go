// Package testutil provides in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leozw/site-healer/internal/core"
)

// MemoryStore implements core.ApplicationRepository, core.DiagnosticStore and
// core.AuditSink over maps. Records are copied in and out so tests observe
// only what was written through the interface.
type MemoryStore struct {
	mu      sync.Mutex
	apps    map[string]*core.Application
	results []*core.DiagnosticResult
	events  []core.AuditEvent

	// FailUpdates makes every write return this error when set.
	FailUpdates error
}

func NewMemoryStore(apps ...*core.Application) *MemoryStore {
	s := &MemoryStore{apps: make(map[string]*core.Application)}
	for _, a := range apps {
		s.apps[a.ID] = cloneApp(a)
	}
	return s
}

func cloneApp(a *core.Application) *core.Application {
	c := *a
	c.RelatedDomains = append(core.RelatedDomains{}, a.RelatedDomains...)
	c.Metadata = core.JSONB{}
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (s *MemoryStore) CreateApplication(ctx context.Context, app *core.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates != nil {
		return s.FailUpdates
	}
	s.apps[app.ID] = cloneApp(app)
	return nil
}

func (s *MemoryStore) GetApplication(ctx context.Context, id string) (*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneApp(a), nil
}

func (s *MemoryStore) GetApplicationByPath(ctx context.Context, serverID, path string) (*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		if a.ServerID == serverID && a.Path == path {
			return cloneApp(a), nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *MemoryStore) ListApplications(ctx context.Context, filter core.ApplicationFilter) ([]*core.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Application
	for _, a := range s.apps {
		if filter.ServerID != "" && a.ServerID != filter.ServerID {
			continue
		}
		if filter.TechStack != "" && a.TechStack != filter.TechStack {
			continue
		}
		if filter.HealerEnabled != nil && a.IsHealerEnabled != *filter.HealerEnabled {
			continue
		}
		out = append(out, cloneApp(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateApplication(ctx context.Context, app *core.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates != nil {
		return s.FailUpdates
	}
	cur, ok := s.apps[app.ID]
	if !ok {
		return core.ErrNotFound
	}
	next := cloneApp(app)
	cur.Domain = next.Domain
	cur.Path = next.Path
	if cur.TechStack == core.StackUnknown {
		cur.TechStack = next.TechStack
		cur.DetectionConfidence = next.DetectionConfidence
	}
	cur.IsHealerEnabled = next.IsHealerEnabled
	cur.HealingMode = next.HealingMode
	cur.RelatedDomains = next.RelatedDomains
	for k, v := range next.Metadata {
		cur.Metadata[k] = v
	}
	cur.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *MemoryStore) update(id string, fn func(a *core.Application)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates != nil {
		return s.FailUpdates
	}
	a, ok := s.apps[id]
	if !ok {
		return core.ErrNotFound
	}
	fn(a)
	return nil
}

func (s *MemoryStore) UpdateHealth(ctx context.Context, id string, score int, status core.HealthStatus) error {
	return s.update(id, func(a *core.Application) {
		a.HealthScore = score
		a.HealthStatus = status
	})
}

func (s *MemoryStore) UpdateCircuitBreaker(ctx context.Context, id string, state core.CircuitBreakerState) error {
	return s.update(id, func(a *core.Application) { a.CircuitBreakerState = state })
}

func (s *MemoryStore) UpdateDetection(ctx context.Context, id string, det core.StackDetection) error {
	return s.update(id, func(a *core.Application) {
		a.TechStack = det.Stack
		a.TechStackVersion = det.Version
		a.DetectionConfidence = det.Confidence
		a.DetectionMethod = core.DetectionAuto
		a.DetectionAttempts = 0
	})
}

func (s *MemoryStore) MergeMetadata(ctx context.Context, id string, metadata core.JSONB) error {
	return s.update(id, func(a *core.Application) {
		if a.Metadata == nil {
			a.Metadata = core.JSONB{}
		}
		for k, v := range metadata {
			a.Metadata[k] = v
		}
	})
}

func (s *MemoryStore) UpdateRelatedDomainDetection(ctx context.Context, id, domain string, det core.StackDetection) error {
	return s.update(id, func(a *core.Application) {
		if rd := a.RelatedDomain(domain); rd != nil {
			rd.TechStack = det.Stack
			rd.DetectionConfidence = det.Confidence
			if det.Version != nil {
				rd.TechStackVersion = det.Version
			}
		}
	})
}

func (s *MemoryStore) UpdateRelatedDomainHealth(ctx context.Context, id, domain string, score int, status core.HealthStatus) error {
	return s.update(id, func(a *core.Application) {
		if rd := a.RelatedDomain(domain); rd != nil {
			rd.HealthScore = score
			rd.HealthStatus = status
		}
	})
}

func (s *MemoryStore) RecordDetectionAttempt(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(a *core.Application) {
		a.DetectionAttempts++
		a.LastDetectionAttempt = &at
	})
}

func (s *MemoryStore) SaveDiagnosticResult(ctx context.Context, result *core.DiagnosticResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *result
	s.results = append(s.results, &r)
	return nil
}

func (s *MemoryStore) RecentDiagnosticResults(ctx context.Context, applicationID, subdomain string, limit int) ([]*core.DiagnosticResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.DiagnosticResult
	for i := len(s.results) - 1; i >= 0; i-- {
		r := s.results[i]
		if r.ApplicationID != applicationID {
			continue
		}
		sub := ""
		if r.Subdomain != nil {
			sub = *r.Subdomain
		}
		if sub != subdomain {
			continue
		}
		c := *r
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Record(ctx context.Context, event core.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns the audit events recorded so far.
func (s *MemoryStore) Events() []core.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.AuditEvent(nil), s.events...)
}

// Results returns every stored diagnostic result, oldest first.
func (s *MemoryStore) Results() []*core.DiagnosticResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.DiagnosticResult(nil), s.results...)
}

// Apps returns every stored application ordered by path.
func (s *MemoryStore) Apps() []*core.Application {
	apps, _ := s.ListApplications(context.Background(), core.ApplicationFilter{})
	return apps
}
