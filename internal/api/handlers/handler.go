package handlers

import (
	"context"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/db"
	"github.com/leozw/site-healer/internal/healing"
	"go.uber.org/zap"
)

type ServerStore interface {
	CreateServer(ctx context.Context, s *db.Server) error
	ListServers(ctx context.Context) ([]*db.Server, error)
}

type AuditLog interface {
	ListAuditEvents(ctx context.Context, applicationID string, limit int) ([]core.AuditEvent, error)
}

// HealthCache is satisfied by the Redis storage client.
type HealthCache interface {
	CacheHealth(ctx context.Context, applicationID, subdomain string, health interface{}) error
	GetCachedHealth(ctx context.Context, applicationID, subdomain string, dest interface{}) error
	InvalidateHealth(ctx context.Context, applicationID string) error
}

type Deps struct {
	Service *healing.Service
	Queue   core.TaskQueue
	Servers ServerStore
	Audit   AuditLog
	// Cache is optional.
	Cache HealthCache
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Handler struct {
	service *healing.Service
	queue   core.TaskQueue
	servers ServerStore
	audit   AuditLog
	cache   HealthCache
	ready   func(ctx context.Context) error
	logger  *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		service: deps.Service,
		queue:   deps.Queue,
		servers: deps.Servers,
		audit:   deps.Audit,
		cache:   deps.Cache,
		ready:   deps.Ready,
		logger:  logger.Named("api"),
	}
}

func (h *Handler) invalidateHealth(ctx context.Context, appID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.InvalidateHealth(ctx, appID); err != nil {
		h.logger.Warn("Failed to invalidate health cache", zap.String("application_id", appID), zap.Error(err))
	}
}
