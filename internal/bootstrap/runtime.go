// Package bootstrap builds the shared object graph used by every binary.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/leozw/site-healer/internal/backup"
	"github.com/leozw/site-healer/internal/circuit"
	"github.com/leozw/site-healer/internal/config"
	"github.com/leozw/site-healer/internal/db"
	"github.com/leozw/site-healer/internal/detector"
	"github.com/leozw/site-healer/internal/discovery"
	"github.com/leozw/site-healer/internal/healing"
	"github.com/leozw/site-healer/internal/metadata"
	"github.com/leozw/site-healer/internal/metrics"
	"github.com/leozw/site-healer/internal/plugins"
	"github.com/leozw/site-healer/internal/queue"
	"github.com/leozw/site-healer/internal/remote"
	"github.com/leozw/site-healer/internal/scheduler"
	"github.com/leozw/site-healer/internal/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *sqlx.DB
	Repo     *db.Repository
	Redis    *redis.Client
	Queue    *queue.RedisQueue
	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	Plugins  *plugins.Registry
	Detector *detector.Detector
	Service  *healing.Service
	Metadata *metadata.Collector
}

// New connects to Postgres and Redis and wires every service. Migrations
// run first when database.migrationsauto is set.
func New(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	conn, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Database.MigrationsAuto {
		if err := db.Migrate(conn, logger); err != nil {
			conn.Close()
			return nil, err
		}
	}
	repo := db.NewRepository(conn, logger)

	cache := redis.NewClient(cfg.Redis.URL)
	if err := cache.Ping(context.Background()).Err(); err != nil {
		conn.Close()
		cache.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg, cfg.Mimir)

	dialer, err := remote.NewSSHDialer(cfg.SSH.ConnectTimeout, cfg.SSH.KnownHostsFile)
	if err != nil {
		conn.Close()
		cache.Close()
		return nil, err
	}
	exec := remote.NewExecutor(repo, dialer, m, logger, remote.Options{
		MaxAttempts:     cfg.SSH.MaxAttempts,
		CommandLogChars: cfg.SSH.CommandLogChars,
		SessionsPerSec:  cfg.SSH.SessionsPerSec,
		SessionBurst:    cfg.SSH.SessionBurst,
	})

	registry := plugins.NewDefaultRegistry(exec, logger)
	det := detector.New(exec, repo, repo, m, logger, detector.Options{
		MaxAttempts: cfg.Healing.DetectionMaxRetries,
		RetryAfter:  cfg.Healing.DetectionRetryAfter,
	})
	engine := discovery.NewEngine(exec, repo, repo, repo, m, logger, discovery.Config{
		ChunkSize: cfg.Discovery.ChunkSize,
		MaxDepth:  cfg.Discovery.MaxDepth,
		Paths:     cfg.Discovery.Paths,
	})

	svc := healing.NewService(healing.Deps{
		Apps:      repo,
		Results:   repo,
		Audit:     repo,
		Registry:  registry,
		Detector:  det,
		Discovery: engine,
		Breaker:   circuit.NewBreaker(repo, m, logger, cfg.Healing.CircuitCooldown),
		Backups:   backup.NewManager(exec, registry, m, logger, cfg.Backup.Root, cfg.Backup.Keep),
		Locker:    queue.NewRedisLocker(cache, logger),
		Metrics:   m,
		LockTTL:   cfg.Healing.LockTTL,
	}, logger)

	var whois metadata.RegistrationLookup
	if cfg.Metadata.LookupWhois {
		whois = metadata.NewWHOISClient(cfg.Metadata.LookupTimeout)
	}
	collector := metadata.NewCollector(exec, repo,
		metadata.NewResolver(cfg.Metadata.Resolver, cfg.Metadata.LookupTimeout),
		whois, logger, cfg.Metadata.LookupTimeout).
		WithEndpointProbe(metadata.NewEndpointProbe(cfg.Metadata.LookupTimeout))

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		DB:       conn,
		Repo:     repo,
		Redis:    cache,
		Queue:    queue.NewRedisQueue(cache),
		Registry: reg,
		Metrics:  m,
		Plugins:  registry,
		Detector: det,
		Service:  svc,
		Metadata: collector,
	}, nil
}

// Handlers binds every task kind for the worker pools.
func (r *Runtime) Handlers() *scheduler.Handlers {
	return &scheduler.Handlers{
		Service:  r.Service,
		Detector: r.Detector,
		Apps:     r.Repo,
		Metadata: r.Metadata,
		Queue:    r.Queue,
		AutoHeal: r.Config.Healing.AutoHeal,
		Logger:   r.Logger.Named("tasks"),
	}
}

// Ready pings both backing stores.
func (r *Runtime) Ready(ctx context.Context) error {
	if err := r.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (r *Runtime) Close() {
	if err := r.Redis.Close(); err != nil {
		r.Logger.Warn("Failed to close redis", zap.Error(err))
	}
	if err := r.DB.Close(); err != nil {
		r.Logger.Warn("Failed to close database", zap.Error(err))
	}
}
