package api

import (
	"github.com/gin-gonic/gin"
	"github.com/leozw/site-healer/internal/api/handlers"
	"github.com/leozw/site-healer/internal/api/middleware"
	"github.com/leozw/site-healer/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	Config   *config.Config
	Router   *gin.Engine
	Handler  *handlers.Handler
	Gatherer prometheus.Gatherer
}

func NewServer(cfg *config.Config, h *handlers.Handler, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()

	router.Use(middleware.Logger(logger.Named("http")))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:   cfg,
		Router:   router,
		Handler:  h,
		Gatherer: gatherer,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.Handler.Health)
	s.Router.GET("/ready", s.Handler.Ready)
	if s.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.Auth.JWTSecret))

	api.GET("/plugins", s.Handler.ListPlugins)
	api.GET("/tasks/:id", s.Handler.GetTask)

	servers := api.Group("/servers")
	{
		servers.GET("", s.Handler.ListServers)
		servers.POST("", middleware.RequireRole(middleware.RoleAdmin), s.Handler.CreateServer)
		servers.POST("/:id/discover", s.Handler.Discover)
	}

	apps := api.Group("/applications")
	{
		apps.GET("", s.Handler.ListApplications)
		apps.GET("/:id", s.Handler.GetApplication)
		apps.GET("/:id/health", s.Handler.GetHealth)
		apps.GET("/:id/audit", s.Handler.ListAuditEvents)
		apps.POST("/:id/detect", s.Handler.DetectTechStack)
		apps.POST("/:id/detect-all", s.Handler.DetectAllTechStacks)
		apps.POST("/:id/metadata", s.Handler.CollectMetadata)
		apps.POST("/:id/diagnose", s.Handler.Diagnose)
		apps.POST("/:id/heal", s.Handler.Heal)
		apps.POST("/:id/circuit/reset", middleware.RequireRole(middleware.RoleAdmin), s.Handler.ResetCircuitBreaker)

		apps.GET("/:id/backups", s.Handler.ListBackups)
		apps.POST("/:id/backups", s.Handler.CreateBackup)
		apps.DELETE("/:id/backups/:backup_id", middleware.RequireRole(middleware.RoleAdmin), s.Handler.DeleteBackup)
		apps.POST("/:id/backups/:backup_id/rollback", s.Handler.Rollback)
	}
}
