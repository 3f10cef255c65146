package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leozw/site-healer/internal/api"
	"github.com/leozw/site-healer/internal/api/handlers"
	"github.com/leozw/site-healer/internal/bootstrap"
	"github.com/leozw/site-healer/internal/config"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	rt, err := bootstrap.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer rt.Close()

	h := handlers.NewHandler(handlers.Deps{
		Service: rt.Service,
		Queue:   rt.Queue,
		Servers: rt.Repo,
		Audit:   rt.Repo,
		Cache:   rt.Redis,
		Ready:   rt.Ready,
	}, logger)
	server := api.NewServer(cfg, h, rt.Registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Metrics.StartRemoteWrite(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
