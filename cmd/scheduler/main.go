package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/leozw/site-healer/internal/bootstrap"
	"github.com/leozw/site-healer/internal/config"
	"github.com/leozw/site-healer/internal/scheduler"
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

	planner := scheduler.NewPlanner(rt.Repo, rt.Queue, rt.Detector, logger, cfg.Workers.SweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		planner.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down scheduler...")
	cancel()
	<-done
	logger.Info("Scheduler exited")
}
