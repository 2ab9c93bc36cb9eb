package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-dispatch/internal/api"
	"github.com/acme/outbound-dispatch/internal/api/handlers"
	"github.com/acme/outbound-dispatch/internal/app"
	"github.com/acme/outbound-dispatch/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	logger := container.Logger

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, "dispatcher", container.Config.App.Version)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	rt, err := container.Runtime(ctx)
	if err != nil {
		logger.Fatal("failed to build dispatcher", zap.Error(err))
	}

	repos, err := container.Repositories(ctx)
	if err != nil {
		logger.Fatal("failed to build repositories", zap.Error(err))
	}

	server := api.NewServer(container.Config.HTTP, handlers.NewHandlerSet(handlers.Deps{
		Campaigns: rt.Campaigns,
		Queue:     rt.Queue,
		Pool:      rt.Pool,
		Attempts:  repos.Attempts,
		Health:    container.Health,
		Logger:    logger,
	}))

	// Event consumers outlive the engine so outcomes of draining calls are counted and shipped.
	aggCtx, stopAggregator := context.WithCancel(context.WithoutCancel(ctx))
	var consumers errgroup.Group
	consumers.Go(func() error { return rt.Aggregator.Run(aggCtx) })
	if rt.Forwarder != nil {
		consumers.Go(func() error { return rt.Forwarder.Run(aggCtx) })
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return rt.Engine.Run(gctx) })
	group.Go(func() error { return server.Start(gctx) })

	logger.Info("dispatcher started",
		zap.Int("http_port", container.Config.HTTP.Port),
		zap.String("store", container.Config.Store.Driver),
		zap.String("queue", container.Config.Queue.Backend),
		zap.String("voice", container.Config.Voice.Provider),
	)

	err = group.Wait()
	stopAggregator()
	_ = consumers.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dispatcher terminated", zap.Error(err))
		return
	}
	logger.Info("dispatcher stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
