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

	"github.com/acme/outbound-dispatch/internal/app"
	"github.com/acme/outbound-dispatch/internal/telemetry"
	"github.com/acme/outbound-dispatch/internal/worker/status"
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

	if container.Kafka == nil {
		logger.Fatal("status worker requires kafka.enabled")
	}

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, "statusworker", container.Config.App.Version)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	repos, err := container.Repositories(ctx)
	if err != nil {
		logger.Fatal("failed to build repositories", zap.Error(err))
	}

	cfg := container.Config.Kafka
	reader := container.Kafka.NewReader(cfg.OutcomeTopic, cfg.ConsumerGroupID+"-attempts")
	worker := status.New(reader, repos.Attempts, logger)

	logger.Info("status worker started", zap.String("topic", cfg.OutcomeTopic))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("status worker terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
