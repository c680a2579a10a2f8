// Command worker consumes the campaign queue from SQS: provider events,
// timer expiries, and analysis requests. It also relays the outbox when the
// ledger is on Postgres.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/paradixe-xz/evaInstance-sub000/cmd/mainconfig"
	"github.com/paradixe-xz/evaInstance-sub000/internal/app/bootstrap"
	appconfig "github.com/paradixe-xz/evaInstance-sub000/internal/config"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue {
		logger.Error("worker needs an SQS queue; set USE_MEMORY_QUEUE=false and QUEUE_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	campaign, err := bootstrap.Build(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build campaign", "error", err)
		os.Exit(1)
	}
	defer campaign.Close()

	logger.Info("campaign worker starting", "queue", cfg.QueueURL, "workers", cfg.WorkerCount)
	if err := campaign.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		return
	}
	logger.Info("campaign worker stopped")
}
