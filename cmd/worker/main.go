package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/services"
)

const purgeInterval = time.Hour

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if cfg.InternalToken == "" {
		log.Fatal("INTERNAL_TOKEN is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := services.NewSweepClient(cfg.APIBaseURL, cfg.InternalToken, log)

	log.Info("worker started",
		zap.String("api", cfg.APIBaseURL),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)

	// Run jobs on tickers
	sweepTicker := time.NewTicker(cfg.SweepInterval)
	purgeTicker := time.NewTicker(purgeInterval)
	defer sweepTicker.Stop()
	defer purgeTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sweepTicker.C:
			runSweep(ctx, client, log)
		case <-purgeTicker.C:
			runPurge(ctx, client, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runSweep(ctx context.Context, client *services.SweepClient, log *zap.Logger) {
	res, err := client.Sweep(ctx)
	if err != nil {
		log.Error("sweep failed", zap.Error(err))
		return
	}
	if res.Expired > 0 {
		log.Info("expired pending confirmations", zap.Int("count", res.Expired))
	}
}

func runPurge(ctx context.Context, client *services.SweepClient, log *zap.Logger) {
	res, err := client.PurgeProofPayloads(ctx)
	if err != nil {
		log.Error("proof payload purge failed", zap.Error(err))
		return
	}
	log.Debug("purged proof payloads", zap.Int64("deleted", res.Deleted))
}
