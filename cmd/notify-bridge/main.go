package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/db"
	"github.com/title-market/backend/internal/events"
)

// Notify Bridge: subscribes to market and deposit events and forwards each
// one to an external webhook (mail, chat bots, analytics).

const webhookTimeout = 10 * time.Second

type forwarder struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NotifyWebhookURL == "" {
		log.Fatal("NOTIFY_WEBHOOK_URL is required")
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	fw := &forwarder{
		url:    cfg.NotifyWebhookURL,
		client: &http.Client{Timeout: webhookTimeout},
		log:    log,
	}

	var market events.Subscriber = events.NewRedisSubscriber(rdb, log)
	if cfg.EventsBackend == "kafka" {
		// одна группа на все инстансы бриджа, чтобы webhook получал событие один раз
		market, err = events.NewKafkaSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, "notify-bridge", log)
		if err != nil {
			log.Fatal("failed to create kafka subscriber", zap.Error(err))
		}
	}

	if err := market.Subscribe(ctx, cfg.EventsStream, fw.handle); err != nil {
		log.Fatal("failed to subscribe to market events", zap.Error(err))
	}
	// депозиты индексер всегда публикует в redis
	if err := events.NewRedisSubscriber(rdb, log).Subscribe(ctx, events.StreamDeposits, fw.handle); err != nil {
		log.Fatal("failed to subscribe to deposit events", zap.Error(err))
	}

	log.Info("notify-bridge started",
		zap.String("stream", cfg.EventsStream),
		zap.String("backend", cfg.EventsBackend),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}

func (f *forwarder) handle(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	if err := f.forward(ctx, event); err != nil {
		f.log.Warn("failed to forward event",
			zap.String("type", event.Type),
			zap.Int64("seq", event.Seq),
			zap.Error(err),
		)
		return
	}
	f.log.Debug("event forwarded", zap.String("type", event.Type), zap.Int64("seq", event.Seq))
}

func (f *forwarder) forward(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event.Type)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
