package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/access"
	"github.com/title-market/backend/internal/asset"
	"github.com/title-market/backend/internal/config"
	"github.com/title-market/backend/internal/db"
	"github.com/title-market/backend/internal/events"
	apphttp "github.com/title-market/backend/internal/http"
	"github.com/title-market/backend/internal/http/handlers"
	"github.com/title-market/backend/internal/models"
	"github.com/title-market/backend/internal/repositories"
	"github.com/title-market/backend/internal/services"
	"github.com/title-market/backend/internal/titles"
	"github.com/title-market/backend/internal/ton"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.DBMaxConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	eventRepo := repositories.NewEventRepo(pool)
	proofRepo := repositories.NewProofRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher, subscriber, closeEvents, err := buildEvents(cfg, rdb, log)
	if err != nil {
		log.Fatal("failed to set up events", zap.Error(err))
	}
	defer closeEvents()
	dispatcher := events.NewDispatcher(eventRepo, publisher, cfg.EventsStream, log)

	// Titles
	titleRegistry, closeTitles, err := buildTitles(cfg, log)
	if err != nil {
		log.Fatal("failed to open title registry", zap.Error(err))
	}
	defer closeTitles()

	// Payment rails
	rails, err := buildRails(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatal("failed to set up payment rails", zap.Error(err))
	}

	// Services
	policy := access.NewStaticPolicy(cfg)
	market := services.NewMarketService(titleRegistry, rails, policy, dispatcher, cfg, log)
	if seq, err := eventRepo.MaxSeq(ctx); err != nil {
		log.Warn("failed to read event sequence, numbering restarts", zap.Error(err))
	} else {
		market.ResumeSequence(seq)
	}

	verifier := ton.NewVerifier(cfg.TONProofAllowedDomains, cfg.TONProofMaxAge)
	authService := services.NewAuthService(proofRepo, auditRepo, verifier, cfg, log)

	// Handlers
	wsHub := handlers.NewWSHub(cfg, subscriber, log)
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe websocket hub", zap.Error(err))
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, policy, apphttp.Handlers{
		Auth:     handlers.NewAuthHandler(authService, log),
		Market:   handlers.NewMarketHandler(market, eventRepo, log),
		Admin:    handlers.NewAdminHandler(market, auditRepo, log),
		Internal: handlers.NewInternalHandler(market, proofRepo, log),
		WS:       wsHub,
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func buildEvents(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (events.Publisher, events.Subscriber, func(), error) {
	switch cfg.EventsBackend {
	case "kafka":
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			return nil, nil, nil, err
		}
		// each API instance needs every event for its websocket clients
		sub, err := events.NewKafkaSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, "api-ws-"+uuid.NewString(), log)
		if err != nil {
			_ = pub.Close()
			return nil, nil, nil, err
		}
		log.Info("events via kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
		return pub, sub, func() { _ = pub.Close() }, nil
	case "redis", "":
		return events.NewRedisPublisher(rdb, log), events.NewRedisSubscriber(rdb, log), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown EVENTS_BACKEND %q", cfg.EventsBackend)
	}
}

func buildTitles(cfg *config.Config, log *zap.Logger) (titles.Registry, func(), error) {
	if cfg.TitleRegistryPath == "" {
		log.Warn("TITLE_REGISTRY_PATH is not set, title ownership is kept in memory")
		return titles.NewMemoryRegistry(), func() {}, nil
	}
	reg, err := titles.OpenPebble(cfg.TitleRegistryPath)
	if err != nil {
		return nil, nil, err
	}
	log.Info("title registry opened", zap.String("path", cfg.TitleRegistryPath))
	return reg, closer(reg, log), nil
}

// buildRails registers one rail per accepted asset. The native asset settles
// through the TON hot wallet when a seed is configured; everything else runs
// on in-memory vaults.
func buildRails(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*asset.Registry, error) {
	rails := asset.NewRegistry()
	for _, id := range cfg.AcceptedAssets {
		assetID := models.AssetID(id)
		if assetID.IsNative() && cfg.TONWalletSeed != "" {
			api, err := ton.Connect(ctx, cfg, log)
			if err != nil {
				return nil, fmt.Errorf("connect to TON: %w", err)
			}
			sender, err := ton.NewWalletSender(api, cfg.TONWalletSeed)
			if err != nil {
				return nil, err
			}
			hw := ton.NewHotWallet(sender, ton.NewDepositStore(rdb), log)
			rails.Register(asset.NewRail(assetID, hw, hw.Custody()))
			log.Info("native rail on TON hot wallet", zap.String("custody", string(hw.Custody())))
			continue
		}
		log.Warn("asset settles on an in-memory vault", zap.String("asset", id))
		rails.Register(asset.NewRail(assetID, asset.NewVault(), models.Address("custody:"+id)))
	}
	return rails, nil
}

func closer(c io.Closer, log *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}
}
