package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/config"
	"github.com/noah-isme/threadline/internal/database"
	"github.com/noah-isme/threadline/internal/handler"
	"github.com/noah-isme/threadline/internal/middleware"
	"github.com/noah-isme/threadline/internal/realtime"
	"github.com/noah-isme/threadline/internal/repository"
	"github.com/noah-isme/threadline/internal/router"
	"github.com/noah-isme/threadline/internal/service"
	"github.com/noah-isme/threadline/pkg/keyring"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := repository.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Drain()
	}

	keys, err := keyring.FromEncoded(cfg.Chat.MessageKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load message keys")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewStore(db)

	var relay realtime.Relay
	switch cfg.Chat.RelayTransport {
	case config.RelayRedis:
		relay = realtime.NewRedisRelay(redisClient, cfg.Chat.ChannelBase)
	case config.RelayNATS:
		relay = realtime.NewNATSRelay(natsConn, cfg.Chat.ChannelBase)
	}
	hub := realtime.NewHub(cfg.Chat.SendBuffer, relay, logger)
	hub.Start(ctx)

	presence := realtime.NewPresence(cfg.Chat.TypingTTL, redisClient, cfg.Chat.ChannelBase, logger)
	blocks := service.NewBlockRegistry(store.Repositories().Blocks, redisClient, cfg.Chat.ChannelBase, cfg.Chat.BlockCacheTTL, logger)
	notifier := service.NewNotificationPublisher(natsConn, cfg.Chat.ChannelBase, logger)
	// Profiles live in the account service; any authenticated id is accepted until it exposes a lookup.
	profiles := service.ProfileDirectoryFunc(func(_ context.Context, userID uint) (bool, error) {
		return userID != 0, nil
	})

	conversations := service.NewConversationService(service.ConversationDeps{
		Store:     store,
		Keys:      keys,
		Blocks:    blocks,
		Hub:       hub,
		Presence:  presence,
		Notifier:  notifier,
		Profiles:  profiles,
		Validator: validate,
		Logger:    logger,
		Config: service.ConversationConfig{
			PageSize:     cfg.Chat.PageSize,
			UnsendWindow: cfg.Chat.UnsendWindow,
		},
	})
	chat := service.NewChatService(conversations, hub, profiles, validate, service.ChatConfig{
		FrameRate:    cfg.Chat.FrameRate,
		FrameBurst:   cfg.Chat.FrameBurst,
		PingInterval: cfg.Chat.PingInterval,
	}, logger)

	sweeper, err := service.NewExpirySweeper(store.Repositories().Messages, cfg.Chat.ExpiryCron, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule expiry sweeper")
	}
	sweeper.Start(ctx)

	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		ConversationHandler: handler.NewConversationHandler(conversations, validate, logger),
		ChatHandler:         handler.NewChatHandler(chat, logger),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		LiveAuthMiddleware:  middleware.JWTOptional(cfg.JWTSecret),
		NodeID:              hub.NodeID(),
		HealthProbes:        probes,
		RequestsPerMinute:   cfg.RateLimitPerMinute,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, logger)
}

func waitForShutdown(shutdownCtx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
