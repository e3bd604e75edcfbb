package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/trogers1052/signal-fanout/internal/api"
	"github.com/trogers1052/signal-fanout/internal/config"
	"github.com/trogers1052/signal-fanout/internal/database"
	"github.com/trogers1052/signal-fanout/internal/dispatcher"
	"github.com/trogers1052/signal-fanout/internal/eligibility"
	"github.com/trogers1052/signal-fanout/internal/kafka"
	"github.com/trogers1052/signal-fanout/internal/logging"
	"github.com/trogers1052/signal-fanout/internal/metrics"
	"github.com/trogers1052/signal-fanout/internal/redis"
	"github.com/trogers1052/signal-fanout/internal/sizing"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("signal-fanout exited")
	}
	logger.Info().Msg("Server stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	// Connect to database
	db, err := database.New(cfg.Database.ConnectionString(), cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Str("host", cfg.Database.Host).Msg("Connected to PostgreSQL database")

	// Run migrations
	if err := runMigrations(cfg.Database.MigrationsPath, cfg.Database.ConnectionString(), logger); err != nil {
		return err
	}

	m := metrics.New()

	// Connect to Redis
	var redisClient *redis.Client
	var sharedCounter api.CounterStore
	var redisPinger api.Pinger
	if client, err := redis.New(cfg.Redis); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, rate limiting per instance")
	} else {
		redisClient = client
		defer redisClient.Close()
		sharedCounter = redisClient
		redisPinger = redisClient
		logger.Info().Str("addr", cfg.Redis.Address()).Msg("Connected to Redis")
	}

	kafkaConfigured := cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0
	var producer *kafka.OrderProducer
	if kafkaConfigured {
		producer = kafka.NewOrderProducer(cfg.Kafka.Brokers, cfg.Kafka.OrdersTopic, logger)
		defer producer.Close()
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka producer initialized")
	}

	auth, err := api.NewAuthenticator(cfg.Webhook.Tokens, cfg.Webhook.AllowedCIDRs, cfg.Webhook.TrustProxy)
	if err != nil {
		return err
	}
	if !auth.Configured() {
		logger.Warn().Msg("No webhook tokens or CIDRs configured; every webhook push will be rejected")
	}
	limiter := api.NewRateLimiter(sharedCounter, cfg.Webhook.RateLimit, cfg.Webhook.RateWindow, logger)

	webhook := api.NewWebhookHandler(db, auth, limiter, m, api.WebhookConfig{
		MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
		DedupeWindow:   cfg.Webhook.DedupeWindow,
		RequestTimeout: cfg.Webhook.RequestTimeout,
	}, logger)
	router := api.SetupRoutes(api.RouterConfig{
		Handler:    api.NewHandler(db, redisPinger, kafkaConfigured, logger),
		Webhook:    webhook,
		Metrics:    m.Handler(),
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger,
	})

	var d *dispatcher.Dispatcher
	if cfg.Dispatcher.Enabled {
		if d, err = newDispatcher(cfg, db, producer, m, logger); err != nil {
			return err
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if kafkaConfigured {
		statusConsumer := kafka.NewOrderStatusConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.OrderStatusTopic,
			cfg.Kafka.ConsumerGroup,
			db,
			m,
			logger,
		)
		defer statusConsumer.Close()
		g.Go(func() error {
			return statusConsumer.Start(gctx)
		})
	}

	if d != nil {
		g.Go(func() error {
			return d.Run(gctx)
		})
	} else {
		logger.Info().Msg("Dispatcher disabled; running as admission gate only")
	}

	// Shut the server down once a signal arrives or a component fails
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newDispatcher(cfg *config.Config, db *database.DB, producer *kafka.OrderProducer, m *metrics.Metrics, logger zerolog.Logger) (*dispatcher.Dispatcher, error) {
	dcfg := dispatcher.Config{
		Workers:           cfg.Dispatcher.Workers,
		BatchSize:         cfg.Dispatcher.BatchSize,
		PollInterval:      cfg.Dispatcher.PollInterval,
		SignalTimeout:     cfg.Dispatcher.SignalTimeout,
		TransitionTimeout: cfg.Dispatcher.TransitionTimeout,
		ClaimTimeout:      cfg.Dispatcher.ClaimTimeout,
		ReclaimInterval:   cfg.Dispatcher.ReclaimInterval,
		MaxAttempts:       cfg.Dispatcher.MaxAttempts,
	}
	if err := dcfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	resolver := eligibility.NewResolver(db, eligibility.Config{
		MinTradeBalance:         cfg.Eligibility.MinTradeBalance,
		DefaultMaxOpenPositions: cfg.Eligibility.DefaultMaxOpenPositions,
	}, m, logger)

	calc := sizing.NewCalculator(sizing.Defaults{
		Leverage:          cfg.Sizing.DefaultLeverage,
		BalancePercentage: cfg.Sizing.DefaultBalancePercentage,
		TPMultiplier:      cfg.Sizing.DefaultTPMultiplier,
		SLMultiplier:      cfg.Sizing.DefaultSLMultiplier,
	})

	var notifier dispatcher.OrderNotifier
	if producer != nil {
		notifier = producer
	}

	return dispatcher.New(db, resolver, calc, notifier, m, dcfg, logger), nil
}

func runMigrations(source, databaseURL string, logger zerolog.Logger) error {
	m, err := migrate.New(source, databaseURL)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	defer m.Close()

	// Apply all available migrations up to the latest version
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Msg("No migrations to apply; database is up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.Info().Msg("Database migrations applied")
	return nil
}
