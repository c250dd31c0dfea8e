package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ms-booking/internal/analytics"
	"ms-booking/internal/api"
	"ms-booking/internal/auth"
	"ms-booking/internal/booking"
	"ms-booking/internal/checkout"
	"ms-booking/internal/config"
	"ms-booking/internal/course"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/discount"
	"ms-booking/internal/events"
	"ms-booking/internal/kafka"
	"ms-booking/internal/ledger/db"
	"ms-booking/internal/logger"
	"ms-booking/internal/membership"
	"ms-booking/internal/metrics"
	"ms-booking/internal/notify"
	"ms-booking/internal/payment"
	bookingredis "ms-booking/internal/redis"
	"ms-booking/internal/sse"
	"ms-booking/internal/trainer"
	"ms-booking/internal/webhook"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func verifyConnections(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bun.DB, *redis.Client) {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		sqldb.Close()
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	log.Info("DATABASE", "PostgreSQL connection successful")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, redisClient.Options().DB))

	return bun.NewDB(sqldb, pgdialect.New()), redisClient
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting booking service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, redisClient := verifyConnections(ctx, cfg, log)
	defer bunDB.Close()
	defer redisClient.Close()

	if cfg.Migrations.AutoMigrate {
		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{MigrationsDir: cfg.Migrations.Dir, AutoMigrate: true}, log)
		if err := runner.RunMigrations(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		log.Info("DATABASE", "Schema is up to date")
	}

	metrics.Register()
	ledger := db.New(bunDB)

	// Events go to Kafka for other services and to Redis for connected browsers
	broadcaster := bookingredis.NewStatusBroadcaster(redisClient, cfg.Redis.StatusChannel)
	var publisher *events.Publisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		topics := []string{cfg.Kafka.Topics.BookingEvents, cfg.Kafka.Topics.MembershipEvents}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		publisher = events.NewPublisher(producer, broadcaster, cfg.Kafka.Topics.BookingEvents, cfg.Kafka.Topics.MembershipEvents, log)
	} else {
		log.Warn("KAFKA", "Kafka disabled, booking events only reach the status channel")
		publisher = events.NewPublisher(nil, broadcaster, "", "", log)
	}

	gateway, err := payment.NewStripeGateway(cfg.Stripe.SecretKey, nil, payment.NewRetryPolicy(cfg.Retry), log)
	if err != nil {
		log.Fatal("STRIPE", err.Error())
	}

	var mailer notify.Mailer = notify.LogMailer{Log: log}
	if cfg.Email.APIKey != "" {
		mailer = notify.NewHTTPMailer(cfg.Email)
	} else {
		log.Warn("EMAIL", "EMAIL_API_KEY not set, emails are only logged")
	}
	checkInSecret := cfg.App.CheckInSecret
	if checkInSecret == "" {
		checkInSecret = cfg.Stripe.WebhookSecret
	}
	codes := notify.NewCheckInCodes(checkInSecret)
	notifier := notify.NewNotifier(mailer, codes, cfg.App.PublicBaseURL, log)

	discounts := discount.NewService(ledger, log)
	memberships := membership.NewService(ledger, publisher, log)
	courses := course.NewService(ledger, log)

	initiator := checkout.NewInitiator(ledger, gateway, discounts, checkout.Options{
		PublicBaseURL:     cfg.App.PublicBaseURL,
		Currency:          cfg.Stripe.Currency,
		MembershipProduct: cfg.App.MembershipProduct,
	}, log)

	processor := webhook.NewProcessor(webhook.ProcessorDeps{
		Ledger:      ledger,
		Memberships: memberships,
		Discounts:   discounts,
		Notifier:    notifier,
		Events:      publisher,
		DecisionTTL: cfg.App.TrainerDecisionTTL,
		Log:         log,
	})

	decisions := trainer.NewGateway(trainer.Deps{
		Store:    ledger,
		Holds:    gateway,
		Locker:   bookingredis.NewDecisionLock(redisClient, cfg.App.DecisionLockTTL),
		Notifier: notifier,
		Events:   publisher,
		Log:      log,
	})

	bookings := booking.NewService(booking.Deps{
		Store:          ledger,
		Holds:          decisions,
		Sessions:       gateway,
		Memberships:    memberships,
		Events:         publisher,
		PlaceholderTTL: cfg.App.PlaceholderTTL,
		Log:            log,
	})

	verifier, err := auth.NewVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}

	emitter := sse.NewStatusEmitter()
	updates, err := broadcaster.Subscribe(ctx)
	if err != nil {
		log.Warn("REDIS", fmt.Sprintf("Status stream unavailable: %v", err))
	} else {
		go emitter.Run(updates)
	}

	server := api.NewServer(api.Deps{
		Checkouts:    initiator,
		Bookings:     bookings,
		Memberships:  memberships,
		Discounts:    discounts,
		Courses:      courses,
		Analytics:    analytics.NewService(ledger),
		CheckInCodes: codes,
		Status:       emitter,
		Webhook:      webhook.NewHandler(webhook.NewVerifier(cfg.Stripe.WebhookSecret), processor, log),
		Trainer:      trainer.NewHandler(decisions, log),
		Verifier:     verifier,
		CronSecret:   cfg.Cron.Secret,
		RateLimit:    cfg.RateLimit,
		Log:          log,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Booking service running on %s", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	} else {
		log.Info("HTTP", "Booking service shutdown complete")
	}
}
