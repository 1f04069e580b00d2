package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/data/mongo"
	"github.com/youthshield-donations/internal/data/postgres"
	"github.com/youthshield-donations/internal/data/redis"
	"github.com/youthshield-donations/internal/donation_gateway"
	"github.com/youthshield-donations/internal/donation_gateway/service"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/logger"
	"github.com/youthshield-donations/internal/platform/messaging/producers"
	"github.com/youthshield-donations/internal/platform/metrics"
	"github.com/youthshield-donations/internal/platform/persistence"
	"github.com/youthshield-donations/internal/providers"
	"github.com/youthshield-donations/internal/providers/mpesa"
	"github.com/youthshield-donations/internal/providers/paypal"
	"github.com/youthshield-donations/internal/providers/stripe"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("donation_gateway")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	log.Info("Starting Donation Gateway",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
	)

	if err := persistence.RunMigrations(cfg.Postgres.URL, cfg.Postgres.MigrationsPath); err != nil {
		log.Error("Failed to apply database migrations", "error", err)
		os.Exit(1)
	}

	postgresDB, err := persistence.NewPostgresDB(appCtx, log, &cfg.Postgres)
	if err != nil {
		log.Error("Failed to initialize PostgreSQL", "error", err)
		os.Exit(1)
	}

	mongoDB, err := persistence.NewMongoDB(appCtx, log, &cfg.MongoDB)
	if err != nil {
		log.Error("Failed to initialize MongoDB", "error", err)
		os.Exit(1)
	}

	redisClient, err := persistence.NewRedisClient(appCtx, log, &cfg.Redis)
	if err != nil {
		log.Error("Failed to initialize Redis", "error", err)
		os.Exit(1)
	}

	// Verified outcomes that cannot be applied within the callback budget are parked here
	parkedProducer, err := producers.NewParkedOutcomeProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize parked outcome Kafka producer", "error", err)
		os.Exit(1)
	}

	m := metrics.New(cfg.Metrics.Namespace)

	// Initialize repositories
	donationRepo := postgres.NewDonationRepository(log, postgresDB)
	transactionRepo := postgres.NewProviderTransactionRepository(log, postgresDB)
	correlationIndex := postgres.NewCorrelationIndex(log, postgresDB)
	outboxRepo := postgres.NewOutboxRepository(log, postgresDB)
	auditRepo := mongo.NewAuditRepository(log, mongoDB.Database())
	if err := auditRepo.EnsureIndexes(appCtx); err != nil {
		log.Warn("Failed to ensure audit indexes", "error", err)
	}

	donationLedger := ledger.NewLedger(postgresDB, donationRepo, transactionRepo, correlationIndex, outboxRepo, log,
		ledger.WithRecorder(m),
	)

	applier, err := ledger.NewWorkerPoolApplier(donationLedger, ledger.WorkerPoolConfig{Size: cfg.WorkerPool.Size}, log)
	if err != nil {
		log.Error("Failed to initialize worker pool", "error", err)
		os.Exit(1)
	}

	registry := providers.NewRegistry(
		providers.WithMetrics(mpesa.NewProvider(log, &cfg.Mpesa, &cfg.Donations), m),
		providers.WithMetrics(paypal.NewProvider(log, &cfg.PayPal, &cfg.Donations), m),
		providers.WithMetrics(stripe.NewProvider(log, &cfg.Stripe, &cfg.Donations), m),
	)

	guard := redis.NewDeliveryGuard(log, redisClient, redis.NewGuardConfig(&cfg.Redis))

	// Initialize services
	donationService := service.NewDonationService(log, donationLedger, registry, service.DonationServiceConfig{
		ProviderTimeout: cfg.Donations.ProviderTimeout,
		ReconcileGrace:  cfg.Reconciler.GracePeriod,
	})
	ingestService := service.NewIngestService(log, applier, registry, guard, auditRepo, parkedProducer, m,
		service.IngestConfig{Timeout: cfg.Ingest.Timeout},
	)

	server := donation_gateway.NewServer(log, cfg, donationService, ingestService, m.Handler())
	log.Info("REST server initialized", "providers", registry.Methods())

	errChan := make(chan error, 1)

	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var serverErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Server error occurred", "error", err)
		serverErr = err
	}

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	// Stop accepting callbacks before the stores they write to go away
	if err = server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
	}

	log.Info("Shutting down worker pool", "running_workers", applier.Running())
	applier.Shutdown()

	postgresDB.Close()

	if err = parkedProducer.Close(); err != nil {
		log.Error("Error closing Kafka producer", "error", err)
	}

	if err = redisClient.Close(); err != nil {
		log.Error("Error closing Redis client", "error", err)
	}

	if err = mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	if serverErr != nil {
		log.Error("HTTP server shutdown with errors", "error", serverErr)
	}
	if err != nil {
		log.Error("Server shutdown completed with errors")
	} else {
		log.Info("Server shutdown completed successfully")
	}
}
