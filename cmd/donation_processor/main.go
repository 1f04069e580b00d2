package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/data/mongo"
	"github.com/youthshield-donations/internal/data/postgres"
	"github.com/youthshield-donations/internal/donation_processor/consumer"
	"github.com/youthshield-donations/internal/donation_processor/outbox_poller"
	"github.com/youthshield-donations/internal/donation_processor/reconciler"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/logger"
	"github.com/youthshield-donations/internal/platform/messaging/consumers"
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

	cfg, err := config.LoadConfig("donation_processor")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	log.Info("Starting Donation Processor",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
	)

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

	eventProducer, err := producers.NewDonationEventProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize donation event Kafka producer", "error", err)
		os.Exit(1)
	}

	parkedProducer, err := producers.NewParkedOutcomeProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize parked outcome Kafka producer", "error", err)
		os.Exit(1)
	}

	dlqProducer, err := producers.NewDLQProducer(appCtx, log, &cfg.Kafka, cfg.Kafka.ParkedTopic)
	if err != nil {
		log.Error("Failed to initialize DLQ Kafka producer", "error", err)
		os.Exit(1)
	}
	// A nil *DLQProducer must not reach the handler as a non-nil interface
	var deadLetters producers.DeadLetterPublisher
	if dlqProducer != nil {
		deadLetters = dlqProducer
	}

	kafkaConsumer := consumers.NewKafkaConsumer(appCtx, log, &cfg.Kafka, cfg.Kafka.ParkedTopic)

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

	registry := providers.NewRegistry(
		providers.WithMetrics(mpesa.NewProvider(log, &cfg.Mpesa, &cfg.Donations), m),
		providers.WithMetrics(paypal.NewProvider(log, &cfg.PayPal, &cfg.Donations), m),
		providers.WithMetrics(stripe.NewProvider(log, &cfg.Stripe, &cfg.Donations), m),
	)

	parkedHandler := consumer.NewParkedOutcomeHandler(log, &cfg.Ingest, donationLedger, parkedProducer, deadLetters, m)

	eventPublisher := outbox_poller.NewEventPublisher(outboxRepo, auditRepo, eventProducer, log)
	poller := outbox_poller.NewPoller(&cfg.Outbox, outboxRepo, eventPublisher, m, log)

	sweeper, err := reconciler.NewReconciler(&cfg.Reconciler, cfg.WorkerPool.Size, donationLedger, registry, m, log)
	if err != nil {
		log.Error("Failed to initialize reconciler", "error", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 3)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Starting Kafka consumer",
			"topic", cfg.Kafka.ParkedTopic,
			"group", cfg.Kafka.ConsumerGroup,
		)
		if err := kafkaConsumer.Subscribe(appCtx, cfg.Kafka.ParkedTopic, cfg.Kafka.ConsumerGroup, parkedHandler.HandleMessage); err != nil {
			errChan <- fmt.Errorf("kafka consumer error: %w", err)
			return
		}
		<-kafkaConsumer.Done()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Start(appCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Start(appCtx)
	}()

	go func() {
		log.Info("Starting metrics server", "port", cfg.Metrics.Port)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var serviceErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Service error occurred", "error", err)
		serviceErr = err
	}

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	if err = metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down metrics server", "error", err)
	}

	log.Info("Waiting for services to stop...")
	wgChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(wgChan)
	}()

	select {
	case <-wgChan:
		log.Info("All services stopped successfully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout reached, forcing exit")
	}

	sweeper.Shutdown()

	if dlqProducer != nil {
		if err = dlqProducer.Close(); err != nil {
			log.Error("Error closing DLQ Kafka producer", "error", err)
		}
	}

	if err = parkedProducer.Close(); err != nil {
		log.Error("Error closing parked outcome Kafka producer", "error", err)
	}

	if err = eventProducer.Close(); err != nil {
		log.Error("Error closing donation event Kafka producer", "error", err)
	}

	if err = kafkaConsumer.Close(); err != nil {
		log.Error("Error closing Kafka consumer", "error", err)
	}

	postgresDB.Close()

	if err = mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	if serviceErr != nil {
		log.Error("Donation Processor shutdown with errors", "error", serviceErr)
	}
	if err != nil {
		log.Error("Donation Processor shutdown completed with errors")
	} else {
		log.Info("Donation Processor shutdown completed successfully")
	}
}
