// Package config provides configuration structures and validation for the donation services.
// It handles environment-based configuration for every component, including the HTTP server,
// databases, message queues, payment providers and background workers. The resolved Config is
// built once at process start and passed explicitly to the components that need it.
package config

import (
	"errors"
	"strings"
	"time"
)

// Config holds the complete application configuration with settings for all components.
// Each field represents a major subsystem's configuration and is validated during startup.
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Kafka       KafkaConfig
	Postgres    PostgresConfig
	MongoDB     MongoDBConfig
	Redis       RedisConfig
	Outbox      OutboxConfig
	WorkerPool  WorkerPoolConfig
	Ingest      IngestConfig
	Reconciler  ReconcilerConfig
	Metrics     MetricsConfig
	Donations   DonationsConfig
	Mpesa       MpesaConfig
	PayPal      PayPalConfig
	Stripe      StripeConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int           // Port to listen on
	ShutdownTimeout time.Duration // Grace period for server shutdown
	ReadTimeout     time.Duration // Maximum duration for reading entire request
	WriteTimeout    time.Duration // Maximum duration for writing response
	IdleTimeout     time.Duration // Maximum duration to wait for next request
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers           string
	EventsTopic       string // Donation status events published by the outbox poller
	ParkedTopic       string // Verified outcomes that could not be applied yet
	NumPartitions     int
	ReplicationFactor int
	ConsumerGroup     string
	MinBytes          int
	MaxBytes          int
	MaxWait           time.Duration
	DLQTopic          string
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
	LockTimeout     time.Duration // Upper bound on waiting for a donation row lock
}

// MongoDBConfig contains MongoDB configuration
type MongoDBConfig struct {
	URI             string
	Database        string
	Timeout         time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// RedisConfig contains the delivery guard's Redis settings
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	LockTTL      time.Duration // How long an in-flight delivery blocks a duplicate
	ProcessedTTL time.Duration // How long a processed delivery is remembered
	MaxRetries   int
}

// OutboxConfig contains outbox pattern configuration
type OutboxConfig struct {
	PollingInterval  time.Duration
	BatchSize        int
	MaxRetryAttempts int
}

// WorkerPoolConfig contains worker pool configuration
type WorkerPoolConfig struct {
	Size int
}

// IngestConfig bounds how long a provider notification may wait on the ledger
// and how parked outcomes are retried by the processor.
type IngestConfig struct {
	Timeout         time.Duration
	ParkMaxAttempts int
	ParkBackoff     time.Duration
}

// ReconcilerConfig controls the stale pending donation sweep
type ReconcilerConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration // Pending donations older than this are queried at the provider
	GracePeriod time.Duration // Delay before a timed-out initiation is first queried
	ExpireAfter time.Duration // Pending donations older than this are failed when still unresolved
	BatchSize   int
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Namespace string
	Port      int // Only used by binaries without an HTTP server of their own
}

// DonationsConfig contains settings shared by the donation flow
type DonationsConfig struct {
	PublicBaseURL   string        // Used to build provider callback and redirect URLs
	ProviderTimeout time.Duration // Bound for every outbound provider call
}

// MpesaConfig contains Daraja API credentials and endpoints
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
}

// PayPalConfig contains PayPal REST credentials and endpoints
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// StripeConfig contains Stripe API keys
type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	APIBaseURL     string // Empty means the default Stripe API endpoint
}

// validate performs comprehensive validation of all configuration values,
// ensuring they meet minimum requirements and logical constraints
func (c *Config) validate() error {
	var validationErrors []string

	// Validate Server config
	if c.Server.Port <= 0 {
		validationErrors = append(validationErrors, "SERVER_PORT must be greater than 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	if c.Server.ReadTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_READ_TIMEOUT must be greater than 0")
	}
	if c.Server.WriteTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_WRITE_TIMEOUT must be greater than 0")
	}
	if c.Server.IdleTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_IDLE_TIMEOUT must be greater than 0")
	}

	// Validate Kafka config
	if len(c.Kafka.Brokers) == 0 {
		validationErrors = append(validationErrors, "KAFKA_BROKERS is required")
	}
	if c.Kafka.EventsTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_EVENTS_TOPIC is required")
	}
	if c.Kafka.ParkedTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_PARKED_TOPIC is required")
	}
	if c.Kafka.ConsumerGroup == "" {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_GROUP is required")
	}
	if c.Kafka.MinBytes <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MIN_BYTES must be greater than 0")
	}
	if c.Kafka.MaxBytes <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MAX_BYTES must be greater than 0")
	}
	if c.Kafka.MaxWait <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MAX_WAIT must be greater than 0")
	}
	if c.Kafka.DLQTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_DLQ_TOPIC is required")
	}

	// Validate PostgreSQL config
	if c.Postgres.URL == "" {
		validationErrors = append(validationErrors, "POSTGRES_URL is required")
	}
	if c.Postgres.MaxConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONNS must be greater than 0")
	}
	if c.Postgres.MinConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MIN_CONNS must be greater than 0")
	}
	if c.Postgres.ConnMaxLifetime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_LIFETIME must be greater than 0")
	}
	if c.Postgres.ConnMaxIdleTime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_IDLE_TIME must be greater than 0")
	}
	if c.Postgres.LockTimeout <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_LOCK_TIMEOUT must be greater than 0")
	}

	// Validate MongoDB config
	if c.MongoDB.URI == "" {
		validationErrors = append(validationErrors, "MONGO_URI is required")
	}
	if c.MongoDB.Database == "" {
		validationErrors = append(validationErrors, "MONGO_DATABASE is required")
	}
	if c.MongoDB.Timeout <= 0 {
		validationErrors = append(validationErrors, "MONGO_TIMEOUT must be greater than 0")
	}
	if c.MongoDB.MaxPoolSize <= 0 {
		validationErrors = append(validationErrors, "MONGO_MAX_POOL_SIZE must be greater than 0")
	}
	if c.MongoDB.MinPoolSize <= 0 {
		validationErrors = append(validationErrors, "MONGO_MIN_POOL_SIZE must be greater than 0")
	}
	if c.MongoDB.MaxConnIdleTime <= 0 {
		validationErrors = append(validationErrors, "MONGO_MAX_CONN_IDLE_TIME must be greater than 0")
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		validationErrors = append(validationErrors, "REDIS_ADDR is required")
	}
	if c.Redis.LockTTL <= 0 {
		validationErrors = append(validationErrors, "REDIS_LOCK_TTL must be greater than 0")
	}
	if c.Redis.ProcessedTTL <= 0 {
		validationErrors = append(validationErrors, "REDIS_PROCESSED_TTL must be greater than 0")
	}
	if c.Redis.MaxRetries <= 0 {
		validationErrors = append(validationErrors, "REDIS_MAX_RETRIES must be greater than 0")
	}

	// Validate Outbox config
	if c.Outbox.PollingInterval <= 0 {
		validationErrors = append(validationErrors, "OUTBOX_POLLING_INTERVAL must be greater than 0")
	}
	if c.Outbox.BatchSize <= 0 {
		validationErrors = append(validationErrors, "OUTBOX_BATCH_SIZE must be greater than 0")
	}
	if c.Outbox.MaxRetryAttempts <= 0 {
		validationErrors = append(validationErrors, "OUTBOX_MAX_RETRY_ATTEMPTS must be greater than 0")
	}

	// Validate WorkerPool config
	if c.WorkerPool.Size <= 0 {
		validationErrors = append(validationErrors, "WORKER_POOL_SIZE must be greater than 0")
	}

	// Validate Ingest config
	if c.Ingest.Timeout <= 0 {
		validationErrors = append(validationErrors, "INGEST_TIMEOUT must be greater than 0")
	}
	if c.Ingest.ParkMaxAttempts <= 0 {
		validationErrors = append(validationErrors, "INGEST_PARK_MAX_ATTEMPTS must be greater than 0")
	}
	if c.Ingest.ParkBackoff <= 0 {
		validationErrors = append(validationErrors, "INGEST_PARK_BACKOFF must be greater than 0")
	}

	// Validate Reconciler config
	if c.Reconciler.Interval <= 0 {
		validationErrors = append(validationErrors, "RECONCILER_INTERVAL must be greater than 0")
	}
	if c.Reconciler.StaleAfter <= 0 {
		validationErrors = append(validationErrors, "RECONCILER_STALE_AFTER must be greater than 0")
	}
	if c.Reconciler.ExpireAfter <= c.Reconciler.StaleAfter {
		validationErrors = append(validationErrors, "RECONCILER_EXPIRE_AFTER must be greater than RECONCILER_STALE_AFTER")
	}
	if c.Reconciler.BatchSize <= 0 {
		validationErrors = append(validationErrors, "RECONCILER_BATCH_SIZE must be greater than 0")
	}

	// Validate Donations config
	if c.Donations.PublicBaseURL == "" {
		validationErrors = append(validationErrors, "DONATIONS_PUBLIC_BASE_URL is required")
	}
	if c.Donations.ProviderTimeout <= 0 {
		validationErrors = append(validationErrors, "DONATIONS_PROVIDER_TIMEOUT must be greater than 0")
	}

	// Provider endpoints; credentials may be empty in development
	if c.Mpesa.BaseURL == "" {
		validationErrors = append(validationErrors, "MPESA_BASE_URL is required")
	}
	if c.PayPal.BaseURL == "" {
		validationErrors = append(validationErrors, "PAYPAL_BASE_URL is required")
	}
	if c.Application.Env == "production" {
		if c.Mpesa.ConsumerKey == "" || c.Mpesa.ConsumerSecret == "" {
			validationErrors = append(validationErrors, "MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required in production")
		}
		if c.PayPal.ClientID == "" || c.PayPal.ClientSecret == "" {
			validationErrors = append(validationErrors, "PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET are required in production")
		}
		if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" {
			validationErrors = append(validationErrors, "STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required in production")
		}
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}
