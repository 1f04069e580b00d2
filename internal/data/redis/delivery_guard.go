// Package redis guards provider notification deliveries against concurrent and repeated
// processing. The ledger stays the source of truth; the guard only keeps duplicate
// deliveries from reaching it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/youthshield-donations/internal/config"
)

var (
	ErrAlreadyProcessed   = errors.New("delivery already processed")
	ErrInFlight           = errors.New("delivery is being processed by another request")
	ErrMaxRetriesExceeded = errors.New("maximum delivery retries exceeded")
)

// releaseScript deletes the lock only while it still carries our token
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GuardConfig holds key layout and expiry settings
type GuardConfig struct {
	KeyPrefix    string
	LockTTL      time.Duration
	ProcessedTTL time.Duration
	MaxRetries   int
}

// NewGuardConfig maps the Redis section of the service configuration
func NewGuardConfig(cfg *config.RedisConfig) GuardConfig {
	return GuardConfig{
		KeyPrefix:    cfg.KeyPrefix,
		LockTTL:      cfg.LockTTL,
		ProcessedTTL: cfg.ProcessedTTL,
		MaxRetries:   cfg.MaxRetries,
	}
}

// Delivery is a claimed notification delivery
type Delivery struct {
	Key     string
	Attempt int // Failed attempts recorded before this one
	IsRetry bool

	token string
	held  bool
}

// DeliveryGuard keeps a processed marker, an in-flight lock and a retry counter per delivery key
type DeliveryGuard struct {
	client goredis.UniversalClient
	config GuardConfig
	logger *slog.Logger
}

// NewDeliveryGuard creates a Redis backed delivery guard
func NewDeliveryGuard(logger *slog.Logger, client goredis.UniversalClient, cfg GuardConfig) *DeliveryGuard {
	return &DeliveryGuard{
		client: client,
		config: cfg,
		logger: logger,
	}
}

func (g *DeliveryGuard) processedKey(key string) string {
	return g.config.KeyPrefix + "processed:" + key
}

func (g *DeliveryGuard) lockKey(key string) string {
	return g.config.KeyPrefix + "lock:" + key
}

func (g *DeliveryGuard) retryKey(key string) string {
	return g.config.KeyPrefix + "retry:" + key
}

// Acquire claims a delivery for processing.
// Returns ErrAlreadyProcessed, ErrInFlight or ErrMaxRetriesExceeded when the caller must not proceed.
func (g *DeliveryGuard) Acquire(ctx context.Context, key string) (*Delivery, error) {
	exists, err := g.client.Exists(ctx, g.processedKey(key)).Result()
	if err != nil {
		// The ledger is idempotent, so a missing marker only costs a redundant apply
		g.logger.Warn("Failed to check processed marker", "delivery_key", key, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	attempt := 0
	raw, err := g.client.Get(ctx, g.retryKey(key)).Result()
	switch {
	case err == nil:
		attempt, _ = strconv.Atoi(raw)
	case !errors.Is(err, goredis.Nil):
		g.logger.Warn("Failed to read retry counter", "delivery_key", key, "error", err)
	}

	if g.config.MaxRetries > 0 && attempt >= g.config.MaxRetries {
		return nil, fmt.Errorf("%w: delivery_key=%s, retries=%d", ErrMaxRetriesExceeded, key, attempt)
	}

	token := uuid.NewString()
	acquired, err := g.client.SetNX(ctx, g.lockKey(key), token, g.config.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire delivery lock: %w", err)
	}
	if !acquired {
		return nil, ErrInFlight
	}

	g.logger.Debug("Delivery lock acquired", "delivery_key", key, "attempt", attempt)

	return &Delivery{
		Key:     key,
		Attempt: attempt,
		IsRetry: attempt > 0,
		token:   token,
		held:    true,
	}, nil
}

// MarkProcessed sets the long-lived processed marker and clears the lock and retry counter
func (g *DeliveryGuard) MarkProcessed(ctx context.Context, d *Delivery) error {
	if err := g.client.Set(ctx, g.processedKey(d.Key), "1", g.config.ProcessedTTL).Err(); err != nil {
		g.logger.Error("Failed to mark delivery processed", "delivery_key", d.Key, "error", err)
		return fmt.Errorf("failed to mark delivery processed: %w", err)
	}

	if err := g.client.Del(ctx, g.retryKey(d.Key)).Err(); err != nil {
		g.logger.Warn("Failed to clear retry counter", "delivery_key", d.Key, "error", err)
	}

	return g.Release(ctx, d)
}

// MarkFailed bumps the retry counter and releases the lock so the provider's retry can proceed
func (g *DeliveryGuard) MarkFailed(ctx context.Context, d *Delivery, reason error) error {
	pipe := g.client.TxPipeline()
	pipe.Incr(ctx, g.retryKey(d.Key))
	pipe.Expire(ctx, g.retryKey(d.Key), g.config.ProcessedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Error("Failed to increment retry counter", "delivery_key", d.Key, "error", err)
	}

	g.logger.Warn("Delivery failed, provider retry expected",
		"delivery_key", d.Key,
		"attempt", d.Attempt+1,
		"max_retries", g.config.MaxRetries,
		"reason", reason)

	return g.Release(ctx, d)
}

// Release drops the in-flight lock if this delivery still owns it
func (g *DeliveryGuard) Release(ctx context.Context, d *Delivery) error {
	if d == nil || !d.held {
		return nil
	}

	if err := releaseScript.Run(ctx, g.client, []string{g.lockKey(d.Key)}, d.token).Err(); err != nil {
		g.logger.Warn("Failed to release delivery lock", "delivery_key", d.Key, "error", err)
		return fmt.Errorf("failed to release delivery lock: %w", err)
	}

	d.held = false
	return nil
}

// IsProcessed reports whether a delivery was already applied
func (g *DeliveryGuard) IsProcessed(ctx context.Context, key string) (bool, error) {
	exists, err := g.client.Exists(ctx, g.processedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return exists > 0, nil
}

// RetryCount returns the failed attempts recorded for a delivery
func (g *DeliveryGuard) RetryCount(ctx context.Context, key string) (int, error) {
	raw, err := g.client.Get(ctx, g.retryKey(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read retry counter: %w", err)
	}
	return strconv.Atoi(raw)
}
