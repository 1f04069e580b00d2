package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/platform/messaging/producers"
)

// maxParkDelay caps the backoff between redeliveries of one outcome
const maxParkDelay = 5 * time.Minute

// Metrics counts parked outcomes by result
type Metrics interface {
	ParkedOutcome(result string)
}

// ParkedOutcomeHandler re-applies payment outcomes the gateway could not apply in time
type ParkedOutcomeHandler struct {
	applier     ledger.OutcomeApplier
	requeue     producers.MessagePublisher
	dlq         producers.DeadLetterPublisher
	metrics     Metrics
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	wait        func(ctx context.Context, d time.Duration) error
}

// NewParkedOutcomeHandler creates a new handler. requeue publishes to the parked topic
// itself; metrics may be nil.
func NewParkedOutcomeHandler(
	logger *slog.Logger,
	cfg *config.IngestConfig,
	applier ledger.OutcomeApplier,
	requeue producers.MessagePublisher,
	dlq producers.DeadLetterPublisher,
	metrics Metrics,
) *ParkedOutcomeHandler {
	return &ParkedOutcomeHandler{
		applier:     applier,
		requeue:     requeue,
		dlq:         dlq,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: cfg.ParkMaxAttempts,
		backoff:     cfg.ParkBackoff,
		now:         time.Now,
		wait:        sleepContext,
	}
}

// HandleMessage applies one parked outcome. A failed attempt is republished with backoff
// until the attempt budget is spent, then the outcome goes to the DLQ. Returning an error
// leaves the offset uncommitted.
func (h *ParkedOutcomeHandler) HandleMessage(ctx context.Context, key []byte, value []byte) error {
	var parked shared.ParkedOutcome
	if err := json.Unmarshal(value, &parked); err != nil {
		h.logger.Error("Failed to unmarshal parked outcome from Kafka message", "error", err, "message_key", string(key))
		return h.deadLetter(ctx, h.logger, key, value, fmt.Sprintf("unreadable parked outcome: %s", err))
	}

	logger := h.logger.With(
		"message_key", string(key),
		"provider", parked.Outcome.Method,
		"provider_correlation_id", parked.Outcome.CorrelationID,
		"attempts", parked.Attempts,
	)
	if parked.CorrelationID != "" {
		logger = logger.With("correlation_id", parked.CorrelationID)
	}

	if delay := parked.NextAttemptAt.Sub(h.now()); delay > 0 {
		if err := h.wait(ctx, min(delay, maxParkDelay)); err != nil {
			return err
		}
	}

	res, err := h.applier.ApplyOutcome(ctx, &parked.Outcome)
	if err == nil {
		result := "applied"
		if !res.Applied {
			result = "duplicate"
		}
		logger.Info("Parked payment outcome applied", "donation_id", res.Donation.ID.String(), "status", res.Donation.Status, "result", result)
		h.record(result)
		return nil
	}

	if parked.Attempts+1 >= h.maxAttempts {
		logger.Error("Parked payment outcome exhausted its attempts", "error", err)
		return h.deadLetter(ctx, logger, key, value, deadLetterReason(err))
	}

	next := parked.Retry(err.Error(), h.backoff, maxParkDelay, h.now())
	if pubErr := h.requeue.Publish(ctx, string(key), next); pubErr != nil {
		logger.Error("Failed to requeue parked payment outcome", "error", pubErr, "apply_error", err)
		return fmt.Errorf("requeue parked outcome %s failed: %w", key, pubErr)
	}

	logger.Warn("Parked payment outcome requeued", "error", err, "next_attempt_at", next.NextAttemptAt)
	h.record("requeued")
	return nil
}

func (h *ParkedOutcomeHandler) deadLetter(ctx context.Context, logger *slog.Logger, key, value []byte, reason string) error {
	if h.dlq == nil {
		return fmt.Errorf("no dead letter queue for parked outcome %s: %s", key, reason)
	}
	if err := h.dlq.PublishToDLQ(ctx, string(key), value, reason); err != nil {
		logger.Error("Failed to publish parked outcome to DLQ", "dlq_error", err, "reason", reason)
		return fmt.Errorf("dead letter parked outcome %s failed: %w", key, err)
	}
	logger.Info("Parked outcome sent to DLQ", "reason", reason)
	h.record("dead_letter")
	return nil
}

func (h *ParkedOutcomeHandler) record(result string) {
	if h.metrics != nil {
		h.metrics.ParkedOutcome(result)
	}
}

func deadLetterReason(err error) string {
	if errors.Is(err, donation.ErrCorrelationNotFound{}) {
		return "unmatched: " + err.Error()
	}
	return "apply failed: " + err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
