package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/youthshield-donations/internal/data/redis"
	"github.com/youthshield-donations/internal/domain/audit"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/platform/messaging/producers"
	"github.com/youthshield-donations/internal/providers"
)

// ErrRetryLater means the notification was not applied and the provider should deliver it again
var ErrRetryLater = errors.New("notification could not be applied, retry later")

// sideEffectTimeout bounds audit, guard and parking writes that outlive the request
const sideEffectTimeout = 5 * time.Second

// IngestReport describes what happened to a notification
type IngestReport struct {
	Result   shared.IngestResult
	Outcome  *donation.PaymentOutcome
	Donation *donation.Donation
}

// IngestConfig bounds how long a notification may wait on the ledger
type IngestConfig struct {
	Timeout time.Duration
}

// IngestServiceImpl implements the IngestService interface
type IngestServiceImpl struct {
	applier   ledger.OutcomeApplier
	providers ProviderRegistry
	guard     DeliveryGuard
	audit     NotificationRecorder
	parked    producers.MessagePublisher
	metrics   IngestMetrics
	config    IngestConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewIngestService creates a new ingest service. audit, parked and metrics may be nil.
func NewIngestService(
	logger *slog.Logger,
	applier ledger.OutcomeApplier,
	providers ProviderRegistry,
	guard DeliveryGuard,
	audit NotificationRecorder,
	parked producers.MessagePublisher,
	metrics IngestMetrics,
	cfg IngestConfig,
) IngestService {
	return &IngestServiceImpl{
		applier:   applier,
		providers: providers,
		guard:     guard,
		audit:     audit,
		parked:    parked,
		metrics:   metrics,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Ingest authenticates and parses n, then applies its outcome within the ingest timeout.
// Outcomes that cannot be applied in time are parked for the processor and reported with
// ErrRetryLater so the provider delivers them again.
func (s *IngestServiceImpl) Ingest(ctx context.Context, method donation.PaymentMethod, n *providers.Notification) (*IngestReport, error) {
	start := s.now()
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = start
	}
	logger := s.logger.With("provider", method, "request_id", n.RequestID)
	record := audit.NewNotification(method, notificationPayload(n), n.ReceivedAt)

	report, err := s.ingest(ctx, logger, method, n, record)

	record.Outcome = shared.IngestReceived
	if report != nil {
		record.Outcome = report.Result
		if report.Donation != nil {
			id := report.Donation.ID
			record.DonationID = &id
		}
	}
	if err != nil {
		record.Error = err.Error()
	}
	s.recordNotification(ctx, logger, record)

	if s.metrics != nil {
		s.metrics.Notification(string(method), string(record.Outcome), start)
	}
	return report, err
}

func (s *IngestServiceImpl) ingest(ctx context.Context, logger *slog.Logger, method donation.PaymentMethod, n *providers.Notification, record *audit.Notification) (*IngestReport, error) {
	provider, err := s.providers.Get(method)
	if err != nil {
		return nil, err
	}

	outcome, err := provider.ParseNotification(ctx, n)
	if err != nil {
		if errors.As(err, &providers.ErrInvalidSignature{}) {
			logger.Warn("Rejected notification with invalid signature", "error", err)
			return &IngestReport{Result: shared.IngestRejected}, err
		}
		if errors.As(err, &providers.ErrMalformedNotification{}) {
			logger.Warn("Rejected malformed notification", "error", err)
			return &IngestReport{Result: shared.IngestRejected}, err
		}
		logger.Error("Failed to parse notification", "error", err)
		return &IngestReport{Result: shared.IngestReceived}, fmt.Errorf("%w: %w", ErrRetryLater, err)
	}
	if outcome == nil {
		logger.Info("Notification carries no payment result")
		return &IngestReport{Result: shared.IngestIgnored}, nil
	}

	key := outcome.DeliveryKey()
	record.DeliveryKey = key
	record.CorrelationID = outcome.CorrelationID
	logger = logger.With("delivery_key", key, "correlation_id", outcome.CorrelationID)

	delivery, err := s.guard.Acquire(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, redis.ErrAlreadyProcessed):
		logger.Info("Duplicate notification acknowledged")
		return &IngestReport{Result: shared.IngestDuplicate, Outcome: outcome}, nil
	case errors.Is(err, redis.ErrInFlight):
		logger.Info("Notification already being applied by another request")
		return &IngestReport{Result: shared.IngestReceived, Outcome: outcome}, fmt.Errorf("%w: %w", ErrRetryLater, err)
	case errors.Is(err, redis.ErrMaxRetriesExceeded):
		// Further provider retries would fail the same way; the processor takes over
		if s.park(ctx, logger, outcome, err, n.RequestID) {
			return &IngestReport{Result: shared.IngestParked, Outcome: outcome}, nil
		}
		return &IngestReport{Result: shared.IngestReceived, Outcome: outcome}, fmt.Errorf("%w: %w", ErrRetryLater, err)
	default:
		logger.Warn("Delivery guard unavailable, applying without it", "error", err)
		delivery = nil
	}

	applyCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	res, err := s.applier.ApplyOutcome(applyCtx, outcome)
	if err == nil {
		s.markProcessed(ctx, logger, delivery)
		result := shared.IngestApplied
		if !res.Applied {
			result = shared.IngestDuplicate
		}
		return &IngestReport{Result: result, Outcome: outcome, Donation: res.Donation}, nil
	}

	s.markFailed(ctx, logger, delivery, err)
	if errors.Is(err, donation.ErrCorrelationNotFound{}) {
		logger.Warn("Notification matches no donation", "error", err)
		return &IngestReport{Result: shared.IngestUnmatched, Outcome: outcome}, err
	}

	logger.Warn("Payment outcome not applied in time", "error", err)
	result := shared.IngestReceived
	if s.park(ctx, logger, outcome, err, n.RequestID) {
		result = shared.IngestParked
	}
	return &IngestReport{Result: result, Outcome: outcome}, fmt.Errorf("%w: %w", ErrRetryLater, err)
}

// park hands the outcome to the processor and reports whether it was accepted
func (s *IngestServiceImpl) park(ctx context.Context, logger *slog.Logger, outcome *donation.PaymentOutcome, cause error, requestID string) bool {
	if s.parked == nil {
		return false
	}

	msg, err := shared.NewParkedOutcome(outcome, cause.Error(), requestID, s.now())
	if err != nil {
		logger.Error("Failed to build parked outcome", "error", err)
		return false
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.parked.Publish(pubCtx, outcome.DeliveryKey(), msg); err != nil {
		logger.Error("Failed to park payment outcome", "error", err)
		return false
	}

	logger.Info("Payment outcome parked for redelivery", "reason", cause.Error())
	return true
}

func (s *IngestServiceImpl) markProcessed(ctx context.Context, logger *slog.Logger, d *redis.Delivery) {
	if d == nil {
		return
	}
	guardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.guard.MarkProcessed(guardCtx, d); err != nil {
		logger.Warn("Failed to mark delivery processed", "error", err)
	}
}

func (s *IngestServiceImpl) markFailed(ctx context.Context, logger *slog.Logger, d *redis.Delivery, reason error) {
	if d == nil {
		return
	}
	guardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.guard.MarkFailed(guardCtx, d, reason); err != nil {
		logger.Warn("Failed to record delivery failure", "error", err)
	}
}

func (s *IngestServiceImpl) recordNotification(ctx context.Context, logger *slog.Logger, record *audit.Notification) {
	if s.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.audit.RecordNotification(auditCtx, record); err != nil {
		logger.Warn("Failed to record provider notification", "error", err)
	}
}

// notificationPayload returns the raw body, or the redirect parameters for body-less redirects
func notificationPayload(n *providers.Notification) json.RawMessage {
	if len(n.Payload) > 0 {
		return n.Payload
	}
	raw, err := json.Marshal(struct {
		DonationID string            `json:"donation_id,omitempty"`
		Params     map[string]string `json:"params,omitempty"`
	}{n.DonationID, n.Params})
	if err != nil {
		return nil
	}
	return raw
}
