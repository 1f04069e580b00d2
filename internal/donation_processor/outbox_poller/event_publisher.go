package outbox_poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/youthshield-donations/internal/domain/audit"
	"github.com/youthshield-donations/internal/domain/outbox"
	"github.com/youthshield-donations/internal/platform/messaging/producers"
)

// EventPublisher relays outbox messages to the donation history and the events topic
type EventPublisher interface {
	PublishEvent(ctx context.Context, message *outbox.Message) error
}

// EventPublisherImpl implements EventPublisher
type EventPublisherImpl struct {
	outboxRepo outbox.Repository
	history    audit.Repository
	producer   producers.MessagePublisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewEventPublisher creates a new publisher
func NewEventPublisher(
	outboxRepo outbox.Repository,
	history audit.Repository,
	producer producers.MessagePublisher,
	logger *slog.Logger,
) EventPublisher {
	return &EventPublisherImpl{
		outboxRepo: outboxRepo,
		history:    history,
		producer:   producer,
		logger:     logger,
		now:        time.Now,
	}
}

// PublishEvent stores the event in the donation history, publishes it keyed by donation id
// and marks the message processed. A history write that already happened is not repeated.
func (p *EventPublisherImpl) PublishEvent(ctx context.Context, message *outbox.Message) error {
	event, err := message.GetEvent()
	if err != nil {
		p.logger.Error("Failed to unmarshal donation event from outbox payload",
			"outbox_id", message.ID, "donation_id", message.DonationID, "error", err,
		)
		message.MarkAsFailed()
		if updateErr := p.outboxRepo.UpdateStatus(ctx, message.ID, message.Status); updateErr != nil {
			p.logger.Error("Also failed to update outbox status to FAILED_TO_PUBLISH after unmarshal error", "outbox_id", message.ID, "update_error", updateErr)
		}
		return fmt.Errorf("unmarshal payload for outbox %d failed: %w", message.ID, err)
	}

	logger := p.logger.With("donation_id", event.DonationID.String(), "event_id", event.EventID.String())
	if event.CorrelationID != "" {
		logger = logger.With("correlation_id", event.CorrelationID)
	}

	publishedAt := p.now().UTC()
	event.PublishedAt = &publishedAt

	err = p.history.CreateEvent(ctx, event)
	switch {
	case err == nil:
		logger.Debug("Donation event stored in history", "type", event.Type)
	case errors.Is(err, audit.ErrDuplicateEvent{}):
		logger.Info("Donation event already in history", "type", event.Type)
	default:
		logger.Error("Failed to store donation event in history", "error", err)
		return fmt.Errorf("failed to store donation event %s: %w", event.EventID, err)
	}

	if err := p.producer.Publish(ctx, event.DonationID.String(), event); err != nil {
		logger.Error("Failed to publish donation event", "error", err)
		return fmt.Errorf("failed to publish donation event %s: %w", event.EventID, err)
	}

	message.MarkAsProcessed()
	if err := p.outboxRepo.UpdateStatus(ctx, message.ID, message.Status); err != nil {
		logger.Error("Failed to update outbox message status to PROCESSED", "outbox_id", message.ID, "error", err)
		return fmt.Errorf("event %s published, but failed to mark outbox %d as PROCESSED: %w", event.EventID, message.ID, err)
	}

	logger.Info("Donation event published", "outbox_id", message.ID, "type", event.Type, "status", event.Status)
	return nil
}
