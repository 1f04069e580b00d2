package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/youthshield-donations/internal/domain/audit"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// EventsCollectionName holds donation status events
	EventsCollectionName = "donation_events"
	// NotificationsCollectionName holds raw provider callbacks and webhooks
	NotificationsCollectionName = "provider_notifications"
)

// AuditRepository implements the audit.Repository interface for MongoDB
type AuditRepository struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewAuditRepository creates a new MongoDB audit repository
func NewAuditRepository(logger *slog.Logger, db *mongo.Database) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureIndexes creates the lookup indexes used by the repository. Safe to call on every start.
func (r *AuditRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.db.Collection(EventsCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "donation_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create donation event indexes: %w", err)
	}

	_, err = r.db.Collection(NotificationsCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "donation_id", Value: 1}, {Key: "received_at", Value: -1}}},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create provider notification indexes: %w", err)
	}

	return nil
}

// CreateEvent stores a donation event after checking for duplicates.
// Returns ErrDuplicateEvent if the event was already recorded.
func (r *AuditRepository) CreateEvent(ctx context.Context, event *audit.Event) error {
	collection := r.db.Collection(EventsCollectionName)

	existing, err := r.GetEvent(ctx, event.EventID)
	if err != nil && !errors.Is(err, audit.ErrEventNotFound{}) {
		r.logger.Error("Failed to check for existing donation event",
			"event_id", event.EventID.String(),
			"error", err)
		return fmt.Errorf("failed to check for existing donation event: %w", err)
	}

	if existing != nil {
		return audit.ErrDuplicateEvent{EventID: event.EventID}
	}

	_, err = collection.InsertOne(ctx, event)
	if err != nil {
		// A concurrent publisher won the race on the unique index
		if mongo.IsDuplicateKeyError(err) {
			return audit.ErrDuplicateEvent{EventID: event.EventID}
		}
		r.logger.Error("Failed to create donation event",
			"event_id", event.EventID.String(),
			"donation_id", event.DonationID.String(),
			"error", err)
		return fmt.Errorf("failed to create donation event: %w", err)
	}

	return nil
}

// GetEvent retrieves a donation event by its ID.
// Returns ErrEventNotFound if no such event exists.
func (r *AuditRepository) GetEvent(ctx context.Context, eventID uuid.UUID) (*audit.Event, error) {
	collection := r.db.Collection(EventsCollectionName)

	filter := bson.M{"event_id": eventID}
	var event audit.Event
	err := collection.FindOne(ctx, filter).Decode(&event)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, audit.ErrEventNotFound{EventID: eventID}
		}
		r.logger.Error("Failed to get donation event",
			"event_id", eventID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to get donation event: %w", err)
	}

	return &event, nil
}

// ListEvents retrieves paginated events for a donation, newest first.
func (r *AuditRepository) ListEvents(ctx context.Context, donationID uuid.UUID, limit, offset int) ([]*audit.Event, error) {
	collection := r.db.Collection(EventsCollectionName)

	filter := bson.M{"donation_id": donationID}
	opts := options.Find().
		SetSort(bson.M{"occurred_at": -1}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to list donation events",
			"donation_id", donationID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to list donation events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*audit.Event
	if err := cursor.All(ctx, &events); err != nil {
		r.logger.Error("Failed to decode donation events",
			"donation_id", donationID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to decode donation events: %w", err)
	}

	return events, nil
}

// CountEvents counts the events recorded for a donation
func (r *AuditRepository) CountEvents(ctx context.Context, donationID uuid.UUID) (int64, error) {
	collection := r.db.Collection(EventsCollectionName)

	count, err := collection.CountDocuments(ctx, bson.M{"donation_id": donationID})
	if err != nil {
		r.logger.Error("Failed to count donation events",
			"donation_id", donationID.String(),
			"error", err)
		return 0, fmt.Errorf("failed to count donation events: %w", err)
	}

	return count, nil
}

// RecordNotification stores a provider payload exactly as received
func (r *AuditRepository) RecordNotification(ctx context.Context, n *audit.Notification) error {
	_, err := r.db.Collection(NotificationsCollectionName).InsertOne(ctx, n)
	if err != nil {
		r.logger.Error("Failed to record provider notification",
			"notification_id", n.ID.String(),
			"provider", string(n.Provider),
			"error", err)
		return fmt.Errorf("failed to record provider notification: %w", err)
	}

	return nil
}

// ListNotifications returns the latest notifications matched to a donation
func (r *AuditRepository) ListNotifications(ctx context.Context, donationID uuid.UUID, limit int) ([]*audit.Notification, error) {
	collection := r.db.Collection(NotificationsCollectionName)

	opts := options.Find().
		SetSort(bson.M{"received_at": -1}).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, bson.M{"donation_id": donationID}, opts)
	if err != nil {
		r.logger.Error("Failed to list provider notifications",
			"donation_id", donationID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to list provider notifications: %w", err)
	}
	defer cursor.Close(ctx)

	var notifications []*audit.Notification
	if err := cursor.All(ctx, &notifications); err != nil {
		return nil, fmt.Errorf("failed to decode provider notifications: %w", err)
	}

	return notifications, nil
}
