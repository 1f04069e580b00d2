// Package audit defines the append-only history kept for every donation: status events
// published through the outbox and the raw provider notifications the gateway received.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
)

// Event is a donation status change
type Event struct {
	EventID        uuid.UUID              `json:"event_id" bson:"event_id"`
	DonationID     uuid.UUID              `json:"donation_id" bson:"donation_id"`
	Type           shared.EventType       `json:"type" bson:"type"`
	ReceiptNumber  int64                  `json:"receipt_number" bson:"receipt_number"`
	Amount         string                 `json:"amount" bson:"amount"` // Decimal string in major units
	Currency       string                 `json:"currency" bson:"currency"`
	PaymentMethod  donation.PaymentMethod `json:"payment_method" bson:"payment_method"`
	Status         donation.Status        `json:"status" bson:"status"`
	PreviousStatus donation.Status        `json:"previous_status,omitempty" bson:"previous_status,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	Reason         string                 `json:"reason,omitempty" bson:"reason,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at" bson:"occurred_at"`
	PublishedAt    *time.Time             `json:"published_at,omitempty" bson:"published_at,omitempty"`
}

// NewEvent snapshots d after a change of kind eventType
func NewEvent(d *donation.Donation, eventType shared.EventType, previous donation.Status, reason string) *Event {
	return &Event{
		EventID:        uuid.New(),
		DonationID:     d.ID,
		Type:           eventType,
		ReceiptNumber:  d.ReceiptNumber,
		Amount:         d.Amount.StringFixed(2),
		Currency:       d.Currency,
		PaymentMethod:  d.PaymentMethod,
		Status:         d.Status,
		PreviousStatus: previous,
		CorrelationID:  d.CorrelationID,
		Reason:         reason,
		OccurredAt:     d.UpdatedAt,
	}
}

// Notification is a provider callback or webhook exactly as received
type Notification struct {
	ID            uuid.UUID              `json:"id" bson:"_id"`
	Provider      donation.PaymentMethod `json:"provider" bson:"provider"`
	DeliveryKey   string                 `json:"delivery_key,omitempty" bson:"delivery_key,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	DonationID    *uuid.UUID             `json:"donation_id,omitempty" bson:"donation_id,omitempty"`
	Payload       string                 `json:"payload" bson:"payload"`
	Outcome       shared.IngestResult    `json:"outcome" bson:"outcome"`
	Error         string                 `json:"error,omitempty" bson:"error,omitempty"`
	ReceivedAt    time.Time              `json:"received_at" bson:"received_at"`
}

// NewNotification records a raw provider payload
func NewNotification(provider donation.PaymentMethod, payload json.RawMessage, receivedAt time.Time) *Notification {
	return &Notification{
		ID:         uuid.New(),
		Provider:   provider,
		Payload:    string(payload),
		Outcome:    shared.IngestReceived,
		ReceivedAt: receivedAt.UTC(),
	}
}
