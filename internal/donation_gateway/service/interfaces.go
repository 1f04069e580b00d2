package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/youthshield-donations/internal/data/redis"
	"github.com/youthshield-donations/internal/domain/audit"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

// DonationService defines the donor-facing donation operations
type DonationService interface {
	// CreateDonation stores a pending donation and starts the payment with its provider.
	// On provider failure the returned Initiation still carries the stored donation.
	CreateDonation(ctx context.Context, req donation.Request) (*Initiation, error)

	// GetDonation returns the donation's current state
	// Returns ErrDonationNotFound if the donation doesn't exist
	GetDonation(ctx context.Context, id uuid.UUID) (*donation.Donation, error)

	// GetReceipt returns the receipt of a completed donation
	// Returns ledger.ErrReceiptUnavailable while the donation is not completed
	GetReceipt(ctx context.Context, id uuid.UUID) (*ledger.Receipt, error)

	// CancelDonation cancels a pending donation after the donor abandoned the provider page
	CancelDonation(ctx context.Context, id uuid.UUID) (*donation.Donation, error)
}

// IngestService turns provider notifications into applied payment outcomes
type IngestService interface {
	// Ingest parses n with method's provider and applies the outcome. The returned report is
	// non-nil whenever the notification was parsed.
	Ingest(ctx context.Context, method donation.PaymentMethod, n *providers.Notification) (*IngestReport, error)
}

// Ledger is the subset of the donation ledger used by the gateway
type Ledger interface {
	Create(ctx context.Context, req donation.Request) (*donation.Donation, error)
	AttachProviderCorrelation(ctx context.Context, donationID uuid.UUID, correlationID, merchantRequestID string, raw json.RawMessage) (*donation.Donation, error)
	MarkInitiationFailed(ctx context.Context, donationID uuid.UUID, reason shared.FailureReason, detail string) (*donation.Donation, bool, error)
	FlagForReconciliation(ctx context.Context, donationID uuid.UUID, after time.Time, detail string) (*donation.Donation, bool, error)
	Cancel(ctx context.Context, donationID uuid.UUID) (*donation.Donation, bool, error)
	Get(ctx context.Context, donationID uuid.UUID) (*donation.Donation, error)
	GetReceipt(ctx context.Context, donationID uuid.UUID) (*ledger.Receipt, error)
}

// ProviderRegistry resolves the provider adapter for a payment method
type ProviderRegistry interface {
	Get(method donation.PaymentMethod) (providers.PaymentProvider, error)
}

// DeliveryGuard suppresses duplicate notification deliveries
type DeliveryGuard interface {
	Acquire(ctx context.Context, key string) (*redis.Delivery, error)
	MarkProcessed(ctx context.Context, d *redis.Delivery) error
	MarkFailed(ctx context.Context, d *redis.Delivery, reason error) error
	Release(ctx context.Context, d *redis.Delivery) error
}

// NotificationRecorder keeps the raw notification history
type NotificationRecorder interface {
	RecordNotification(ctx context.Context, n *audit.Notification) error
}

// IngestMetrics receives one observation per notification
type IngestMetrics interface {
	Notification(provider, result string, start time.Time)
}
