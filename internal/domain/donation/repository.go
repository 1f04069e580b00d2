package donation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository defines donation persistence operations
type Repository interface {
	// Create inserts the donation and allocates its receipt number from the receipt counter
	Create(ctx context.Context, d *Donation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Donation, error)

	// LockForUpdate acquires a row lock on the donation for the enclosing transaction
	LockForUpdate(ctx context.Context, id uuid.UUID) (*Donation, error)

	// Update persists status, correlation id and reconciliation schedule
	Update(ctx context.Context, d *Donation) error

	// ListReconcilable returns pending donations created before staleBefore or whose
	// reconcile_after has passed, oldest first
	ListReconcilable(ctx context.Context, staleBefore, now time.Time, limit int) ([]*Donation, error)

	// ListMissingReceipt returns ids of donations without a receipt number in creation order
	ListMissingReceipt(ctx context.Context, limit int) ([]uuid.UUID, error)
	// AssignReceiptNumber gives a donation without one the next receipt number
	AssignReceiptNumber(ctx context.Context, id uuid.UUID) (int64, error)

	WithTx(tx pgx.Tx) Repository
}

// TransactionRepository persists the provider transaction belonging to a donation
type TransactionRepository interface {
	// Upsert stores the initiation record, replacing an unresolved earlier one
	Upsert(ctx context.Context, pt *ProviderTransaction) error
	GetByDonationID(ctx context.Context, donationID uuid.UUID) (*ProviderTransaction, error)
	// Resolve writes the outcome fields; it is a no-op on an already resolved row
	Resolve(ctx context.Context, pt *ProviderTransaction) error
	WithTx(tx pgx.Tx) TransactionRepository
}

// CorrelationIndex maps provider identifiers back to donations
type CorrelationIndex interface {
	// Resolve tries keys in order and returns the first matching donation id
	Resolve(ctx context.Context, keys []LookupKey) (uuid.UUID, error)
	WithTx(tx pgx.Tx) CorrelationIndex
}

// ErrTransactionNotFound indicates a donation without a provider transaction
type ErrTransactionNotFound struct {
	DonationID uuid.UUID
}

func (e ErrTransactionNotFound) Error() string {
	return "provider transaction not found for donation: " + e.DonationID.String()
}

// Is implements the errors.Is interface for ErrTransactionNotFound
func (e ErrTransactionNotFound) Is(target error) bool {
	t, ok := target.(ErrTransactionNotFound)
	if !ok {
		return false
	}
	if t.DonationID == uuid.Nil {
		return true
	}
	return e.DonationID == t.DonationID
}
