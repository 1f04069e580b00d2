package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/youthshield-donations/internal/domain/donation"
)

// ErrReceiptUnavailable indicates a receipt was requested for a donation that is not completed
type ErrReceiptUnavailable struct {
	DonationID uuid.UUID
	Status     donation.Status
}

func (e ErrReceiptUnavailable) Error() string {
	return fmt.Sprintf("no receipt for donation %s in status %s", e.DonationID, e.Status)
}

// Receipt is the donor-facing proof of a completed donation
type Receipt struct {
	ReceiptNumber     int64                  `json:"receipt_number"`
	DonationID        uuid.UUID              `json:"donation_id"`
	DonorName         string                 `json:"donor_name"`
	DonorEmail        string                 `json:"donor_email"`
	Amount            decimal.Decimal        `json:"amount"`
	Currency          string                 `json:"currency"`
	PaymentMethod     donation.PaymentMethod `json:"payment_method"`
	ProviderReference string                 `json:"provider_reference,omitempty"`
	TransactionDate   *time.Time             `json:"transaction_date,omitempty"`
	CompletedAt       time.Time              `json:"completed_at"`
}

// GetReceipt builds the receipt of a completed donation
func (l *Ledger) GetReceipt(ctx context.Context, donationID uuid.UUID) (*Receipt, error) {
	d, err := l.donations.GetByID(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if d.Status != donation.StatusCompleted {
		return nil, ErrReceiptUnavailable{DonationID: d.ID, Status: d.Status}
	}

	receipt := &Receipt{
		ReceiptNumber: d.ReceiptNumber,
		DonationID:    d.ID,
		DonorName:     d.DisplayName(),
		DonorEmail:    d.DonorEmail,
		Amount:        d.Amount,
		Currency:      d.Currency,
		PaymentMethod: d.PaymentMethod,
		CompletedAt:   d.UpdatedAt,
	}

	pt, err := l.transactions.GetByDonationID(ctx, d.ID)
	switch {
	case err == nil:
		receipt.ProviderReference = pt.ProviderReference
		receipt.TransactionDate = pt.TransactionDate
	case errors.Is(err, donation.ErrTransactionNotFound{}):
	default:
		return nil, err
	}
	return receipt, nil
}

// BackfillReceipts assigns receipt numbers, in creation order, to donations stored before
// numbering existed. It returns how many donations were numbered.
func (l *Ledger) BackfillReceipts(ctx context.Context, batchSize int) (int, error) {
	assigned := 0
	for {
		ids, err := l.donations.ListMissingReceipt(ctx, batchSize)
		if err != nil {
			return assigned, err
		}
		if len(ids) == 0 {
			return assigned, nil
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return assigned, err
			}

			var receipt int64
			err := l.retry.withRetry(ctx, func() error {
				var err error
				receipt, err = l.donations.AssignReceiptNumber(ctx, id)
				return err
			})
			if err != nil {
				// Numbered concurrently by another backfill
				if errors.Is(err, donation.ErrDonationNotFound{}) {
					continue
				}
				return assigned, fmt.Errorf("failed to assign receipt to donation %s: %w", id, err)
			}
			assigned++
			l.logger.Info("Receipt number assigned", "donation_id", id.String(), "receipt_number", receipt)
		}
	}
}
