package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/platform/persistence"
)

// ProviderTransactionRepository implements donation.TransactionRepository for PostgreSQL
type ProviderTransactionRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewProviderTransactionRepository creates a new PostgreSQL provider transaction repository
func NewProviderTransactionRepository(logger *slog.Logger, db *persistence.PostgresDB) donation.TransactionRepository {
	return &ProviderTransactionRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction
func (r *ProviderTransactionRepository) WithTx(tx pgx.Tx) donation.TransactionRepository {
	return &ProviderTransactionRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Upsert records the initiation. A resolved row is never replaced.
func (r *ProviderTransactionRepository) Upsert(ctx context.Context, pt *donation.ProviderTransaction) error {
	query := `
		INSERT INTO provider_transactions (donation_id, method, checkout_request_id, merchant_request_id,
			phone_number, raw_response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (donation_id) DO UPDATE
		SET checkout_request_id = EXCLUDED.checkout_request_id,
			merchant_request_id = EXCLUDED.merchant_request_id,
			raw_response = EXCLUDED.raw_response,
			updated_at = EXCLUDED.updated_at
		WHERE provider_transactions.resolved_at IS NULL
		RETURNING id
	`

	err := r.querier.QueryRow(ctx, query,
		pt.DonationID,
		pt.Method,
		pt.CheckoutRequestID,
		pt.MerchantRequestID,
		pt.PhoneNumber,
		rawJSON(pt.RawResponse),
		pt.CreatedAt,
		pt.UpdatedAt,
	).Scan(&pt.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflicting row was already resolved; keep it untouched
			return nil
		}
		r.logger.Error("Failed to upsert provider transaction", "donation_id", pt.DonationID.String(), "error", err)
		return fmt.Errorf("failed to upsert provider transaction: %w", err)
	}

	return nil
}

// GetByDonationID retrieves the provider transaction of a donation
func (r *ProviderTransactionRepository) GetByDonationID(ctx context.Context, donationID uuid.UUID) (*donation.ProviderTransaction, error) {
	query := `
		SELECT id, donation_id, method, checkout_request_id, merchant_request_id, result_code, result_desc,
			provider_reference, payer_id, capture_id, customer_id, card_last4, card_brand, phone_number,
			transaction_date, raw_response, resolved_at, created_at, updated_at
		FROM provider_transactions
		WHERE donation_id = $1
	`

	var pt donation.ProviderTransaction
	var raw []byte
	err := r.querier.QueryRow(ctx, query, donationID).Scan(
		&pt.ID,
		&pt.DonationID,
		&pt.Method,
		&pt.CheckoutRequestID,
		&pt.MerchantRequestID,
		&pt.ResultCode,
		&pt.ResultDesc,
		&pt.ProviderReference,
		&pt.PayerID,
		&pt.CaptureID,
		&pt.CustomerID,
		&pt.CardLast4,
		&pt.CardBrand,
		&pt.PhoneNumber,
		&pt.TransactionDate,
		&raw,
		&pt.ResolvedAt,
		&pt.CreatedAt,
		&pt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, donation.ErrTransactionNotFound{DonationID: donationID}
		}
		r.logger.Error("Failed to get provider transaction", "donation_id", donationID.String(), "error", err)
		return nil, fmt.Errorf("failed to get provider transaction: %w", err)
	}
	pt.RawResponse = raw

	return &pt, nil
}

// Resolve writes the outcome fields of an unresolved provider transaction, creating the
// row when the initiation record is missing. An already resolved row is left as is.
func (r *ProviderTransactionRepository) Resolve(ctx context.Context, pt *donation.ProviderTransaction) error {
	query := `
		INSERT INTO provider_transactions (donation_id, method, checkout_request_id, merchant_request_id,
			result_code, result_desc, provider_reference, payer_id, capture_id, customer_id, card_last4,
			card_brand, phone_number, transaction_date, raw_response, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (donation_id) DO UPDATE
		SET merchant_request_id = EXCLUDED.merchant_request_id,
			result_code = EXCLUDED.result_code,
			result_desc = EXCLUDED.result_desc,
			provider_reference = EXCLUDED.provider_reference,
			payer_id = EXCLUDED.payer_id,
			capture_id = EXCLUDED.capture_id,
			customer_id = EXCLUDED.customer_id,
			card_last4 = EXCLUDED.card_last4,
			card_brand = EXCLUDED.card_brand,
			phone_number = EXCLUDED.phone_number,
			transaction_date = EXCLUDED.transaction_date,
			raw_response = EXCLUDED.raw_response,
			resolved_at = EXCLUDED.resolved_at,
			updated_at = EXCLUDED.updated_at
		WHERE provider_transactions.resolved_at IS NULL
	`

	_, err := r.querier.Exec(ctx, query,
		pt.DonationID,
		pt.Method,
		pt.CheckoutRequestID,
		pt.MerchantRequestID,
		pt.ResultCode,
		pt.ResultDesc,
		pt.ProviderReference,
		pt.PayerID,
		pt.CaptureID,
		pt.CustomerID,
		pt.CardLast4,
		pt.CardBrand,
		pt.PhoneNumber,
		pt.TransactionDate,
		rawJSON(pt.RawResponse),
		pt.ResolvedAt,
		pt.CreatedAt,
		pt.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to resolve provider transaction", "donation_id", pt.DonationID.String(), "error", err)
		return fmt.Errorf("failed to resolve provider transaction: %w", err)
	}

	return nil
}

// rawJSON maps an empty payload to NULL so the jsonb column never receives an empty string
func rawJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
