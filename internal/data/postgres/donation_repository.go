// Package postgres provides PostgreSQL implementations of the domain repositories.
// It handles all database operations while maintaining transaction safety and
// mapping constraint violations to domain errors.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/platform/persistence"
)

const (
	receiptConstraint     = "donations_receipt_number_key"
	correlationConstraint = "donations_pending_correlation_key"
)

const donationColumns = `id, amount, currency, payment_method, status, correlation_id, COALESCE(receipt_number, 0),
		donor_id, donor_name, donor_email, donor_phone, is_anonymous, notes, reconcile_after, created_at, updated_at`

// DonationRepository implements the donation.Repository interface for PostgreSQL
type DonationRepository struct {
	querier persistence.Querier // Can be *pgxpool.Pool or pgx.Tx
	logger  *slog.Logger
}

// NewDonationRepository creates a new PostgreSQL donation repository.
// It expects db.Pool() to satisfy persistence.Querier.
func NewDonationRepository(logger *slog.Logger, db *persistence.PostgresDB) donation.Repository {
	return &DonationRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction, allowing for atomic operations
// across multiple repository calls.
func (r *DonationRepository) WithTx(tx pgx.Tx) donation.Repository {
	return &DonationRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Create inserts the donation and takes its receipt number from donation_receipt_seq in
// the same statement, so two concurrent inserts can never observe the same number.
func (r *DonationRepository) Create(ctx context.Context, d *donation.Donation) error {
	query := `
		INSERT INTO donations (id, amount, currency, payment_method, status, correlation_id, receipt_number,
			donor_id, donor_name, donor_email, donor_phone, is_anonymous, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, nextval('donation_receipt_seq'), $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING receipt_number
	`

	err := r.querier.QueryRow(ctx, query,
		d.ID,
		d.Amount,
		d.Currency,
		d.PaymentMethod,
		d.Status,
		d.CorrelationID,
		d.DonorID,
		d.DonorName,
		d.DonorEmail,
		d.DonorPhone,
		d.IsAnonymous,
		d.Notes,
		d.CreatedAt,
		d.UpdatedAt,
	).Scan(&d.ReceiptNumber)
	if err != nil {
		if persistence.IsUniqueViolation(err, receiptConstraint) {
			return donation.ErrDuplicateReceipt{}
		}
		if persistence.IsUniqueViolation(err, correlationConstraint) {
			return donation.ErrCorrelationConflict{CorrelationID: d.CorrelationID}
		}
		r.logger.Error("Failed to create donation", "donation_id", d.ID.String(), "error", err)
		return fmt.Errorf("failed to create donation: %w", err)
	}

	return nil
}

// GetByID retrieves a donation by its ID
func (r *DonationRepository) GetByID(ctx context.Context, id uuid.UUID) (*donation.Donation, error) {
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE id = $1
	`

	d, err := scanDonation(r.querier.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, donation.ErrDonationNotFound{DonationID: id}
		}
		r.logger.Error("Failed to get donation", "donation_id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get donation: %w", err)
	}

	return d, nil
}

// LockForUpdate obtains a row lock on the donation and returns its current state.
// It must run inside a transaction; the wait is bounded by the transaction's lock_timeout.
func (r *DonationRepository) LockForUpdate(ctx context.Context, id uuid.UUID) (*donation.Donation, error) {
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE id = $1
		FOR UPDATE
	`

	d, err := scanDonation(r.querier.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, donation.ErrDonationNotFound{DonationID: id}
		}
		if persistence.IsContention(err) {
			return nil, donation.ErrStorageContention{DonationID: id, Err: err}
		}
		r.logger.Error("Failed to lock donation for update", "donation_id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to lock donation for update: %w", err)
	}

	return d, nil
}

// Update persists the mutable fields of a donation
func (r *DonationRepository) Update(ctx context.Context, d *donation.Donation) error {
	query := `
		UPDATE donations
		SET status = $1, correlation_id = $2, reconcile_after = $3, updated_at = $4
		WHERE id = $5
	`

	result, err := r.querier.Exec(ctx, query,
		d.Status,
		d.CorrelationID,
		d.ReconcileAfter,
		d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		if persistence.IsUniqueViolation(err, correlationConstraint) {
			return donation.ErrCorrelationConflict{CorrelationID: d.CorrelationID}
		}
		if persistence.IsContention(err) {
			return donation.ErrStorageContention{DonationID: d.ID, Err: err}
		}
		r.logger.Error("Failed to update donation", "donation_id", d.ID.String(), "error", err)
		return fmt.Errorf("failed to update donation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return donation.ErrDonationNotFound{DonationID: d.ID}
	}

	return nil
}

// ListReconcilable returns pending donations that are stale or whose scheduled
// reconciliation time has passed, oldest first
func (r *DonationRepository) ListReconcilable(ctx context.Context, staleBefore, now time.Time, limit int) ([]*donation.Donation, error) {
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE status = $1
		  AND (created_at < $2 OR (reconcile_after IS NOT NULL AND reconcile_after <= $3))
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.querier.Query(ctx, query, donation.StatusPending, staleBefore, now, limit)
	if err != nil {
		r.logger.Error("Failed to list reconcilable donations", "error", err)
		return nil, fmt.Errorf("failed to list reconcilable donations: %w", err)
	}
	defer rows.Close()

	var donations []*donation.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			r.logger.Error("Failed to scan donation", "error", err)
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		donations = append(donations, d)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("Error iterating over donations", "error", err)
		return nil, fmt.Errorf("error iterating over donations: %w", err)
	}

	return donations, nil
}

// ListMissingReceipt returns ids of donations that predate receipt numbering
func (r *DonationRepository) ListMissingReceipt(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM donations
		WHERE receipt_number IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.querier.Query(ctx, query, limit)
	if err != nil {
		r.logger.Error("Failed to list donations without receipt", "error", err)
		return nil, fmt.Errorf("failed to list donations without receipt: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan donation id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over donation ids: %w", err)
	}

	return ids, nil
}

// AssignReceiptNumber gives a donation without a receipt the next sequence value.
// A donation that already has one keeps it and ErrDonationNotFound is returned.
func (r *DonationRepository) AssignReceiptNumber(ctx context.Context, id uuid.UUID) (int64, error) {
	query := `
		UPDATE donations
		SET receipt_number = nextval('donation_receipt_seq')
		WHERE id = $1 AND receipt_number IS NULL
		RETURNING receipt_number
	`

	var receipt int64
	err := r.querier.QueryRow(ctx, query, id).Scan(&receipt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, donation.ErrDonationNotFound{DonationID: id}
		}
		if persistence.IsUniqueViolation(err, receiptConstraint) {
			return 0, donation.ErrDuplicateReceipt{}
		}
		r.logger.Error("Failed to assign receipt number", "donation_id", id.String(), "error", err)
		return 0, fmt.Errorf("failed to assign receipt number: %w", err)
	}

	return receipt, nil
}

func scanDonation(row pgx.Row) (*donation.Donation, error) {
	var d donation.Donation
	err := row.Scan(
		&d.ID,
		&d.Amount,
		&d.Currency,
		&d.PaymentMethod,
		&d.Status,
		&d.CorrelationID,
		&d.ReceiptNumber,
		&d.DonorID,
		&d.DonorName,
		&d.DonorEmail,
		&d.DonorPhone,
		&d.IsAnonymous,
		&d.Notes,
		&d.ReconcileAfter,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
