// Package ledger owns donation state. It is the only writer of donation status: every
// transition runs in a database transaction under the donation's row lock and records
// an outbox event in the same transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/youthshield-donations/internal/domain/audit"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/outbox"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/platform/persistence"
)

// maxAttachAttempts bounds how many suffixed correlation ids are tried on collision
const maxAttachAttempts = 3

// ApplyResult reports what ApplyOutcome did
type ApplyResult struct {
	Donation *donation.Donation
	// Applied is false when the donation was already terminal and the outcome was ignored
	Applied bool
}

// Ledger implements the donation lifecycle
type Ledger struct {
	txRunner     persistence.TxRunner
	donations    donation.Repository
	transactions donation.TransactionRepository
	index        donation.CorrelationIndex
	outboxRepo   outbox.Repository
	recorder     Recorder
	retry        RetryPolicy
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithRecorder reports created donations and status transitions to r
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) {
		l.retry = p
	}
}

// NewLedger creates a new Ledger
func NewLedger(
	txRunner persistence.TxRunner,
	donations donation.Repository,
	transactions donation.TransactionRepository,
	index donation.CorrelationIndex,
	outboxRepo outbox.Repository,
	logger *slog.Logger,
	opts ...Option,
) *Ledger {
	l := &Ledger{
		txRunner:     txRunner,
		donations:    donations,
		transactions: transactions,
		index:        index,
		outboxRepo:   outboxRepo,
		recorder:     nopRecorder{},
		retry:        DefaultRetryPolicy,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create validates req and stores a pending donation with a freshly allocated receipt
// number. Receipt and placeholder collisions are retried.
func (l *Ledger) Create(ctx context.Context, req donation.Request) (*donation.Donation, error) {
	d, err := donation.NewDonation(req, l.now())
	if err != nil {
		return nil, err
	}
	logger := l.logger.With("donation_id", d.ID.String())

	var lastErr error
	for attempt := 1; attempt <= max(l.retry.Attempts, 1); attempt++ {
		lastErr = l.retry.withRetry(ctx, func() error {
			return l.txRunner.ExecuteTx(ctx, func(tx pgx.Tx) error {
				if err := l.donations.WithTx(tx).Create(ctx, d); err != nil {
					return err
				}
				return l.recordEvent(ctx, tx, d, shared.EventDonationCreated, "", "")
			})
		})
		if lastErr == nil {
			logger.Info("Donation created",
				"receipt_number", d.ReceiptNumber,
				"payment_method", d.PaymentMethod,
				"amount", d.Amount.String(),
				"currency", d.Currency)
			l.recorder.DonationCreated(string(d.PaymentMethod))
			return d, nil
		}

		var conflict donation.ErrCorrelationConflict
		switch {
		case errors.As(lastErr, &donation.ErrDuplicateReceipt{}):
			logger.Warn("Receipt number collision, retrying", "attempt", attempt)
		case errors.As(lastErr, &conflict):
			logger.Warn("Placeholder correlation id collision, retrying", "attempt", attempt)
			d.CorrelationID = donation.NewPlaceholderCorrelationID(l.now())
		default:
			return nil, l.storageError(d.ID, lastErr)
		}
	}

	logger.Error("Failed to allocate a receipt number", "error", lastErr)
	return nil, fmt.Errorf("failed to create donation after %d attempts: %w", l.retry.Attempts, lastErr)
}

// AttachProviderCorrelation stores the id the provider returned on initiation. When the id
// is already held by another pending donation, a -XXXX suffix is appended and the attempt
// repeated in a fresh transaction. The provider transaction keeps the id as received.
func (l *Ledger) AttachProviderCorrelation(ctx context.Context, donationID uuid.UUID, correlationID, merchantRequestID string, raw json.RawMessage) (*donation.Donation, error) {
	if correlationID == "" {
		return nil, donation.ErrValidation{Field: "correlation_id", Message: "provider returned an empty correlation id"}
	}
	logger := l.logger.With("donation_id", donationID.String())

	candidate := correlationID
	for attempt := 1; attempt <= maxAttachAttempts; attempt++ {
		var result *donation.Donation
		err := l.retry.withRetry(ctx, func() error {
			return l.txRunner.ExecuteTx(ctx, func(tx pgx.Tx) error {
				d, err := l.donations.WithTx(tx).LockForUpdate(ctx, donationID)
				if err != nil {
					return err
				}
				if d.Status.IsTerminal() {
					logger.Warn("Donation already terminal, correlation id not attached",
						"status", d.Status, "correlation_id", correlationID)
					result = d
					return nil
				}

				d.CorrelationID = candidate
				d.UpdatedAt = l.now().UTC()
				if err := l.donations.WithTx(tx).Update(ctx, d); err != nil {
					return err
				}

				pt := donation.NewProviderTransaction(d, correlationID, merchantRequestID, raw, l.now())
				if err := l.transactions.WithTx(tx).Upsert(ctx, pt); err != nil {
					return err
				}
				if err := l.recordEvent(ctx, tx, d, shared.EventDonationInitiated, d.Status, ""); err != nil {
					return err
				}
				result = d
				return nil
			})
		})
		if err == nil {
			if candidate != correlationID {
				logger.Info("Provider correlation id attached with suffix", "correlation_id", candidate, "provider_id", correlationID)
			} else {
				logger.Info("Provider correlation id attached", "correlation_id", candidate)
			}
			return result, nil
		}

		if !errors.As(err, &donation.ErrCorrelationConflict{}) {
			return nil, l.storageError(donationID, err)
		}
		logger.Warn("Correlation id held by another pending donation", "correlation_id", candidate, "attempt", attempt)
		candidate = donation.WithDisambiguatingSuffix(correlationID)
	}

	return nil, fmt.Errorf("failed to attach correlation id %s to donation %s: %w",
		correlationID, donationID, donation.ErrCorrelationConflict{CorrelationID: correlationID})
}

// ApplyOutcome resolves the outcome's lookup keys to a donation and moves it to completed
// or failed. Terminal donations are returned unchanged with Applied false. Fails with
// ErrCorrelationNotFound when no key matches, and ErrStorageContention when the row lock
// could not be obtained within the retry budget.
func (l *Ledger) ApplyOutcome(ctx context.Context, outcome *donation.PaymentOutcome) (*ApplyResult, error) {
	keys := outcome.Keys()
	if len(keys) == 0 {
		return nil, donation.ErrCorrelationNotFound{}
	}
	logger := l.logger.With("provider", outcome.Method, "correlation_id", outcome.CorrelationID)

	var result *ApplyResult
	var previous donation.Status
	err := l.retry.withRetry(ctx, func() error {
		return l.txRunner.ExecuteTx(ctx, func(tx pgx.Tx) error {
			donationID, err := l.index.WithTx(tx).Resolve(ctx, keys)
			if err != nil {
				return err
			}

			d, err := l.donations.WithTx(tx).LockForUpdate(ctx, donationID)
			if err != nil {
				return err
			}
			previous = d.Status

			now := l.now()
			if !d.Resolve(outcome, now) {
				result = &ApplyResult{Donation: d, Applied: false}
				return nil
			}
			if err := l.donations.WithTx(tx).Update(ctx, d); err != nil {
				return err
			}

			pt, err := l.transactions.WithTx(tx).GetByDonationID(ctx, d.ID)
			if err != nil {
				if !errors.Is(err, donation.ErrTransactionNotFound{}) {
					return err
				}
				// The notification beat the initiation record
				pt = donation.NewProviderTransaction(d, outcome.CorrelationID, outcome.Details.MerchantRequestID, nil, now)
			}
			if pt.Resolve(outcome, now) {
				if err := l.transactions.WithTx(tx).Resolve(ctx, pt); err != nil {
					return err
				}
			}

			eventType := shared.EventDonationFailed
			if d.Status == donation.StatusCompleted {
				eventType = shared.EventDonationCompleted
			}
			if err := l.recordEvent(ctx, tx, d, eventType, previous, outcome.ResultDesc); err != nil {
				return err
			}

			result = &ApplyResult{Donation: d, Applied: true}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, donation.ErrCorrelationNotFound{}) {
			logger.Warn("No donation matches payment outcome", "keys", fmt.Sprint(keys))
			return nil, err
		}
		return nil, l.storageError(uuid.Nil, err)
	}

	d := result.Donation
	if !result.Applied {
		logger.Info("Outcome ignored, donation already terminal", "donation_id", d.ID.String(), "status", d.Status)
		return result, nil
	}

	logger.Info("Payment outcome applied",
		"donation_id", d.ID.String(),
		"previous_status", previous,
		"status", d.Status,
		"provider_reference", outcome.ProviderReference)
	l.recorder.StatusTransition(string(d.PaymentMethod), string(d.Status))
	return result, nil
}

// Cancel moves a pending donation to cancelled, for donors abandoning the provider's page
func (l *Ledger) Cancel(ctx context.Context, donationID uuid.UUID) (*donation.Donation, bool, error) {
	return l.transition(ctx, donationID, func(d *donation.Donation, now time.Time) (shared.EventType, string, bool) {
		return shared.EventDonationCancelled, "cancelled by donor", d.Cancel(now)
	})
}

// MarkInitiationFailed fails a pending donation whose provider call was rejected or
// could not be delivered
func (l *Ledger) MarkInitiationFailed(ctx context.Context, donationID uuid.UUID, reason shared.FailureReason, detail string) (*donation.Donation, bool, error) {
	return l.transition(ctx, donationID, func(d *donation.Donation, now time.Time) (shared.EventType, string, bool) {
		return shared.EventDonationFailed, failureText(reason, detail), d.Fail(now)
	})
}

// FlagForReconciliation keeps a donation pending after an ambiguous initiation and asks
// the reconciler to query the provider once after has passed
func (l *Ledger) FlagForReconciliation(ctx context.Context, donationID uuid.UUID, after time.Time, detail string) (*donation.Donation, bool, error) {
	return l.transition(ctx, donationID, func(d *donation.Donation, now time.Time) (shared.EventType, string, bool) {
		if d.Status.IsTerminal() {
			return "", "", false
		}
		at := after.UTC()
		d.ReconcileAfter = &at
		d.UpdatedAt = now.UTC()
		return shared.EventDonationReconciliation, failureText(shared.FailureReasonInitiationTimeout, detail), true
	})
}

// Expire fails a donation that stayed pending past the reconciliation window
func (l *Ledger) Expire(ctx context.Context, donationID uuid.UUID) (*donation.Donation, bool, error) {
	return l.transition(ctx, donationID, func(d *donation.Donation, now time.Time) (shared.EventType, string, bool) {
		return shared.EventDonationFailed, string(shared.FailureReasonExpired), d.Fail(now)
	})
}

// Get returns a donation by id
func (l *Ledger) Get(ctx context.Context, donationID uuid.UUID) (*donation.Donation, error) {
	return l.donations.GetByID(ctx, donationID)
}

// GetTransaction returns the provider transaction of a donation
func (l *Ledger) GetTransaction(ctx context.Context, donationID uuid.UUID) (*donation.ProviderTransaction, error) {
	return l.transactions.GetByDonationID(ctx, donationID)
}

// ListReconcilable returns pending donations the reconciler should look at
func (l *Ledger) ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]*donation.Donation, error) {
	return l.donations.ListReconcilable(ctx, staleBefore, l.now(), limit)
}

type mutation func(d *donation.Donation, now time.Time) (shared.EventType, string, bool)

// transition locks the donation, applies mutate and records its event when it reports a change
func (l *Ledger) transition(ctx context.Context, donationID uuid.UUID, mutate mutation) (*donation.Donation, bool, error) {
	var result *donation.Donation
	var changed bool
	var eventType shared.EventType
	err := l.retry.withRetry(ctx, func() error {
		return l.txRunner.ExecuteTx(ctx, func(tx pgx.Tx) error {
			d, err := l.donations.WithTx(tx).LockForUpdate(ctx, donationID)
			if err != nil {
				return err
			}
			previous := d.Status

			var reason string
			eventType, reason, changed = mutate(d, l.now())
			result = d
			if !changed {
				return nil
			}

			if err := l.donations.WithTx(tx).Update(ctx, d); err != nil {
				return err
			}
			return l.recordEvent(ctx, tx, d, eventType, previous, reason)
		})
	})
	if err != nil {
		if errors.Is(err, donation.ErrDonationNotFound{}) {
			return nil, false, err
		}
		return nil, false, l.storageError(donationID, err)
	}

	logger := l.logger.With("donation_id", donationID.String())
	if !changed {
		logger.Info("Donation not changed", "status", result.Status)
		return result, false, nil
	}

	logger.Info("Donation transitioned", "event", eventType, "status", result.Status)
	if result.Status.IsTerminal() {
		l.recorder.StatusTransition(string(result.PaymentMethod), string(result.Status))
	}
	return result, true, nil
}

// recordEvent writes the donation's event to the outbox inside tx
func (l *Ledger) recordEvent(ctx context.Context, tx pgx.Tx, d *donation.Donation, eventType shared.EventType, previous donation.Status, reason string) error {
	msg, err := outbox.NewMessage(audit.NewEvent(d, eventType, previous, reason))
	if err != nil {
		return fmt.Errorf("failed to create outbox message payload for donation %s: %w", d.ID, err)
	}
	if err := l.outboxRepo.WithTx(tx).Create(ctx, msg); err != nil {
		return fmt.Errorf("failed to create outbox message for donation %s: %w", d.ID, err)
	}
	return nil
}

// storageError wraps exhausted contention retries in ErrStorageContention
func (l *Ledger) storageError(donationID uuid.UUID, err error) error {
	if !isContention(err) {
		return err
	}
	var contention donation.ErrStorageContention
	if errors.As(err, &contention) {
		if contention.DonationID == uuid.Nil {
			contention.DonationID = donationID
		}
		return contention
	}
	return donation.ErrStorageContention{DonationID: donationID, Err: err}
}

func failureText(reason shared.FailureReason, detail string) string {
	if detail == "" {
		return string(reason)
	}
	return string(reason) + ": " + detail
}
