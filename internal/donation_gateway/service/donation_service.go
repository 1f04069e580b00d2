package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

// Initiation is a created donation together with the donor's next step
type Initiation struct {
	Donation   *donation.Donation
	NextAction providers.NextAction
}

// DonationServiceConfig bounds provider initiation
type DonationServiceConfig struct {
	ProviderTimeout time.Duration
	// ReconcileGrace delays the first status query of a donation whose initiation timed out
	ReconcileGrace time.Duration
}

// DonationServiceImpl implements the DonationService interface
type DonationServiceImpl struct {
	ledger    Ledger
	providers ProviderRegistry
	config    DonationServiceConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewDonationService creates a new donation service
func NewDonationService(logger *slog.Logger, ledger Ledger, providers ProviderRegistry, cfg DonationServiceConfig) DonationService {
	return &DonationServiceImpl{
		ledger:    ledger,
		providers: providers,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateDonation stores the donation and initiates the payment. A provider timeout leaves
// the donation pending for the reconciler; any other provider error fails it.
func (s *DonationServiceImpl) CreateDonation(ctx context.Context, req donation.Request) (*Initiation, error) {
	provider, err := s.providers.Get(req.PaymentMethod)
	if err != nil {
		return nil, donation.ErrValidation{Field: "payment_method", Message: "unsupported payment method"}
	}

	d, err := s.ledger.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("donation_id", d.ID.String(), "provider", d.PaymentMethod)

	initCtx := ctx
	if s.config.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, s.config.ProviderTimeout)
		defer cancel()
	}

	result, err := provider.Initiate(initCtx, d)
	if err != nil {
		return s.handleInitiationError(ctx, logger, d, err)
	}

	d, err = s.ledger.AttachProviderCorrelation(ctx, d.ID, result.CorrelationID, result.MerchantRequestID, result.Raw)
	if err != nil {
		logger.Error("Failed to store provider correlation id",
			"correlation_id", result.CorrelationID,
			"error", err,
		)
		return nil, err
	}

	logger.Info("Payment initiated",
		"correlation_id", d.CorrelationID,
		"next_action", result.NextAction.Type,
	)
	return &Initiation{Donation: d, NextAction: result.NextAction}, nil
}

func (s *DonationServiceImpl) handleInitiationError(ctx context.Context, logger *slog.Logger, d *donation.Donation, initErr error) (*Initiation, error) {
	var unavailable providers.ErrProviderUnavailable
	timedOut := providers.IsTimeout(initErr) || (errors.As(initErr, &unavailable) && unavailable.Timeout)

	var (
		updated *donation.Donation
		err     error
	)
	switch {
	case timedOut:
		logger.Warn("Payment initiation timed out, donation left for reconciliation", "error", initErr)
		updated, _, err = s.ledger.FlagForReconciliation(ctx, d.ID, s.now().Add(s.config.ReconcileGrace), initErr.Error())
		if !errors.As(initErr, &unavailable) {
			unavailable = providers.ErrProviderUnavailable{Provider: d.PaymentMethod, Err: initErr}
		}
		unavailable.Timeout = true
		initErr = unavailable
	case errors.As(initErr, &providers.ErrProviderRejected{}):
		logger.Warn("Payment initiation rejected by provider", "error", initErr)
		updated, _, err = s.ledger.MarkInitiationFailed(ctx, d.ID, shared.FailureReasonProviderRejected, initErr.Error())
	default:
		logger.Error("Payment initiation failed", "error", initErr)
		updated, _, err = s.ledger.MarkInitiationFailed(ctx, d.ID, shared.FailureReasonProviderUnavailable, initErr.Error())
		if !errors.As(initErr, &unavailable) {
			initErr = providers.Unavailable(d.PaymentMethod, initErr)
		}
	}

	if err != nil {
		logger.Error("Failed to record initiation failure", "error", err)
		return &Initiation{Donation: d}, fmt.Errorf("%w (recording failure: %v)", initErr, err)
	}
	return &Initiation{Donation: updated, NextAction: providers.NextAction{Type: providers.NextActionPending}}, initErr
}

// GetDonation returns the donation's current state
func (s *DonationServiceImpl) GetDonation(ctx context.Context, id uuid.UUID) (*donation.Donation, error) {
	return s.ledger.Get(ctx, id)
}

// GetReceipt returns the receipt of a completed donation
func (s *DonationServiceImpl) GetReceipt(ctx context.Context, id uuid.UUID) (*ledger.Receipt, error) {
	return s.ledger.GetReceipt(ctx, id)
}

// CancelDonation cancels a pending donation. A terminal donation is returned unchanged.
func (s *DonationServiceImpl) CancelDonation(ctx context.Context, id uuid.UUID) (*donation.Donation, error) {
	d, changed, err := s.ledger.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		s.logger.Info("Cancel ignored, donation already terminal", "donation_id", id.String(), "status", d.Status)
	}
	return d, nil
}
