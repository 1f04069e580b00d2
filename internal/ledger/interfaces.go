package ledger

import (
	"context"

	"github.com/youthshield-donations/internal/domain/donation"
)

// OutcomeApplier applies verified payment outcomes to donations
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, outcome *donation.PaymentOutcome) (*ApplyResult, error)
}

// Recorder receives ledger metrics
type Recorder interface {
	DonationCreated(method string)
	StatusTransition(method, status string)
}

type nopRecorder struct{}

func (nopRecorder) DonationCreated(string)          {}
func (nopRecorder) StatusTransition(string, string) {}
