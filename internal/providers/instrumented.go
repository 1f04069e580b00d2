package providers

import (
	"context"
	"errors"
	"time"

	"github.com/youthshield-donations/internal/domain/donation"
)

// CallRecorder receives the result of every provider call
type CallRecorder interface {
	ProviderCall(provider, operation string, start time.Time, err error)
}

type instrumented struct {
	PaymentProvider
	recorder CallRecorder
}

// WithMetrics records the latency and result of every call made through p
func WithMetrics(p PaymentProvider, recorder CallRecorder) PaymentProvider {
	if recorder == nil {
		return p
	}
	return &instrumented{PaymentProvider: p, recorder: recorder}
}

func (i *instrumented) Initiate(ctx context.Context, d *donation.Donation) (*InitiationResult, error) {
	start := time.Now()
	res, err := i.PaymentProvider.Initiate(ctx, d)
	i.recorder.ProviderCall(string(i.Method()), "initiate", start, err)
	return res, err
}

func (i *instrumented) ParseNotification(ctx context.Context, n *Notification) (*donation.PaymentOutcome, error) {
	start := time.Now()
	outcome, err := i.PaymentProvider.ParseNotification(ctx, n)
	i.recorder.ProviderCall(string(i.Method()), "parse_notification", start, err)
	return outcome, err
}

func (i *instrumented) QueryStatus(ctx context.Context, d *donation.Donation, pt *donation.ProviderTransaction) (*donation.PaymentOutcome, error) {
	start := time.Now()
	outcome, err := i.PaymentProvider.QueryStatus(ctx, d, pt)
	recorded := err
	if errors.Is(err, ErrStatusPending) || errors.Is(err, ErrNothingToQuery) {
		recorded = nil
	}
	i.recorder.ProviderCall(string(i.Method()), "query_status", start, recorded)
	return outcome, err
}
