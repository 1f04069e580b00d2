// Package stripe implements the card payment provider on Stripe PaymentIntents.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/providers"
)

const (
	eventSucceeded = "payment_intent.succeeded"
	eventFailed    = "payment_intent.payment_failed"

	metadataDonationID = "donation_id"
	metadataDonorEmail = "donor_email"
)

// Provider is the Stripe card payment provider
type Provider struct {
	logger         *slog.Logger
	api            *client.API
	publishableKey string
	webhookSecret  string
	now            func() time.Time
}

// NewProvider creates a Stripe provider with its own API client. Network retries are left
// to the reconciler so a call never outlives the configured provider timeout.
func NewProvider(logger *slog.Logger, cfg *config.StripeConfig, donations *config.DonationsConfig) *Provider {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: donations.ProviderTimeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIBaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.APIBaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &Provider{
		logger:         logger.With("provider", donation.MethodCard),
		api:            client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		publishableKey: cfg.PublishableKey,
		webhookSecret:  cfg.WebhookSecret,
		now:            time.Now,
	}
}

// Method implements providers.PaymentProvider
func (p *Provider) Method() donation.PaymentMethod {
	return donation.MethodCard
}

// Initiate creates a PaymentIntent the donor confirms client side
func (p *Provider) Initiate(ctx context.Context, d *donation.Donation) (*providers.InitiationResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(providers.MinorUnits(d.Amount, d.Currency)),
		Currency:     stripe.String(strings.ToLower(d.Currency)),
		Description:  stripe.String(fmt.Sprintf("Donation #%d", d.ReceiptNumber)),
		ReceiptEmail: stripe.String(d.DonorEmail),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataDonationID, d.ID.String())
	params.AddMetadata(metadataDonorEmail, d.DonorEmail)
	params.SetIdempotencyKey("donation-" + d.ID.String())

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapError(err)
	}

	raw, _ := json.Marshal(pi)
	p.logger.Info("PaymentIntent created", "donation_id", d.ID, "payment_intent_id", pi.ID)

	return &providers.InitiationResult{
		CorrelationID: pi.ID,
		NextAction: providers.NextAction{
			Type:           providers.NextActionConfirmCard,
			ClientSecret:   pi.ClientSecret,
			PublishableKey: p.publishableKey,
		},
		Raw: raw,
	}, nil
}

// ParseNotification verifies the webhook signature and maps PaymentIntent events.
// Events of any other type yield no outcome.
func (p *Provider) ParseNotification(_ context.Context, n *providers.Notification) (*donation.PaymentOutcome, error) {
	event, err := webhook.ConstructEvent(n.Payload, n.Signature, p.webhookSecret)
	if err != nil {
		return nil, providers.ErrInvalidSignature{Provider: donation.MethodCard, Err: err}
	}

	eventType := string(event.Type)
	if eventType != eventSucceeded && eventType != eventFailed {
		p.logger.Debug("Ignoring Stripe event", "event_id", event.ID, "type", eventType)
		return nil, nil
	}
	if event.Data == nil {
		return nil, providers.ErrMalformedNotification{Provider: donation.MethodCard, Reason: "event without data"}
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, providers.ErrMalformedNotification{Provider: donation.MethodCard, Reason: err.Error()}
	}
	if pi.ID == "" {
		return nil, providers.ErrMalformedNotification{Provider: donation.MethodCard, Reason: "event without a PaymentIntent id"}
	}

	occurredAt := n.ReceivedAt
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0)
	}
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}

	outcome := intentOutcome(&pi, eventType == eventSucceeded, occurredAt, json.RawMessage(n.Payload))
	outcome.EventID = event.ID
	return outcome, nil
}

// QueryStatus reads the PaymentIntent. Intents still awaiting the donor are pending.
// A donation whose create call timed out has no intent id; its intent is searched by
// the donation id in the metadata.
func (p *Provider) QueryStatus(ctx context.Context, d *donation.Donation, pt *donation.ProviderTransaction) (*donation.PaymentOutcome, error) {
	intentID := ""
	if pt != nil {
		intentID = pt.CheckoutRequestID
	}
	if intentID == "" && !donation.IsPlaceholder(d.CorrelationID) {
		intentID = d.CorrelationID
	}

	var pi *stripe.PaymentIntent
	var err error
	if intentID == "" {
		pi, err = p.searchIntent(ctx, d)
	} else {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err = p.api.PaymentIntents.Get(intentID, params)
		if err != nil {
			err = mapError(err)
		}
	}
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(pi)
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return intentOutcome(pi, true, p.now(), raw), nil
	case stripe.PaymentIntentStatusCanceled:
		return intentOutcome(pi, false, p.now(), raw), nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return intentOutcome(pi, false, p.now(), raw), nil
		}
	}
	return nil, providers.ErrStatusPending
}

// searchIntent finds the PaymentIntent created for d. Search results lag intent creation
// by up to a minute, so a miss is only reported as nothing to query.
func (p *Provider) searchIntent(ctx context.Context, d *donation.Donation) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Context: ctx,
			Query:   fmt.Sprintf("metadata['%s']:'%s'", metadataDonationID, d.ID),
			Limit:   stripe.Int64(1),
		},
	}
	iter := p.api.PaymentIntents.Search(params)
	if iter.Next() {
		pi := iter.PaymentIntent()
		p.logger.Info("Recovered PaymentIntent for timed out initiation", "donation_id", d.ID, "payment_intent_id", pi.ID)
		return pi, nil
	}
	if err := iter.Err(); err != nil {
		return nil, mapError(err)
	}
	return nil, providers.ErrNothingToQuery
}

func intentOutcome(pi *stripe.PaymentIntent, succeeded bool, occurredAt time.Time, raw json.RawMessage) *donation.PaymentOutcome {
	outcome := &donation.PaymentOutcome{
		Method:            donation.MethodCard,
		CorrelationID:     pi.ID,
		LookupKeys:        lookupKeys(pi),
		Succeeded:         succeeded,
		ProviderReference: pi.ID,
		OccurredAt:        occurredAt.UTC(),
		ResultCode:        string(pi.Status),
		Raw:               raw,
	}

	if pi.Customer != nil {
		outcome.Details.CustomerID = pi.Customer.ID
	}
	if pi.PaymentMethod != nil && pi.PaymentMethod.Card != nil {
		outcome.Details.CardLast4 = pi.PaymentMethod.Card.Last4
		outcome.Details.CardBrand = string(pi.PaymentMethod.Card.Brand)
	}
	if pi.LatestCharge != nil {
		if pi.LatestCharge.ID != "" {
			outcome.ProviderReference = pi.LatestCharge.ID
		}
		if details := pi.LatestCharge.PaymentMethodDetails; details != nil && details.Card != nil && outcome.Details.CardLast4 == "" {
			outcome.Details.CardLast4 = details.Card.Last4
			outcome.Details.CardBrand = string(details.Card.Brand)
		}
	}
	if pi.LastPaymentError != nil {
		outcome.ResultCode = string(pi.LastPaymentError.Code)
		outcome.ResultDesc = pi.LastPaymentError.Msg
	}
	return outcome
}

func lookupKeys(pi *stripe.PaymentIntent) []donation.LookupKey {
	keys := make([]donation.LookupKey, 0, 3)
	if id, err := uuid.Parse(pi.Metadata[metadataDonationID]); err == nil {
		keys = append(keys, donation.ByDonationID(id.String()))
	}
	return append(keys, donation.ByCorrelationID(pi.ID), donation.ByCheckoutRequestID(pi.ID))
}

// mapError classifies a Stripe client error
func mapError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return providers.Unavailable(donation.MethodCard, err)
	}
	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		stripeErr.Type == stripe.ErrorTypeAPI {
		return providers.ErrProviderUnavailable{Provider: donation.MethodCard, Err: err}
	}
	code := string(stripeErr.Code)
	if code == "" {
		code = string(stripeErr.Type)
	}
	return providers.ErrProviderRejected{Provider: donation.MethodCard, Code: code, Message: stripeErr.Msg}
}
