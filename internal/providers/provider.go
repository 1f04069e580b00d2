// Package providers defines the contract every payment provider adapter implements and
// the helpers the adapters share.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/youthshield-donations/internal/domain/donation"
)

// ErrStatusPending is returned by QueryStatus while the provider has no final result
var ErrStatusPending = errors.New("payment still pending at provider")

// ErrNothingToQuery is returned by QueryStatus when the initiation never produced a
// provider reference and the provider offers no way to find it
var ErrNothingToQuery = errors.New("no provider reference to query")

// NextActionType tells the donor-facing flow what to do after initiation
type NextActionType string

const (
	NextActionPending     NextActionType = "pending"      // Wait for the provider's asynchronous result
	NextActionRedirect    NextActionType = "redirect"     // Send the donor to RedirectURL
	NextActionConfirmCard NextActionType = "confirm_card" // Confirm the card client side
)

// NextAction is the donor-facing step following a successful initiation
type NextAction struct {
	Type           NextActionType `json:"type"`
	RedirectURL    string         `json:"redirect_url,omitempty"`
	ClientSecret   string         `json:"client_secret,omitempty"`
	PublishableKey string         `json:"publishable_key,omitempty"`
}

// InitiationResult is what a provider returned when a payment was started
type InitiationResult struct {
	CorrelationID     string
	MerchantRequestID string // Secondary provider id, when the provider issues one
	NextAction        NextAction
	Raw               json.RawMessage
}

// Notification is an inbound provider callback, webhook or redirect exactly as received
type Notification struct {
	Payload    []byte
	Signature  string            // Signature header for signed webhooks
	DonationID string            // Donation id carried in a redirect path
	Params     map[string]string // Query or form parameters of a redirect
	RequestID  string            // Correlation id of the HTTP request that carried it
	ReceivedAt time.Time
}

// Param returns the first non-empty parameter among names
func (n *Notification) Param(names ...string) string {
	for _, name := range names {
		if v := n.Params[name]; v != "" {
			return v
		}
	}
	return ""
}

// PaymentProvider translates ledger payment requests into provider API calls and
// provider notifications into payment outcomes. Each provider decides which lookup
// keys identify the donation.
type PaymentProvider interface {
	Method() donation.PaymentMethod

	// Initiate starts a payment for d. Fails with ErrProviderUnavailable or ErrProviderRejected.
	Initiate(ctx context.Context, d *donation.Donation) (*InitiationResult, error)

	// ParseNotification authenticates and normalizes n. A nil outcome with a nil error means
	// the notification carries no payment result and can be acknowledged as received.
	ParseNotification(ctx context.Context, n *Notification) (*donation.PaymentOutcome, error)

	// QueryStatus asks the provider for the current result of d's payment.
	// Returns ErrStatusPending when the provider has no final result yet and
	// ErrNothingToQuery when the payment cannot be located at the provider.
	QueryStatus(ctx context.Context, d *donation.Donation, pt *donation.ProviderTransaction) (*donation.PaymentOutcome, error)
}

// Registry holds one provider per payment method
type Registry struct {
	providers map[donation.PaymentMethod]PaymentProvider
}

// NewRegistry indexes providers by their payment method
func NewRegistry(providers ...PaymentProvider) *Registry {
	r := &Registry{providers: make(map[donation.PaymentMethod]PaymentProvider, len(providers))}
	for _, p := range providers {
		r.providers[p.Method()] = p
	}
	return r
}

// Get returns the provider for method
func (r *Registry) Get(method donation.PaymentMethod) (PaymentProvider, error) {
	p, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("no payment provider registered for %q", method)
	}
	return p, nil
}

// Methods lists the registered payment methods
func (r *Registry) Methods() []donation.PaymentMethod {
	methods := make([]donation.PaymentMethod, 0, len(r.providers))
	for m := range r.providers {
		methods = append(methods, m)
	}
	return methods
}
