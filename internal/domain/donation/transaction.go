package donation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProviderTransaction records the provider-side identifiers of a donation's payment.
// It is created on successful initiation and resolved once when the outcome arrives.
// CheckoutRequestID holds the initiation id (M-Pesa checkout request, PayPal order,
// Stripe PaymentIntent) and is never overwritten.
type ProviderTransaction struct {
	ID                int64           `json:"id"`
	DonationID        uuid.UUID       `json:"donation_id"`
	Method            PaymentMethod   `json:"method"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	ResultCode        string          `json:"result_code,omitempty"`
	ResultDesc        string          `json:"result_desc,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	PayerID           string          `json:"payer_id,omitempty"`
	CaptureID         string          `json:"capture_id,omitempty"`
	CustomerID        string          `json:"customer_id,omitempty"`
	CardLast4         string          `json:"card_last4,omitempty"`
	CardBrand         string          `json:"card_brand,omitempty"`
	PhoneNumber       string          `json:"phone_number,omitempty"`
	TransactionDate   *time.Time      `json:"transaction_date,omitempty"`
	RawResponse       json.RawMessage `json:"raw_response,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewProviderTransaction records a successful initiation
func NewProviderTransaction(d *Donation, checkoutRequestID, merchantRequestID string, raw json.RawMessage, now time.Time) *ProviderTransaction {
	now = now.UTC()
	return &ProviderTransaction{
		DonationID:        d.ID,
		Method:            d.PaymentMethod,
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: merchantRequestID,
		PhoneNumber:       d.DonorPhone,
		RawResponse:       raw,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsResolved reports whether an outcome was already recorded
func (pt *ProviderTransaction) IsResolved() bool {
	return pt.ResolvedAt != nil
}

// Resolve copies the outcome's provider fields. It reports false when the transaction
// was already resolved.
func (pt *ProviderTransaction) Resolve(outcome *PaymentOutcome, now time.Time) bool {
	if pt.IsResolved() {
		return false
	}

	if pt.CheckoutRequestID == "" {
		pt.CheckoutRequestID = outcome.CorrelationID
	}
	if outcome.Details.MerchantRequestID != "" {
		pt.MerchantRequestID = outcome.Details.MerchantRequestID
	}
	if outcome.Details.PhoneNumber != "" {
		pt.PhoneNumber = outcome.Details.PhoneNumber
	}
	pt.ResultCode = outcome.ResultCode
	pt.ResultDesc = outcome.ResultDesc
	pt.ProviderReference = outcome.ProviderReference
	pt.PayerID = outcome.Details.PayerID
	pt.CaptureID = outcome.Details.CaptureID
	pt.CustomerID = outcome.Details.CustomerID
	pt.CardLast4 = outcome.Details.CardLast4
	pt.CardBrand = outcome.Details.CardBrand
	pt.TransactionDate = outcome.Details.TransactionDate
	if len(outcome.Raw) > 0 {
		pt.RawResponse = outcome.Raw
	}

	now = now.UTC()
	pt.ResolvedAt = &now
	pt.UpdatedAt = now
	return true
}
