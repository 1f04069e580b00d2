package donation

import (
	"encoding/json"
	"time"
)

// PaymentOutcome is the provider-neutral result of a payment notification. It is never
// persisted as such; the ledger folds it into the donation and its provider transaction.
type PaymentOutcome struct {
	Method PaymentMethod `json:"method"`
	// CorrelationID is the primary identifier the provider sent back
	CorrelationID string `json:"correlation_id"`
	// LookupKeys lists every identifier the donation may be found by, highest priority
	// first. When empty, CorrelationID alone is used.
	LookupKeys        []LookupKey `json:"lookup_keys,omitempty"`
	Succeeded         bool        `json:"succeeded"`
	ProviderReference string      `json:"provider_reference,omitempty"`
	// SettlesCorrelation is set when ProviderReference is a settlement identifier that
	// replaces the initiation id as the donation's correlation id
	SettlesCorrelation bool      `json:"settles_correlation,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
	// EventID identifies the delivery for dedup, when the provider supplies one
	EventID    string          `json:"event_id,omitempty"`
	ResultCode string          `json:"result_code,omitempty"`
	ResultDesc string          `json:"result_desc,omitempty"`
	Details    OutcomeDetails  `json:"details"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// OutcomeDetails carries provider-specific fields recorded on the provider transaction
type OutcomeDetails struct {
	MerchantRequestID string     `json:"merchant_request_id,omitempty"`
	PhoneNumber       string     `json:"phone_number,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`
	PayerID           string     `json:"payer_id,omitempty"`
	CaptureID         string     `json:"capture_id,omitempty"`
	CustomerID        string     `json:"customer_id,omitempty"`
	CardLast4         string     `json:"card_last4,omitempty"`
	CardBrand         string     `json:"card_brand,omitempty"`
}

// Keys returns the prioritized lookup keys for the outcome
func (o *PaymentOutcome) Keys() []LookupKey {
	if len(o.LookupKeys) > 0 {
		return o.LookupKeys
	}
	if o.CorrelationID == "" {
		return nil
	}
	return []LookupKey{ByCorrelationID(o.CorrelationID)}
}

// DeliveryKey identifies this notification for duplicate suppression. Providers without
// event ids fall back to the correlation id and result.
func (o *PaymentOutcome) DeliveryKey() string {
	if o.EventID != "" {
		return string(o.Method) + ":" + o.EventID
	}
	result := "failed"
	if o.Succeeded {
		result = "succeeded"
	}
	return string(o.Method) + ":" + o.CorrelationID + ":" + result
}
