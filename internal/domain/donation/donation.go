// Package donation holds the Donation aggregate, its lifecycle rules and the
// provider-neutral types exchanged between the ledger and the payment adapters.
package donation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a donation
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PaymentMethod identifies the provider family used for a donation
type PaymentMethod string

const (
	MethodMpesa  PaymentMethod = "mpesa"
	MethodPayPal PaymentMethod = "paypal"
	MethodCard   PaymentMethod = "card"
)

// Valid reports whether m is a supported payment method
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodPayPal, MethodCard:
		return true
	}
	return false
}

// CurrencyKES is the only currency M-Pesa accepts
const CurrencyKES = "KES"

// SupportedCurrencies lists the ISO codes donors may choose from
var SupportedCurrencies = []string{"KES", "USD", "EUR", "GBP", "JPY", "CAD", "AUD", "CHF", "CNY", "SEK", "NZD"}

// IsSupportedCurrency reports whether code is one of SupportedCurrencies
func IsSupportedCurrency(code string) bool {
	for _, c := range SupportedCurrencies {
		if c == code {
			return true
		}
	}
	return false
}

// Donation is a single contribution attempt.
type Donation struct {
	ID            uuid.UUID       `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        Status          `json:"status"`
	// CorrelationID starts as a local placeholder and is rewritten with the provider's
	// identifier on initiation, and for M-Pesa once more with the settlement receipt.
	CorrelationID  string     `json:"correlation_id"`
	ReceiptNumber  int64      `json:"receipt_number"`
	DonorID        *uuid.UUID `json:"donor_id,omitempty"`
	DonorName      string     `json:"donor_name"`
	DonorEmail     string     `json:"donor_email"`
	DonorPhone     string     `json:"donor_phone,omitempty"`
	IsAnonymous    bool       `json:"is_anonymous"`
	Notes          string     `json:"notes,omitempty"`
	ReconcileAfter *time.Time `json:"reconcile_after,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Request carries donor input for a new donation
type Request struct {
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod PaymentMethod
	DonorID       *uuid.UUID
	DonorName     string
	DonorEmail    string
	DonorPhone    string
	IsAnonymous   bool
	Notes         string
}

// NewDonation validates req and returns a pending donation with a placeholder
// correlation id. The receipt number is assigned by storage on insert.
func NewDonation(req Request, now time.Time) (*Donation, error) {
	if !req.PaymentMethod.Valid() {
		return nil, ErrValidation{Field: "payment_method", Message: "unsupported payment method"}
	}
	if !req.Amount.IsPositive() {
		return nil, ErrValidation{Field: "amount", Message: "amount must be greater than zero"}
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, ErrValidation{Field: "amount", Message: "amount cannot have more than two decimal places"}
	}
	if strings.TrimSpace(req.DonorName) == "" {
		return nil, ErrValidation{Field: "donor_name", Message: "donor name is required"}
	}
	if strings.TrimSpace(req.DonorEmail) == "" {
		return nil, ErrValidation{Field: "donor_email", Message: "donor email is required"}
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	phone := strings.TrimSpace(req.DonorPhone)

	switch req.PaymentMethod {
	case MethodMpesa:
		normalized, err := NormalizeKenyanPhone(phone)
		if err != nil {
			return nil, err
		}
		phone = normalized
		currency = CurrencyKES
	case MethodPayPal:
		if currency == CurrencyKES {
			return nil, ErrValidation{Field: "currency", Message: "PayPal does not accept KES"}
		}
	}

	if currency == "" {
		return nil, ErrValidation{Field: "currency", Message: "please select a currency for your donation"}
	}
	if !IsSupportedCurrency(currency) {
		return nil, ErrValidation{Field: "currency", Message: "unsupported currency " + currency}
	}

	now = now.UTC()
	return &Donation{
		ID:            uuid.New(),
		Amount:        req.Amount,
		Currency:      currency,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPending,
		CorrelationID: NewPlaceholderCorrelationID(now),
		DonorID:       req.DonorID,
		DonorName:     strings.TrimSpace(req.DonorName),
		DonorEmail:    strings.TrimSpace(req.DonorEmail),
		DonorPhone:    phone,
		IsAnonymous:   req.IsAnonymous,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Resolve moves a pending donation to completed or failed according to outcome.
// It reports false without touching the donation when it is already terminal.
func (d *Donation) Resolve(outcome *PaymentOutcome, now time.Time) bool {
	if d.Status.IsTerminal() {
		return false
	}

	if outcome.Succeeded {
		d.Status = StatusCompleted
		if outcome.SettlesCorrelation && outcome.ProviderReference != "" {
			d.CorrelationID = outcome.ProviderReference
		}
	} else {
		d.Status = StatusFailed
	}
	d.ReconcileAfter = nil
	d.UpdatedAt = now.UTC()
	return true
}

// Cancel moves a pending donation to cancelled, reporting false when already terminal.
func (d *Donation) Cancel(now time.Time) bool {
	return d.terminate(StatusCancelled, now)
}

// Fail moves a pending donation to failed, reporting false when already terminal.
func (d *Donation) Fail(now time.Time) bool {
	return d.terminate(StatusFailed, now)
}

func (d *Donation) terminate(to Status, now time.Time) bool {
	if d.Status.IsTerminal() {
		return false
	}
	d.Status = to
	d.ReconcileAfter = nil
	d.UpdatedAt = now.UTC()
	return true
}

// DisplayName hides the donor's name on anonymous donations
func (d *Donation) DisplayName() string {
	if d.IsAnonymous {
		return "Anonymous"
	}
	return d.DonorName
}
