package handler

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/providers"
)

// CreateDonationRequest represents a donor's donation form
type CreateDonationRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method" binding:"required,oneof=mpesa paypal card"`
	DonorID       string          `json:"donor_id,omitempty" binding:"omitempty,uuid"`
	DonorName     string          `json:"donor_name" binding:"required"`
	DonorEmail    string          `json:"donor_email" binding:"required,email"`
	DonorPhone    string          `json:"donor_phone,omitempty"`
	IsAnonymous   bool            `json:"is_anonymous"`
	Notes         string          `json:"notes,omitempty" binding:"max=1000"`
}

// toDomain converts the form into a ledger request
func (r CreateDonationRequest) toDomain() donation.Request {
	req := donation.Request{
		Amount:        r.Amount,
		Currency:      r.Currency,
		PaymentMethod: donation.PaymentMethod(r.PaymentMethod),
		DonorName:     r.DonorName,
		DonorEmail:    r.DonorEmail,
		DonorPhone:    r.DonorPhone,
		IsAnonymous:   r.IsAnonymous,
		Notes:         r.Notes,
	}
	if id, err := uuid.Parse(r.DonorID); err == nil {
		req.DonorID = &id
	}
	return req
}

// DonationResponse represents a donation in API responses
type DonationResponse struct {
	ID            string `json:"id"`
	ReceiptNumber int64  `json:"receipt_number"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	DonorName     string `json:"donor_name"`
	IsAnonymous   bool   `json:"is_anonymous"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// InitiationResponse is a created donation with the donor's next step
type InitiationResponse struct {
	Donation   DonationResponse     `json:"donation"`
	NextAction providers.NextAction `json:"next_action"`
}

// ReceiptResponse represents a donation receipt
type ReceiptResponse struct {
	ReceiptNumber     int64  `json:"receipt_number"`
	DonationID        string `json:"donation_id"`
	DonorName         string `json:"donor_name"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	PaymentMethod     string `json:"payment_method"`
	ProviderReference string `json:"provider_reference,omitempty"`
	TransactionDate   string `json:"transaction_date,omitempty"`
	CompletedAt       string `json:"completed_at"`
}

// MpesaCallbackResponse is the acknowledgement body Daraja expects
type MpesaCallbackResponse struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// WebhookResponse is the acknowledgement body for Stripe webhooks
type WebhookResponse struct {
	Status string `json:"status"`
}

// mapDonationToResponse maps a donation to its response DTO
func mapDonationToResponse(d *donation.Donation) DonationResponse {
	return DonationResponse{
		ID:            d.ID.String(),
		ReceiptNumber: d.ReceiptNumber,
		Amount:        d.Amount.StringFixed(2),
		Currency:      d.Currency,
		PaymentMethod: string(d.PaymentMethod),
		Status:        string(d.Status),
		CorrelationID: d.CorrelationID,
		DonorName:     d.DisplayName(),
		IsAnonymous:   d.IsAnonymous,
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     d.UpdatedAt.Format(time.RFC3339),
	}
}
