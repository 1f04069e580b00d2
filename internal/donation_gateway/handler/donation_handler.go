package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/donation_gateway/middleware"
	"github.com/youthshield-donations/internal/donation_gateway/service"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

// DonationHandler handles donor-facing donation requests
type DonationHandler struct {
	donationService service.DonationService
	logger          *slog.Logger
}

// NewDonationHandler creates a new donation handler
func NewDonationHandler(logger *slog.Logger, donationService service.DonationService) *DonationHandler {
	return &DonationHandler{
		donationService: donationService,
		logger:          logger,
	}
}

// Create stores a donation and starts its payment
func (h *DonationHandler) Create(c *gin.Context) {
	logger := middleware.GetLogger(c, h.logger)

	var req CreateDonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	initiation, err := h.donationService.CreateDonation(c.Request.Context(), req.toDomain())
	if err != nil {
		var data interface{}
		if initiation != nil && initiation.Donation != nil {
			data = InitiationResponse{Donation: mapDonationToResponse(initiation.Donation), NextAction: initiation.NextAction}
		}
		h.respondCreateError(c, logger, err, data)
		return
	}

	RespondCreated(c, InitiationResponse{
		Donation:   mapDonationToResponse(initiation.Donation),
		NextAction: initiation.NextAction,
	})
}

func (h *DonationHandler) respondCreateError(c *gin.Context, logger *slog.Logger, err error, data interface{}) {
	var validation donation.ErrValidation
	var rejected providers.ErrProviderRejected
	var unavailable providers.ErrProviderUnavailable
	switch {
	case errors.As(err, &validation):
		RespondBadRequest(c, validation.Error())
	case errors.As(err, &rejected):
		message := "The payment provider declined the request"
		if rejected.Message != "" {
			message += ": " + rejected.Message
		}
		RespondWithErrorData(c, http.StatusBadGateway, "PROVIDER_REJECTED", message, data)
	case errors.As(err, &unavailable):
		message := "The payment provider could not be reached, please try again"
		if unavailable.Timeout {
			message = "The payment provider did not answer in time, the donation status will be updated once it does"
		}
		RespondWithErrorData(c, http.StatusGatewayTimeout, "PROVIDER_UNAVAILABLE", message, data)
	case errors.Is(err, donation.ErrStorageContention{}):
		RespondServiceUnavailable(c, "The donation could not be stored, please try again")
	default:
		logger.Error("Failed to create donation", "error", err)
		RespondInternalError(c)
	}
}

// GetByID returns a donation's current status
func (h *DonationHandler) GetByID(c *gin.Context) {
	id, ok := h.donationID(c)
	if !ok {
		return
	}

	d, err := h.donationService.GetDonation(c.Request.Context(), id)
	if err != nil {
		h.respondLookupError(c, id, err)
		return
	}
	RespondOK(c, mapDonationToResponse(d))
}

// GetReceipt returns the receipt of a completed donation
func (h *DonationHandler) GetReceipt(c *gin.Context) {
	id, ok := h.donationID(c)
	if !ok {
		return
	}

	receipt, err := h.donationService.GetReceipt(c.Request.Context(), id)
	if err != nil {
		if errors.As(err, &ledger.ErrReceiptUnavailable{}) {
			RespondNotFound(c, "Receipts are only available for completed donations")
			return
		}
		h.respondLookupError(c, id, err)
		return
	}
	RespondOK(c, mapReceiptToResponse(receipt))
}

func (h *DonationHandler) donationID(c *gin.Context) (uuid.UUID, bool) {
	idParam := c.Param("id")
	id, err := uuid.Parse(idParam)
	if err != nil {
		middleware.GetLogger(c, h.logger).Warn("Invalid donation ID", "id", idParam, "error", err)
		RespondBadRequest(c, "Invalid donation ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *DonationHandler) respondLookupError(c *gin.Context, id uuid.UUID, err error) {
	if errors.Is(err, donation.ErrDonationNotFound{}) {
		RespondNotFound(c, "Donation not found")
		return
	}
	middleware.GetLogger(c, h.logger).Error("Failed to get donation", "donation_id", id.String(), "error", err)
	RespondInternalError(c)
}

func mapReceiptToResponse(r *ledger.Receipt) ReceiptResponse {
	response := ReceiptResponse{
		ReceiptNumber:     r.ReceiptNumber,
		DonationID:        r.DonationID.String(),
		DonorName:         r.DonorName,
		Amount:            r.Amount.StringFixed(2),
		Currency:          r.Currency,
		PaymentMethod:     string(r.PaymentMethod),
		ProviderReference: r.ProviderReference,
		CompletedAt:       r.CompletedAt.Format(time.RFC3339),
	}
	if r.TransactionDate != nil {
		response.TransactionDate = r.TransactionDate.Format(time.RFC3339)
	}
	return response
}
