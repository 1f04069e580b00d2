package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/donation_gateway/middleware"
	"github.com/youthshield-donations/internal/donation_gateway/service"
	"github.com/youthshield-donations/internal/providers"
)

// maxNotificationBytes caps inbound callback bodies
const maxNotificationBytes = 1 << 20

// StripeSignatureHeader carries the Stripe webhook signature
const StripeSignatureHeader = "Stripe-Signature"

// Webhook acknowledgement statuses
const (
	webhookSuccess  = "success"
	webhookFailed   = "failed"
	webhookReceived = "received"
)

// NotificationHandler receives provider callbacks, webhooks and redirects. It only reads
// the request and maps the ingest result onto each provider's response contract.
type NotificationHandler struct {
	ingestService   service.IngestService
	donationService service.DonationService
	logger          *slog.Logger
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(logger *slog.Logger, ingestService service.IngestService, donationService service.DonationService) *NotificationHandler {
	return &NotificationHandler{
		ingestService:   ingestService,
		donationService: donationService,
		logger:          logger,
	}
}

// MpesaCallback handles the STK push result. Daraja expects HTTP 200 with a ResultCode
// for everything except an unreadable body.
func (h *NotificationHandler) MpesaCallback(c *gin.Context) {
	logger := middleware.GetLogger(c, h.logger)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
	if err != nil {
		logger.Warn("Failed to read M-Pesa callback", "error", err)
		c.JSON(http.StatusBadRequest, MpesaCallbackResponse{ResultCode: 1, ResultDesc: "Malformed callback"})
		return
	}

	_, err = h.ingestService.Ingest(c.Request.Context(), donation.MethodMpesa, &providers.Notification{
		Payload:    body,
		RequestID:  middleware.GetCorrelationID(c),
		ReceivedAt: time.Now(),
	})
	switch {
	case err == nil, errors.Is(err, donation.ErrCorrelationNotFound{}):
		c.JSON(http.StatusOK, MpesaCallbackResponse{ResultCode: 0, ResultDesc: "Accepted"})
	case errors.As(err, &providers.ErrMalformedNotification{}):
		c.JSON(http.StatusBadRequest, MpesaCallbackResponse{ResultCode: 1, ResultDesc: "Malformed callback"})
	case errors.Is(err, service.ErrRetryLater):
		c.JSON(http.StatusOK, MpesaCallbackResponse{ResultCode: 1, ResultDesc: "Temporarily unable to process callback"})
	default:
		logger.Error("Failed to process M-Pesa callback", "error", err)
		c.JSON(http.StatusOK, MpesaCallbackResponse{ResultCode: 1, ResultDesc: "Rejected"})
	}
}

// StripeWebhook handles PaymentIntent events. The body is passed on byte for byte so
// the signature can be verified.
func (h *NotificationHandler) StripeWebhook(c *gin.Context) {
	logger := middleware.GetLogger(c, h.logger)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
	if err != nil {
		logger.Warn("Failed to read Stripe webhook", "error", err)
		c.JSON(http.StatusBadRequest, WebhookResponse{Status: webhookFailed})
		return
	}

	report, err := h.ingestService.Ingest(c.Request.Context(), donation.MethodCard, &providers.Notification{
		Payload:    body,
		Signature:  c.GetHeader(StripeSignatureHeader),
		RequestID:  middleware.GetCorrelationID(c),
		ReceivedAt: time.Now(),
	})
	switch {
	case errors.As(err, &providers.ErrInvalidSignature{}), errors.As(err, &providers.ErrMalformedNotification{}):
		c.JSON(http.StatusBadRequest, WebhookResponse{Status: webhookFailed})
	case errors.Is(err, service.ErrRetryLater):
		c.JSON(http.StatusServiceUnavailable, WebhookResponse{Status: webhookFailed})
	case errors.Is(err, donation.ErrCorrelationNotFound{}):
		c.JSON(http.StatusOK, WebhookResponse{Status: webhookReceived})
	case err != nil:
		logger.Error("Failed to process Stripe webhook", "error", err)
		c.JSON(http.StatusInternalServerError, WebhookResponse{Status: webhookFailed})
	case report.Outcome == nil:
		c.JSON(http.StatusOK, WebhookResponse{Status: webhookReceived})
	case report.Outcome.Succeeded:
		c.JSON(http.StatusOK, WebhookResponse{Status: webhookSuccess})
	default:
		c.JSON(http.StatusOK, WebhookResponse{Status: webhookFailed})
	}
}

// PayPalSuccess handles the donor's return from PayPal approval: the order is captured
// and the result applied
func (h *NotificationHandler) PayPalSuccess(c *gin.Context) {
	logger := middleware.GetLogger(c, h.logger)
	donationID := c.Param("id")

	params := map[string]string{}
	for _, name := range []string{"token", "order_id", "PayerID"} {
		if v := c.Query(name); v != "" {
			params[name] = v
		} else if v := c.PostForm(name); v != "" {
			params[name] = v
		}
	}

	report, err := h.ingestService.Ingest(c.Request.Context(), donation.MethodPayPal, &providers.Notification{
		DonationID: donationID,
		Params:     params,
		RequestID:  middleware.GetCorrelationID(c),
		ReceivedAt: time.Now(),
	})
	switch {
	case errors.As(err, &providers.ErrMalformedNotification{}):
		RespondBadRequest(c, "Invalid PayPal return")
		return
	case errors.Is(err, donation.ErrCorrelationNotFound{}):
		RespondNotFound(c, "Donation not found")
		return
	case errors.Is(err, service.ErrRetryLater):
		RespondServiceUnavailable(c, "Your payment is being processed, please check the donation status shortly")
		return
	case err != nil:
		logger.Error("Failed to process PayPal return", "donation_id", donationID, "error", err)
		RespondInternalError(c)
		return
	}

	d := report.Donation
	if d == nil && report.Result == shared.IngestDuplicate && ownsOrder(report.Outcome, donationID) {
		d = h.lookup(c, logger, donationID)
	}
	if d == nil {
		RespondNotFound(c, "Donation not found")
		return
	}
	RespondOK(c, mapDonationToResponse(d))
}

// PayPalCancel handles the donor abandoning PayPal approval
func (h *NotificationHandler) PayPalCancel(c *gin.Context) {
	logger := middleware.GetLogger(c, h.logger)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid donation ID")
		return
	}

	// The cancel URL is public; only PayPal donations may be cancelled through it
	existing, err := h.donationService.GetDonation(c.Request.Context(), id)
	if err == nil && existing.PaymentMethod != donation.MethodPayPal {
		logger.Warn("PayPal cancel for a non PayPal donation", "donation_id", id.String(), "payment_method", existing.PaymentMethod)
		RespondNotFound(c, "Donation not found")
		return
	}
	if err != nil {
		if errors.Is(err, donation.ErrDonationNotFound{}) {
			RespondNotFound(c, "Donation not found")
			return
		}
		logger.Error("Failed to load donation for cancel", "donation_id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	d, err := h.donationService.CancelDonation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, donation.ErrDonationNotFound{}) {
			RespondNotFound(c, "Donation not found")
			return
		}
		logger.Error("Failed to cancel donation", "donation_id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	logger.Info("PayPal payment cancelled by donor", "donation_id", id.String(), "status", d.Status)
	RespondOK(c, mapDonationToResponse(d))
}

// ownsOrder reports whether PayPal recorded donationID on the order behind outcome
func ownsOrder(outcome *donation.PaymentOutcome, donationID string) bool {
	return outcome != nil && slices.Contains(outcome.LookupKeys, donation.ByDonationID(donationID))
}

func (h *NotificationHandler) lookup(c *gin.Context, logger *slog.Logger, donationID string) *donation.Donation {
	id, err := uuid.Parse(donationID)
	if err != nil {
		return nil
	}
	d, err := h.donationService.GetDonation(c.Request.Context(), id)
	if err != nil {
		logger.Warn("Failed to load donation after duplicate PayPal return", "donation_id", donationID, "error", err)
		return nil
	}
	return d
}
