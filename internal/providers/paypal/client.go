// Package paypal implements the PayPal Orders v2 provider: an order is created on
// initiation and captured when the donor returns from the approval page.
package paypal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/providers"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	tokenPath  = "/v1/oauth2/token"
	ordersPath = "/v2/checkout/orders"

	statusCompleted = "COMPLETED"
	statusApproved  = "APPROVED"
	statusVoided    = "VOIDED"

	issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
)

// Provider is the PayPal payment provider
type Provider struct {
	logger        *slog.Logger
	client        *http.Client
	baseURL       string
	publicBaseURL string
	now           func() time.Time
}

// NewProvider creates a PayPal provider authenticating with the client credentials grant
func NewProvider(logger *slog.Logger, cfg *config.PayPalConfig, donations *config.DonationsConfig) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: donations.ProviderTimeout})
	client := cc.Client(tokenCtx)
	client.Timeout = donations.ProviderTimeout

	return &Provider{
		logger:        logger.With("provider", donation.MethodPayPal),
		client:        client,
		baseURL:       baseURL,
		publicBaseURL: strings.TrimRight(donations.PublicBaseURL, "/"),
		now:           time.Now,
	}
}

// Method implements providers.PaymentProvider
func (p *Provider) Method() donation.PaymentMethod {
	return donation.MethodPayPal
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	CustomID    string    `json:"custom_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Amount      *amount   `json:"amount,omitempty"`
	Payments    *payments `json:"payments,omitempty"`
}

type payments struct {
	Captures []capture `json:"captures"`
}

type capture struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	CreateTime time.Time `json:"create_time"`
}

type applicationContext struct {
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url"`
	UserAction string `json:"user_action,omitempty"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []link         `json:"links"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Payer         *struct {
		PayerID string `json:"payer_id"`
	} `json:"payer"`
}

// approveURL returns the link the donor must follow to approve the order
func (o *order) approveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// donationID returns the donation id echoed back in the purchase unit
func (o *order) donationID() string {
	for _, pu := range o.PurchaseUnits {
		if pu.CustomID != "" {
			return pu.CustomID
		}
		if pu.ReferenceID != "" && pu.ReferenceID != "default" {
			return pu.ReferenceID
		}
	}
	return ""
}

func (o *order) capture() *capture {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
	}
	return nil
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *apiError) issue() string {
	if len(e.Details) > 0 && e.Details[0].Issue != "" {
		return e.Details[0].Issue
	}
	return e.Name
}

func (p *Provider) returnURL(kind string, d *donation.Donation) string {
	return fmt.Sprintf("%s/donations/paypal-%s/%s/", p.publicBaseURL, kind, d.ID)
}

// createOrder posts the order for d. PayPal-Request-Id is the donation id, so repeating
// the call returns the order created the first time instead of a new one.
func (p *Provider) createOrder(ctx context.Context, d *donation.Donation) (*order, *providers.Response, error) {
	req := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: d.ID.String(),
			CustomID:    d.ID.String(),
			Description: fmt.Sprintf("Donation #%d", d.ReceiptNumber),
			Amount: &amount{
				CurrencyCode: d.Currency,
				Value:        providers.MajorUnits(d.Amount, d.Currency),
			},
		}},
		ApplicationContext: applicationContext{
			ReturnURL:  p.returnURL("success", d),
			CancelURL:  p.returnURL("cancel", d),
			UserAction: "PAY_NOW",
		},
	}

	resp, err := providers.DoJSON(ctx, p.client, http.MethodPost, p.baseURL+ordersPath, req, map[string]string{
		"PayPal-Request-Id": d.ID.String(),
	})
	if err != nil {
		return nil, nil, providers.Unavailable(donation.MethodPayPal, err)
	}
	if !resp.OK() {
		return nil, nil, statusError(resp)
	}

	var out order
	if err := resp.Decode(&out); err != nil {
		return nil, nil, providers.Unavailable(donation.MethodPayPal, fmt.Errorf("undecodable order response: %w", err))
	}
	return &out, resp, nil
}

// Initiate creates an order and hands back its approval link
func (p *Provider) Initiate(ctx context.Context, d *donation.Donation) (*providers.InitiationResult, error) {
	out, resp, err := p.createOrder(ctx, d)
	if err != nil {
		return nil, err
	}
	approve := out.approveURL()
	if out.ID == "" || approve == "" {
		return nil, providers.ErrProviderRejected{
			Provider: donation.MethodPayPal,
			Code:     out.Status,
			Message:  "order created without an approval link",
		}
	}

	p.logger.Info("PayPal order created", "donation_id", d.ID, "order_id", out.ID)

	return &providers.InitiationResult{
		CorrelationID: out.ID,
		NextAction:    providers.NextAction{Type: providers.NextActionRedirect, RedirectURL: approve},
		Raw:           resp.Body,
	}, nil
}

// ParseNotification captures the order the donor just approved. PayPal redirects carry
// the order id as the token parameter. The donation id in the redirect path is supplied by
// the donor, so it never selects the donation: the order id does, and the path id must
// match the donation id PayPal echoes back on the order.
func (p *Provider) ParseNotification(ctx context.Context, n *providers.Notification) (*donation.PaymentOutcome, error) {
	orderID := n.Param("token", "order_id")
	if orderID == "" {
		return nil, providers.ErrMalformedNotification{Provider: donation.MethodPayPal, Reason: "missing token or order_id"}
	}

	resp, err := providers.DoJSON(ctx, p.client, http.MethodPost, p.orderURL(orderID)+"/capture", struct{}{}, map[string]string{
		"PayPal-Request-Id": "capture-" + orderID,
	})
	if err != nil {
		return nil, providers.Unavailable(donation.MethodPayPal, err)
	}

	occurredAt := n.ReceivedAt
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}

	if !resp.OK() {
		var apiErr apiError
		_ = resp.Decode(&apiErr)
		if apiErr.issue() == issueAlreadyCaptured {
			// An earlier redirect already captured the order; report its final state
			return p.fetchOrder(ctx, orderID, n.DonationID)
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusError(resp)
		}
		p.logger.Warn("PayPal capture declined", "order_id", orderID, "issue", apiErr.issue(), "debug_id", apiErr.DebugID)
		return &donation.PaymentOutcome{
			Method:        donation.MethodPayPal,
			CorrelationID: orderID,
			LookupKeys:    lookupKeys(orderID, ""),
			Succeeded:     false,
			OccurredAt:    occurredAt.UTC(),
			ResultCode:    apiErr.issue(),
			ResultDesc:    apiErr.Message,
			Details:       donation.OutcomeDetails{PayerID: n.Param("PayerID")},
			Raw:           resp.Body,
		}, nil
	}

	var out order
	if err := resp.Decode(&out); err != nil {
		return nil, providers.Unavailable(donation.MethodPayPal, fmt.Errorf("undecodable capture response: %w", err))
	}
	outcome, err := p.orderOutcome(&out, n.DonationID, resp.Body, occurredAt)
	if err != nil {
		return nil, err
	}
	if outcome.Details.PayerID == "" {
		outcome.Details.PayerID = n.Param("PayerID")
	}
	return outcome, nil
}

// orderOutcome maps a captured or fetched order to an outcome. expectedDonationID, when
// set, must equal the donation id recorded on the order.
func (p *Provider) orderOutcome(o *order, expectedDonationID string, raw []byte, occurredAt time.Time) (*donation.PaymentOutcome, error) {
	echoed := o.donationID()
	if expectedDonationID != "" && echoed != "" && !strings.EqualFold(expectedDonationID, echoed) {
		p.logger.Warn("PayPal order belongs to another donation",
			"order_id", o.ID, "donation_id", expectedDonationID, "order_donation_id", echoed)
		return nil, providers.ErrMalformedNotification{
			Provider: donation.MethodPayPal,
			Reason:   fmt.Sprintf("order %s does not belong to donation %s", o.ID, expectedDonationID),
		}
	}

	outcome := &donation.PaymentOutcome{
		Method:        donation.MethodPayPal,
		CorrelationID: o.ID,
		LookupKeys:    lookupKeys(o.ID, echoed),
		Succeeded:     o.Status == statusCompleted,
		OccurredAt:    occurredAt.UTC(),
		ResultCode:    o.Status,
		Raw:           raw,
	}
	if o.Payer != nil {
		outcome.Details.PayerID = o.Payer.PayerID
	}
	if c := o.capture(); c != nil {
		outcome.ProviderReference = c.ID
		outcome.Details.CaptureID = c.ID
		outcome.ResultDesc = c.Status
		// A capture can complete the order while the funds are still held for review
		if c.Status != "" && c.Status != statusCompleted && c.Status != "PENDING" {
			outcome.Succeeded = false
		}
	}
	return outcome, nil
}

// lookupKeys resolves by order id first. donationID is only ever the id PayPal recorded
// on the order.
func lookupKeys(orderID, donationID string) []donation.LookupKey {
	keys := []donation.LookupKey{donation.ByCorrelationID(orderID), donation.ByCheckoutRequestID(orderID)}
	if donationID != "" {
		keys = append(keys, donation.ByDonationID(donationID))
	}
	return keys
}

// QueryStatus fetches the order, capturing it when the donor approved it but never
// came back to the return URL. A donation whose create call timed out has no order id
// yet; repeating the create with the same request id recovers it.
func (p *Provider) QueryStatus(ctx context.Context, d *donation.Donation, pt *donation.ProviderTransaction) (*donation.PaymentOutcome, error) {
	orderID := ""
	if pt != nil {
		orderID = pt.CheckoutRequestID
	}
	if orderID == "" && !donation.IsPlaceholder(d.CorrelationID) {
		orderID = d.CorrelationID
	}
	if orderID == "" {
		recovered, _, err := p.createOrder(ctx, d)
		if err != nil {
			return nil, err
		}
		if recovered.ID == "" {
			return nil, providers.ErrStatusPending
		}
		p.logger.Info("Recovered PayPal order for timed out initiation", "donation_id", d.ID, "order_id", recovered.ID)
		orderID = recovered.ID
	}

	donationID := ""
	if d.ID != uuid.Nil {
		donationID = d.ID.String()
	}
	return p.fetchOrder(ctx, orderID, donationID)
}

// fetchOrder reads the order and maps its state to an outcome
func (p *Provider) fetchOrder(ctx context.Context, orderID, donationID string) (*donation.PaymentOutcome, error) {
	resp, err := providers.DoJSON(ctx, p.client, http.MethodGet, p.orderURL(orderID), nil, nil)
	if err != nil {
		return nil, providers.Unavailable(donation.MethodPayPal, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &donation.PaymentOutcome{
			Method:        donation.MethodPayPal,
			CorrelationID: orderID,
			LookupKeys:    lookupKeys(orderID, ""),
			OccurredAt:    p.now().UTC(),
			ResultCode:    strconv.Itoa(resp.StatusCode),
			ResultDesc:    "order not found",
			Raw:           resp.Body,
		}, nil
	}
	if !resp.OK() {
		return nil, statusError(resp)
	}

	var out order
	if err := resp.Decode(&out); err != nil {
		return nil, providers.Unavailable(donation.MethodPayPal, fmt.Errorf("undecodable order response: %w", err))
	}

	switch out.Status {
	case statusCompleted, statusVoided:
		return p.orderOutcome(&out, donationID, resp.Body, p.now())
	case statusApproved:
		return p.ParseNotification(ctx, &providers.Notification{
			DonationID: donationID,
			Params:     map[string]string{"token": orderID},
			ReceivedAt: p.now(),
		})
	default:
		return nil, providers.ErrStatusPending
	}
}

func (p *Provider) orderURL(orderID string) string {
	return p.baseURL + ordersPath + "/" + url.PathEscape(orderID)
}

// statusError maps a non-2xx PayPal response to a provider error
func statusError(resp *providers.Response) error {
	var apiErr apiError
	_ = resp.Decode(&apiErr)
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return providers.ErrProviderUnavailable{
			Provider: donation.MethodPayPal,
			Err:      fmt.Errorf("status %d: %s %s", resp.StatusCode, apiErr.Name, apiErr.Message),
		}
	}
	code := apiErr.issue()
	if code == "" {
		code = strconv.Itoa(resp.StatusCode)
	}
	return providers.ErrProviderRejected{Provider: donation.MethodPayPal, Code: code, Message: apiErr.Message}
}
