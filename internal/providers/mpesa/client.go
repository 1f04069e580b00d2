// Package mpesa implements the Safaricom Daraja STK push provider.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/providers"
	"golang.org/x/oauth2"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"
	description     = "Donation"
	timestampLayout = "20060102150405"

	// Daraja answers a status query for an unfinished push with this error message
	processingMessage = "The transaction is being processed"
)

// eat is Safaricom's local time zone, in which STK timestamps are expressed
var eat = time.FixedZone("EAT", 3*60*60)

// Provider is the M-Pesa payment provider
type Provider struct {
	logger      *slog.Logger
	client      *http.Client
	baseURL     string
	shortCode   string
	passKey     string
	callbackURL string
	now         func() time.Time
}

// NewProvider creates an M-Pesa provider whose API calls carry a cached bearer token
func NewProvider(logger *slog.Logger, cfg *config.MpesaConfig, donations *config.DonationsConfig) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	plain := &http.Client{Timeout: donations.ProviderTimeout}

	source := oauth2.ReuseTokenSource(nil, &tokenSource{
		ctx:            context.Background(),
		client:         plain,
		url:            baseURL + tokenPath,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
	})

	callbackURL := cfg.CallbackURL
	if callbackURL == "" {
		callbackURL = strings.TrimRight(donations.PublicBaseURL, "/") + "/donations/mpesa-callback/"
	}

	return &Provider{
		logger: logger.With("provider", donation.MethodMpesa),
		client: &http.Client{
			Timeout:   donations.ProviderTimeout,
			Transport: &oauth2.Transport{Source: source, Base: http.DefaultTransport},
		},
		baseURL:     baseURL,
		shortCode:   cfg.ShortCode,
		passKey:     cfg.PassKey,
		callbackURL: callbackURL,
		now:         time.Now,
	}
}

// Method implements providers.PaymentProvider
func (p *Provider) Method() donation.PaymentMethod {
	return donation.MethodMpesa
}

// password returns the STK password and the timestamp it was derived from
func (p *Provider) password() (string, string) {
	timestamp := p.now().In(eat).Format(timestampLayout)
	raw := p.shortCode + p.passKey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Initiate sends an STK push prompt to the donor's phone
func (p *Provider) Initiate(ctx context.Context, d *donation.Donation) (*providers.InitiationResult, error) {
	password, timestamp := p.password()
	req := stkPushRequest{
		BusinessShortCode: p.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            strconv.FormatInt(d.Amount.IntPart(), 10),
		PartyA:            d.DonorPhone,
		PartyB:            p.shortCode,
		PhoneNumber:       d.DonorPhone,
		CallBackURL:       p.callbackURL,
		AccountReference:  fmt.Sprintf("DON-%d", d.ReceiptNumber),
		TransactionDesc:   description,
	}

	resp, err := providers.DoJSON(ctx, p.client, http.MethodPost, p.baseURL+stkPath, req, nil)
	if err != nil {
		return nil, providers.Unavailable(donation.MethodMpesa, err)
	}
	if !resp.OK() {
		return nil, p.statusError(resp)
	}

	var out stkPushResponse
	if err := resp.Decode(&out); err != nil {
		return nil, providers.Unavailable(donation.MethodMpesa, fmt.Errorf("undecodable STK push response: %w", err))
	}
	if out.ResponseCode != "0" {
		return nil, providers.ErrProviderRejected{
			Provider: donation.MethodMpesa,
			Code:     out.ResponseCode,
			Message:  out.ResponseDescription,
		}
	}
	if out.CheckoutRequestID == "" {
		return nil, providers.ErrProviderRejected{
			Provider: donation.MethodMpesa,
			Code:     out.ResponseCode,
			Message:  "STK push accepted without a checkout request id",
		}
	}

	p.logger.Info("STK push sent",
		"donation_id", d.ID,
		"checkout_request_id", out.CheckoutRequestID,
		"merchant_request_id", out.MerchantRequestID)

	return &providers.InitiationResult{
		CorrelationID:     out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		NextAction:        providers.NextAction{Type: providers.NextActionPending},
		Raw:               resp.Body,
	}, nil
}

// statusError maps a non-2xx Daraja response to a provider error
func (p *Provider) statusError(resp *providers.Response) error {
	var er errorResponse
	_ = resp.Decode(&er)
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return providers.ErrProviderUnavailable{
			Provider: donation.MethodMpesa,
			Err:      fmt.Errorf("status %d: %s %s", resp.StatusCode, er.ErrorCode, er.ErrorMessage),
		}
	}
	code := er.ErrorCode
	if code == "" {
		code = strconv.Itoa(resp.StatusCode)
	}
	return providers.ErrProviderRejected{Provider: donation.MethodMpesa, Code: code, Message: er.ErrorMessage}
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        json.Number `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// String renders the item value whether Daraja sent it as a JSON string or number
func (it metadataItem) String() string {
	if len(it.Value) == 0 || string(it.Value) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(it.Value, &s); err == nil {
		return s
	}
	return string(it.Value)
}

// item returns the metadata value called name, matching by name rather than position
func (c *stkCallback) item(name string) string {
	if c.CallbackMetadata == nil {
		return ""
	}
	for _, it := range c.CallbackMetadata.Item {
		if it.Name == name {
			return it.String()
		}
	}
	return ""
}

// ParseNotification normalizes an STK callback. Daraja callbacks are not signed.
func (p *Provider) ParseNotification(_ context.Context, n *providers.Notification) (*donation.PaymentOutcome, error) {
	var env callbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(n.Payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, providers.ErrMalformedNotification{Provider: donation.MethodMpesa, Reason: err.Error()}
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return nil, providers.ErrMalformedNotification{Provider: donation.MethodMpesa, Reason: "missing Body.stkCallback.CheckoutRequestID"}
	}

	resultCode, err := cb.ResultCode.Int64()
	if err != nil {
		return nil, providers.ErrMalformedNotification{Provider: donation.MethodMpesa, Reason: "non-numeric ResultCode"}
	}

	occurredAt := n.ReceivedAt
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}

	outcome := &donation.PaymentOutcome{
		Method:        donation.MethodMpesa,
		CorrelationID: cb.CheckoutRequestID,
		LookupKeys:    lookupKeys(cb.CheckoutRequestID, cb.MerchantRequestID),
		Succeeded:     resultCode == 0,
		OccurredAt:    occurredAt.UTC(),
		ResultCode:    cb.ResultCode.String(),
		ResultDesc:    cb.ResultDesc,
		Details:       donation.OutcomeDetails{MerchantRequestID: cb.MerchantRequestID},
		Raw:           json.RawMessage(n.Payload),
	}

	if outcome.Succeeded {
		outcome.ProviderReference = cb.item("MpesaReceiptNumber")
		outcome.SettlesCorrelation = outcome.ProviderReference != ""
		outcome.Details.PhoneNumber = cb.item("PhoneNumber")
		if raw := cb.item("TransactionDate"); raw != "" {
			// Daraja sends local time without a zone; it is stored as UTC as received
			if ts, err := time.ParseInLocation(timestampLayout, raw, time.UTC); err == nil {
				outcome.Details.TransactionDate = &ts
			} else {
				p.logger.Warn("Unparseable TransactionDate in callback", "value", raw, "checkout_request_id", cb.CheckoutRequestID)
			}
		}
	}

	return outcome, nil
}

func lookupKeys(checkoutRequestID, merchantRequestID string) []donation.LookupKey {
	keys := []donation.LookupKey{
		donation.ByCorrelationID(checkoutRequestID),
		donation.ByCheckoutRequestID(checkoutRequestID),
	}
	if merchantRequestID != "" {
		keys = append(keys, donation.ByMerchantRequestID(merchantRequestID))
	}
	return keys
}

type queryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	ResultCode          json.Number `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
}

// QueryStatus asks Daraja for the result of the STK push. The query response carries no
// receipt number, so a success found this way keeps the checkout request id as correlation.
func (p *Provider) QueryStatus(ctx context.Context, d *donation.Donation, pt *donation.ProviderTransaction) (*donation.PaymentOutcome, error) {
	checkoutRequestID := ""
	if pt != nil {
		checkoutRequestID = pt.CheckoutRequestID
	}
	if checkoutRequestID == "" && !donation.IsPlaceholder(d.CorrelationID) {
		checkoutRequestID = d.CorrelationID
	}
	if checkoutRequestID == "" {
		// Daraja can only be queried by CheckoutRequestID, which a timed out push never returned
		return nil, providers.ErrNothingToQuery
	}

	password, timestamp := p.password()
	resp, err := providers.DoJSON(ctx, p.client, http.MethodPost, p.baseURL+queryPath, queryRequest{
		BusinessShortCode: p.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}, nil)
	if err != nil {
		return nil, providers.Unavailable(donation.MethodMpesa, err)
	}
	if !resp.OK() {
		var er errorResponse
		if resp.Decode(&er) == nil && strings.Contains(er.ErrorMessage, processingMessage) {
			return nil, providers.ErrStatusPending
		}
		return nil, p.statusError(resp)
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var out queryResponse
	if err := dec.Decode(&out); err != nil {
		return nil, providers.Unavailable(donation.MethodMpesa, fmt.Errorf("undecodable STK query response: %w", err))
	}
	if out.ResultCode == "" {
		return nil, providers.ErrStatusPending
	}
	resultCode, err := out.ResultCode.Int64()
	if err != nil {
		return nil, fmt.Errorf("non-numeric ResultCode %q in STK query response", out.ResultCode)
	}

	merchantRequestID := out.MerchantRequestID
	if merchantRequestID == "" && pt != nil {
		merchantRequestID = pt.MerchantRequestID
	}
	return &donation.PaymentOutcome{
		Method:        donation.MethodMpesa,
		CorrelationID: checkoutRequestID,
		LookupKeys:    lookupKeys(checkoutRequestID, merchantRequestID),
		Succeeded:     resultCode == 0,
		OccurredAt:    p.now().UTC(),
		ResultCode:    out.ResultCode.String(),
		ResultDesc:    out.ResultDesc,
		Details:       donation.OutcomeDetails{MerchantRequestID: merchantRequestID},
		Raw:           resp.Body,
	}, nil
}
