package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/youthshield-donations/internal/domain/donation"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Method() donation.PaymentMethod {
	return m.Called().Get(0).(donation.PaymentMethod)
}

func (m *MockProvider) Initiate(ctx context.Context, d *donation.Donation) (*InitiationResult, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*InitiationResult), args.Error(1)
}

func (m *MockProvider) ParseNotification(ctx context.Context, n *Notification) (*donation.PaymentOutcome, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*donation.PaymentOutcome), args.Error(1)
}

func (m *MockProvider) QueryStatus(ctx context.Context, d *donation.Donation, pt *donation.ProviderTransaction) (*donation.PaymentOutcome, error) {
	args := m.Called(ctx, d, pt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*donation.PaymentOutcome), args.Error(1)
}

type recordedCall struct {
	provider  string
	operation string
	err       error
}

type fakeRecorder struct {
	calls []recordedCall
}

func (r *fakeRecorder) ProviderCall(provider, operation string, _ time.Time, err error) {
	r.calls = append(r.calls, recordedCall{provider, operation, err})
}

func TestRegistry(t *testing.T) {
	mpesa := new(MockProvider)
	mpesa.On("Method").Return(donation.MethodMpesa)
	card := new(MockProvider)
	card.On("Method").Return(donation.MethodCard)

	registry := NewRegistry(mpesa, card)

	got, err := registry.Get(donation.MethodMpesa)
	require.NoError(t, err)
	assert.Same(t, mpesa, got)

	_, err = registry.Get(donation.MethodPayPal)
	assert.Error(t, err)
	assert.ElementsMatch(t, []donation.PaymentMethod{donation.MethodMpesa, donation.MethodCard}, registry.Methods())
}

func TestWithMetrics(t *testing.T) {
	ctx := context.Background()
	d := &donation.Donation{}
	inner := new(MockProvider)
	inner.On("Method").Return(donation.MethodPayPal)
	rejected := ErrProviderRejected{Provider: donation.MethodPayPal, Code: "X"}
	inner.On("Initiate", ctx, d).Return(nil, rejected)
	inner.On("QueryStatus", ctx, d, (*donation.ProviderTransaction)(nil)).Return(nil, ErrStatusPending)
	inner.On("ParseNotification", ctx, &Notification{}).Return(&donation.PaymentOutcome{Succeeded: true}, nil)

	recorder := &fakeRecorder{}
	p := WithMetrics(inner, recorder)

	_, err := p.Initiate(ctx, d)
	assert.Equal(t, rejected, err)
	_, err = p.QueryStatus(ctx, d, nil)
	assert.ErrorIs(t, err, ErrStatusPending)
	outcome, err := p.ParseNotification(ctx, &Notification{})
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)

	assert.Equal(t, []recordedCall{
		{"paypal", "initiate", rejected},
		{"paypal", "query_status", nil},
		{"paypal", "parse_notification", nil},
	}, recorder.calls)

	assert.Same(t, inner, WithMetrics(inner, nil))
}

func TestErrors(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Unavailable(donation.MethodMpesa, fmt.Errorf("post: %w", cause))

	var unavailable ErrProviderUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, unavailable.Timeout)
	assert.True(t, errors.Is(err, ErrProviderUnavailable{}))
	assert.True(t, errors.Is(err, ErrProviderUnavailable{Provider: donation.MethodMpesa}))
	assert.False(t, errors.Is(err, ErrProviderUnavailable{Provider: donation.MethodCard}))
	assert.ErrorIs(t, err, cause)

	assert.False(t, IsTimeout(errors.New("connection refused")))
	assert.True(t, errors.Is(ErrProviderRejected{Provider: donation.MethodCard}, ErrProviderRejected{}))
	assert.False(t, errors.Is(ErrProviderRejected{}, ErrProviderUnavailable{}))
	assert.True(t, errors.Is(ErrInvalidSignature{Provider: donation.MethodCard}, ErrInvalidSignature{}))
	assert.True(t, errors.Is(ErrMalformedNotification{Provider: donation.MethodMpesa}, ErrMalformedNotification{}))
}

func TestMinorUnits(t *testing.T) {
	testCases := []struct {
		amount   string
		currency string
		minor    int64
		major    string
	}{
		{"100.50", "USD", 10050, "100.50"},
		{"0.01", "EUR", 1, "0.01"},
		{"25", "GBP", 2500, "25.00"},
		{"1500", "JPY", 1500, "1500"},
		{"19.99", "KES", 1999, "19.99"},
	}

	for _, tc := range testCases {
		t.Run(tc.amount+tc.currency, func(t *testing.T) {
			amount := decimal.RequireFromString(tc.amount)
			assert.Equal(t, tc.minor, MinorUnits(amount, tc.currency))
			assert.Equal(t, tc.major, MajorUnits(amount, tc.currency))
		})
	}
}

func TestDoJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-Id"))
		assert.JSONEq(t, `{"a":1}`, string(body))
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	resp, err := DoJSON(context.Background(), server.Client(), http.MethodPost, server.URL, map[string]int{"a": 1},
		map[string]string{"X-Request-Id": "req-1"})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.True(t, out.OK)

	server.Close()
	_, err = DoJSON(context.Background(), server.Client(), http.MethodGet, server.URL, nil, nil)
	assert.Error(t, err)
}

func TestNotification_Param(t *testing.T) {
	n := &Notification{Params: map[string]string{"order_id": "O-1", "token": ""}}
	assert.Equal(t, "O-1", n.Param("token", "order_id"))
	assert.Empty(t, n.Param("missing"))
}
