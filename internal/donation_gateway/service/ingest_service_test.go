package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/youthshield-donations/internal/domain/audit"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

type ingestFixture struct {
	provider *MockProvider
	applier  *MockOutcomeApplier
	audit    *MockNotificationRecorder
	parked   *MockPublisher
	metrics  *fakeIngestMetrics
	service  IngestService
}

func newIngestFixture(t *testing.T, method donation.PaymentMethod, maxRetries int) *ingestFixture {
	t.Helper()

	guard, _ := newTestGuard(t, maxRetries)
	f := &ingestFixture{
		provider: &MockProvider{method: method},
		applier:  new(MockOutcomeApplier),
		audit:    new(MockNotificationRecorder),
		parked:   new(MockPublisher),
		metrics:  &fakeIngestMetrics{},
	}
	f.service = NewIngestService(newTestLogger(), f.applier, providers.NewRegistry(f.provider), guard,
		f.audit, f.parked, f.metrics, IngestConfig{Timeout: time.Second})
	return f
}

func stripeSucceeded(eventID string) *donation.PaymentOutcome {
	return &donation.PaymentOutcome{
		Method:            donation.MethodCard,
		CorrelationID:     "pi_1",
		LookupKeys:        []donation.LookupKey{donation.ByDonationID(uuid.NewString()), donation.ByCorrelationID("pi_1")},
		Succeeded:         true,
		ProviderReference: "pi_1",
		EventID:           eventID,
	}
}

func completedDonation() *donation.Donation {
	d := pendingDonation(donation.MethodCard)
	d.Status = donation.StatusCompleted
	d.CorrelationID = "pi_1"
	return d
}

func TestIngestService_Applied(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodCard, 3)
	n := &providers.Notification{Payload: []byte(`{"id":"evt_1"}`), Signature: "t=1,v1=abc", RequestID: "req-1"}
	outcome := stripeSucceeded("evt_1")
	d := completedDonation()

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).Return(&ledger.ApplyResult{Donation: d, Applied: true}, nil)
	f.audit.On("RecordNotification", mock.Anything, mock.MatchedBy(func(rec *audit.Notification) bool {
		return rec.Outcome == shared.IngestApplied &&
			rec.DeliveryKey == "card:evt_1" &&
			rec.CorrelationID == "pi_1" &&
			rec.DonationID != nil && *rec.DonationID == d.ID &&
			string(rec.Payload) == `{"id":"evt_1"}`
	})).Return(nil)

	report, err := f.service.Ingest(ctx, donation.MethodCard, n)
	require.NoError(t, err)
	assert.Equal(t, shared.IngestApplied, report.Result)
	assert.Equal(t, d, report.Donation)
	assert.Equal(t, []string{"card:APPLIED"}, f.metrics.results)
	f.applier.AssertExpectations(t)
	f.audit.AssertExpectations(t)
	f.parked.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestService_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodCard, 3)
	n := &providers.Notification{Payload: []byte(`{"id":"evt_1"}`), Signature: "t=1,v1=abc"}
	outcome := stripeSucceeded("evt_1")

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).
		Return(&ledger.ApplyResult{Donation: completedDonation(), Applied: true}, nil).Once()
	f.audit.On("RecordNotification", mock.Anything, mock.Anything).Return(nil)

	first, err := f.service.Ingest(ctx, donation.MethodCard, n)
	require.NoError(t, err)
	assert.Equal(t, shared.IngestApplied, first.Result)

	second, err := f.service.Ingest(ctx, donation.MethodCard, n)
	require.NoError(t, err)
	assert.Equal(t, shared.IngestDuplicate, second.Result)

	f.applier.AssertNumberOfCalls(t, "ApplyOutcome", 1)
	assert.Equal(t, []string{"card:APPLIED", "card:DUPLICATE"}, f.metrics.results)
}

func TestIngestService_LedgerReportsAlreadyResolved(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodCard, 3)
	n := &providers.Notification{Payload: []byte(`{"id":"evt_2"}`)}
	outcome := stripeSucceeded("evt_2")

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).Return(&ledger.ApplyResult{Donation: completedDonation()}, nil)
	f.audit.On("RecordNotification", mock.Anything, mock.Anything).Return(nil)

	report, err := f.service.Ingest(ctx, donation.MethodCard, n)
	require.NoError(t, err)
	assert.Equal(t, shared.IngestDuplicate, report.Result)
}

func TestIngestService_ParseErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		parseErr  error
		result    shared.IngestResult
		wantErr   error
		retryable bool
	}{
		{
			name:     "invalid signature",
			parseErr: providers.ErrInvalidSignature{Provider: donation.MethodCard, Err: errors.New("no valid signature")},
			result:   shared.IngestRejected,
			wantErr:  providers.ErrInvalidSignature{},
		},
		{
			name:     "malformed",
			parseErr: providers.ErrMalformedNotification{Provider: donation.MethodCard, Reason: "invalid JSON"},
			result:   shared.IngestRejected,
			wantErr:  providers.ErrMalformedNotification{},
		},
		{
			name:      "transport failure",
			parseErr:  providers.Unavailable(donation.MethodCard, errors.New("connection reset")),
			result:    shared.IngestReceived,
			wantErr:   providers.ErrProviderUnavailable{},
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIngestFixture(t, donation.MethodCard, 3)
			n := &providers.Notification{Payload: []byte(`{}`), Signature: "bad"}

			f.provider.On("ParseNotification", ctx, n).Return(nil, tt.parseErr)
			f.audit.On("RecordNotification", mock.Anything, mock.MatchedBy(func(rec *audit.Notification) bool {
				return rec.Outcome == tt.result && rec.Error != ""
			})).Return(nil)

			report, err := f.service.Ingest(ctx, donation.MethodCard, n)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.retryable, errors.Is(err, ErrRetryLater))
			assert.Equal(t, tt.result, report.Result)
			f.applier.AssertNotCalled(t, "ApplyOutcome", mock.Anything, mock.Anything)
			f.audit.AssertExpectations(t)
		})
	}
}

func TestIngestService_IgnoredEvent(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodCard, 3)
	n := &providers.Notification{Payload: []byte(`{"type":"customer.created"}`)}

	f.provider.On("ParseNotification", ctx, n).Return(nil, nil)
	f.audit.On("RecordNotification", mock.Anything, mock.Anything).Return(nil)

	report, err := f.service.Ingest(ctx, donation.MethodCard, n)
	require.NoError(t, err)
	assert.Equal(t, shared.IngestIgnored, report.Result)
	assert.Nil(t, report.Outcome)
}

func TestIngestService_Unmatched(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodMpesa, 3)
	n := &providers.Notification{Payload: []byte(`{"Body":{}}`)}
	outcome := &donation.PaymentOutcome{Method: donation.MethodMpesa, CorrelationID: "ws_CO_unknown", Succeeded: true}
	notFound := donation.ErrCorrelationNotFound{Keys: outcome.Keys()}

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).Return(nil, notFound)
	f.audit.On("RecordNotification", mock.Anything, mock.Anything).Return(nil)

	report, err := f.service.Ingest(ctx, donation.MethodMpesa, n)
	assert.ErrorIs(t, err, donation.ErrCorrelationNotFound{})
	assert.False(t, errors.Is(err, ErrRetryLater))
	assert.Equal(t, shared.IngestUnmatched, report.Result)
	f.parked.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestService_TimeoutParksOutcome(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodMpesa, 3)
	n := &providers.Notification{Payload: []byte(`{"Body":{}}`), RequestID: "req-9"}
	outcome := &donation.PaymentOutcome{Method: donation.MethodMpesa, CorrelationID: "ws_CO_1", Succeeded: true, ProviderReference: "PKJ123"}

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).Return(nil, context.DeadlineExceeded)
	f.parked.On("Publish", mock.Anything, "mpesa:ws_CO_1:succeeded", mock.MatchedBy(func(msg *shared.ParkedOutcome) bool {
		return msg.Outcome.CorrelationID == "ws_CO_1" && msg.CorrelationID == "req-9" && msg.Attempts == 0
	})).Return(nil)
	f.audit.On("RecordNotification", mock.Anything, mock.MatchedBy(func(rec *audit.Notification) bool {
		return rec.Outcome == shared.IngestParked
	})).Return(nil)

	report, err := f.service.Ingest(ctx, donation.MethodMpesa, n)
	assert.ErrorIs(t, err, ErrRetryLater)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, shared.IngestParked, report.Result)
	f.parked.AssertExpectations(t)
	f.audit.AssertExpectations(t)
}

func TestIngestService_ParkFailureStillRetryable(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodMpesa, 3)
	n := &providers.Notification{Payload: []byte(`{"Body":{}}`)}
	outcome := &donation.PaymentOutcome{Method: donation.MethodMpesa, CorrelationID: "ws_CO_1", Succeeded: true}

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).Return(nil, donation.ErrStorageContention{Err: errors.New("lock timeout")})
	f.parked.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("kafka down"))
	f.audit.On("RecordNotification", mock.Anything, mock.Anything).Return(nil)

	report, err := f.service.Ingest(ctx, donation.MethodMpesa, n)
	assert.ErrorIs(t, err, ErrRetryLater)
	assert.Equal(t, shared.IngestReceived, report.Result)
}

func TestIngestService_MaxRetriesParksAndAcknowledges(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodMpesa, 2)
	n := &providers.Notification{Payload: []byte(`{"Body":{}}`)}
	outcome := &donation.PaymentOutcome{Method: donation.MethodMpesa, CorrelationID: "ws_CO_1", Succeeded: true}

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).Return(nil, context.DeadlineExceeded)
	f.parked.On("Publish", mock.Anything, "mpesa:ws_CO_1:succeeded", mock.Anything).Return(nil)
	f.audit.On("RecordNotification", mock.Anything, mock.Anything).Return(nil)

	for i := 0; i < 2; i++ {
		_, err := f.service.Ingest(ctx, donation.MethodMpesa, n)
		require.ErrorIs(t, err, ErrRetryLater)
	}

	report, err := f.service.Ingest(ctx, donation.MethodMpesa, n)
	require.NoError(t, err)
	assert.Equal(t, shared.IngestParked, report.Result)
	f.applier.AssertNumberOfCalls(t, "ApplyOutcome", 2)
	f.parked.AssertNumberOfCalls(t, "Publish", 3)
}

func TestIngestService_AuditFailureDoesNotFailIngest(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, donation.MethodCard, 3)
	n := &providers.Notification{Payload: []byte(`{"id":"evt_3"}`)}
	outcome := stripeSucceeded("evt_3")

	f.provider.On("ParseNotification", ctx, n).Return(outcome, nil)
	f.applier.On("ApplyOutcome", mock.Anything, outcome).Return(&ledger.ApplyResult{Donation: completedDonation(), Applied: true}, nil)
	f.audit.On("RecordNotification", mock.Anything, mock.Anything).Return(errors.New("mongo unavailable"))

	report, err := f.service.Ingest(ctx, donation.MethodCard, n)
	require.NoError(t, err)
	assert.Equal(t, shared.IngestApplied, report.Result)
}

func TestIngestService_RedirectPayload(t *testing.T) {
	n := &providers.Notification{DonationID: "d-1", Params: map[string]string{"token": "ORDER-1"}}
	assert.JSONEq(t, `{"donation_id":"d-1","params":{"token":"ORDER-1"}}`, string(notificationPayload(n)))

	raw := &providers.Notification{Payload: []byte(`{"a":1}`)}
	assert.Equal(t, `{"a":1}`, string(notificationPayload(raw)))
}
