package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/youthshield-donations/internal/data/redis"
	"github.com/youthshield-donations/internal/domain/audit"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Create(ctx context.Context, req donation.Request) (*donation.Donation, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*donation.Donation), args.Error(1)
}

func (m *MockLedger) AttachProviderCorrelation(ctx context.Context, donationID uuid.UUID, correlationID, merchantRequestID string, raw json.RawMessage) (*donation.Donation, error) {
	args := m.Called(ctx, donationID, correlationID, merchantRequestID, raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*donation.Donation), args.Error(1)
}

func (m *MockLedger) MarkInitiationFailed(ctx context.Context, donationID uuid.UUID, reason shared.FailureReason, detail string) (*donation.Donation, bool, error) {
	args := m.Called(ctx, donationID, reason, detail)
	return m.donation(args), args.Bool(1), args.Error(2)
}

func (m *MockLedger) FlagForReconciliation(ctx context.Context, donationID uuid.UUID, after time.Time, detail string) (*donation.Donation, bool, error) {
	args := m.Called(ctx, donationID, after, detail)
	return m.donation(args), args.Bool(1), args.Error(2)
}

func (m *MockLedger) Cancel(ctx context.Context, donationID uuid.UUID) (*donation.Donation, bool, error) {
	args := m.Called(ctx, donationID)
	return m.donation(args), args.Bool(1), args.Error(2)
}

func (m *MockLedger) Get(ctx context.Context, donationID uuid.UUID) (*donation.Donation, error) {
	args := m.Called(ctx, donationID)
	return m.donation(args), args.Error(1)
}

func (m *MockLedger) GetReceipt(ctx context.Context, donationID uuid.UUID) (*ledger.Receipt, error) {
	args := m.Called(ctx, donationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Receipt), args.Error(1)
}

func (m *MockLedger) donation(args mock.Arguments) *donation.Donation {
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*donation.Donation)
}

// MockProvider mocks a PaymentProvider registered for method
type MockProvider struct {
	mock.Mock
	method donation.PaymentMethod
}

func (m *MockProvider) Method() donation.PaymentMethod {
	return m.method
}

func (m *MockProvider) Initiate(ctx context.Context, d *donation.Donation) (*providers.InitiationResult, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.InitiationResult), args.Error(1)
}

func (m *MockProvider) ParseNotification(ctx context.Context, n *providers.Notification) (*donation.PaymentOutcome, error) {
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

type MockOutcomeApplier struct {
	mock.Mock
}

func (m *MockOutcomeApplier) ApplyOutcome(ctx context.Context, outcome *donation.PaymentOutcome) (*ledger.ApplyResult, error) {
	args := m.Called(ctx, outcome)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.ApplyResult), args.Error(1)
}

type MockNotificationRecorder struct {
	mock.Mock
}

func (m *MockNotificationRecorder) RecordNotification(ctx context.Context, n *audit.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

type fakeIngestMetrics struct {
	results []string
}

func (f *fakeIngestMetrics) Notification(provider, result string, _ time.Time) {
	f.results = append(f.results, provider+":"+result)
}

func newTestGuard(t *testing.T, maxRetries int) (*redis.DeliveryGuard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	guard := redis.NewDeliveryGuard(newTestLogger(), client, redis.GuardConfig{
		KeyPrefix:    "test:",
		LockTTL:      30 * time.Second,
		ProcessedTTL: time.Hour,
		MaxRetries:   maxRetries,
	})
	return guard, mr
}
