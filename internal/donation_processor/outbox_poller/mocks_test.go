package outbox_poller

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/mock"
	"github.com/youthshield-donations/internal/domain/audit"
	"github.com/youthshield-donations/internal/domain/outbox"
	"github.com/youthshield-donations/internal/domain/shared"
)

// MockOutboxRepo for testing
type MockOutboxRepo struct {
	mock.Mock
}

func (m *MockOutboxRepo) Create(ctx context.Context, message *outbox.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockOutboxRepo) GetPending(ctx context.Context, limit int) ([]*outbox.Message, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Message), args.Error(1)
}

func (m *MockOutboxRepo) UpdateStatus(ctx context.Context, id int64, status shared.OutboxStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockOutboxRepo) IncrementAttempts(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepo) WithTx(tx pgx.Tx) outbox.Repository {
	args := m.Called(tx)
	return args.Get(0).(outbox.Repository)
}

// MockHistory for testing
type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) CreateEvent(ctx context.Context, event *audit.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockHistory) GetEvent(ctx context.Context, eventID uuid.UUID) (*audit.Event, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*audit.Event), args.Error(1)
}

func (m *MockHistory) ListEvents(ctx context.Context, donationID uuid.UUID, limit, offset int) ([]*audit.Event, error) {
	args := m.Called(ctx, donationID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*audit.Event), args.Error(1)
}

func (m *MockHistory) CountEvents(ctx context.Context, donationID uuid.UUID) (int64, error) {
	args := m.Called(ctx, donationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockHistory) RecordNotification(ctx context.Context, n *audit.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *MockHistory) ListNotifications(ctx context.Context, donationID uuid.UUID, limit int) ([]*audit.Notification, error) {
	args := m.Called(ctx, donationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*audit.Notification), args.Error(1)
}

// MockProducer for testing
type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockProducer) Close() error {
	return m.Called().Error(0)
}

// MockEventPublisher for testing
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishEvent(ctx context.Context, message *outbox.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

type countingMetrics struct {
	results map[string]int
}

func (c *countingMetrics) OutboxMessage(result string) {
	if c.results == nil {
		c.results = map[string]int{}
	}
	c.results[result]++
}
