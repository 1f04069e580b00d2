package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/shared"
	"github.com/youthshield-donations/internal/ledger"
)

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

// MockDeadLetterPublisher for testing
type MockDeadLetterPublisher struct {
	mock.Mock
}

func (m *MockDeadLetterPublisher) PublishToDLQ(ctx context.Context, key string, value []byte, reason string) error {
	args := m.Called(ctx, key, value, reason)
	return args.Error(0)
}

func (m *MockDeadLetterPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

type recordedMetrics struct {
	results []string
}

func (r *recordedMetrics) ParkedOutcome(result string) {
	r.results = append(r.results, result)
}

type handlerFixture struct {
	applier *MockOutcomeApplier
	requeue *MockPublisher
	dlq     *MockDeadLetterPublisher
	metrics *recordedMetrics
	waits   []time.Duration
	handler *ParkedOutcomeHandler
}

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		applier: &MockOutcomeApplier{},
		requeue: &MockPublisher{},
		dlq:     &MockDeadLetterPublisher{},
		metrics: &recordedMetrics{},
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	cfg := &config.IngestConfig{ParkMaxAttempts: 3, ParkBackoff: 10 * time.Second}
	f.handler = NewParkedOutcomeHandler(logger, cfg, f.applier, f.requeue, f.dlq, f.metrics)
	f.handler.now = func() time.Time { return fixedNow }
	f.handler.wait = func(_ context.Context, d time.Duration) error {
		f.waits = append(f.waits, d)
		return nil
	}
	return f
}

func parkedMessage(t *testing.T, attempts int, nextAttemptAt time.Time) []byte {
	t.Helper()
	msg := shared.ParkedOutcome{
		Outcome: donation.PaymentOutcome{
			Method:            donation.MethodMpesa,
			CorrelationID:     "ws_CO_1",
			Succeeded:         true,
			ProviderReference: "PKJ123",
		},
		Attempts:      attempts,
		Reason:        "context deadline exceeded",
		CorrelationID: "req-1",
		FirstSeenAt:   fixedNow.Add(-time.Minute),
		NextAttemptAt: nextAttemptAt,
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func matchesOutcome(correlationID string) interface{} {
	return mock.MatchedBy(func(o *donation.PaymentOutcome) bool { return o.CorrelationID == correlationID })
}

func TestParkedOutcomeHandler_HandleMessage(t *testing.T) {
	ctx := context.Background()
	key := []byte("mpesa:ws_CO_1:succeeded")
	completed := &donation.Donation{ID: uuid.New(), Status: donation.StatusCompleted}

	t.Run("applies a due outcome", func(t *testing.T) {
		f := newHandlerFixture()
		f.applier.On("ApplyOutcome", ctx, matchesOutcome("ws_CO_1")).
			Return(&ledger.ApplyResult{Donation: completed, Applied: true}, nil).Once()

		require.NoError(t, f.handler.HandleMessage(ctx, key, parkedMessage(t, 0, fixedNow)))
		assert.Empty(t, f.waits)
		assert.Equal(t, []string{"applied"}, f.metrics.results)
		f.requeue.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("waits until the outcome is due", func(t *testing.T) {
		f := newHandlerFixture()
		f.applier.On("ApplyOutcome", ctx, mock.Anything).Return(&ledger.ApplyResult{Donation: completed}, nil).Once()

		require.NoError(t, f.handler.HandleMessage(ctx, key, parkedMessage(t, 1, fixedNow.Add(20*time.Second))))
		assert.Equal(t, []time.Duration{20 * time.Second}, f.waits)
		assert.Equal(t, []string{"duplicate"}, f.metrics.results)
	})

	t.Run("wait is capped", func(t *testing.T) {
		f := newHandlerFixture()
		f.applier.On("ApplyOutcome", ctx, mock.Anything).Return(&ledger.ApplyResult{Donation: completed, Applied: true}, nil).Once()

		require.NoError(t, f.handler.HandleMessage(ctx, key, parkedMessage(t, 1, fixedNow.Add(time.Hour))))
		assert.Equal(t, []time.Duration{maxParkDelay}, f.waits)
	})

	t.Run("cancelled wait leaves the message uncommitted", func(t *testing.T) {
		f := newHandlerFixture()
		f.handler.wait = sleepContext
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := f.handler.HandleMessage(cancelled, key, parkedMessage(t, 1, fixedNow.Add(time.Minute)))
		assert.ErrorIs(t, err, context.Canceled)
		f.applier.AssertNotCalled(t, "ApplyOutcome", mock.Anything, mock.Anything)
	})

	t.Run("failed attempt is requeued with backoff", func(t *testing.T) {
		f := newHandlerFixture()
		f.applier.On("ApplyOutcome", ctx, mock.Anything).Return(nil, donation.ErrStorageContention{Err: errors.New("lock timeout")}).Once()
		f.requeue.On("Publish", ctx, string(key), mock.MatchedBy(func(next *shared.ParkedOutcome) bool {
			return next.Attempts == 1 && next.NextAttemptAt.Equal(fixedNow.Add(10*time.Second)) && next.CorrelationID == "req-1"
		})).Return(nil).Once()

		require.NoError(t, f.handler.HandleMessage(ctx, key, parkedMessage(t, 0, fixedNow)))
		assert.Equal(t, []string{"requeued"}, f.metrics.results)
		f.requeue.AssertExpectations(t)
	})

	t.Run("requeue failure is returned", func(t *testing.T) {
		f := newHandlerFixture()
		f.applier.On("ApplyOutcome", ctx, mock.Anything).Return(nil, context.DeadlineExceeded).Once()
		f.requeue.On("Publish", ctx, string(key), mock.Anything).Return(errors.New("broker down")).Once()

		err := f.handler.HandleMessage(ctx, key, parkedMessage(t, 0, fixedNow))
		assert.ErrorContains(t, err, "broker down")
		assert.Empty(t, f.metrics.results)
	})

	t.Run("exhausted attempts go to the DLQ", func(t *testing.T) {
		f := newHandlerFixture()
		value := parkedMessage(t, 2, fixedNow)
		f.applier.On("ApplyOutcome", ctx, mock.Anything).
			Return(nil, donation.ErrCorrelationNotFound{Keys: []donation.LookupKey{donation.ByCorrelationID("ws_CO_1")}}).Once()
		f.dlq.On("PublishToDLQ", ctx, string(key), value, mock.MatchedBy(func(reason string) bool {
			return len(reason) > 10 && reason[:10] == "unmatched:"
		})).Return(nil).Once()

		require.NoError(t, f.handler.HandleMessage(ctx, key, value))
		assert.Equal(t, []string{"dead_letter"}, f.metrics.results)
		f.dlq.AssertExpectations(t)
		f.requeue.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unreadable message goes to the DLQ", func(t *testing.T) {
		f := newHandlerFixture()
		value := []byte(`{"outcome":`)
		f.dlq.On("PublishToDLQ", ctx, string(key), value, mock.Anything).Return(nil).Once()

		require.NoError(t, f.handler.HandleMessage(ctx, key, value))
		f.applier.AssertNotCalled(t, "ApplyOutcome", mock.Anything, mock.Anything)
	})

	t.Run("DLQ failure is returned", func(t *testing.T) {
		f := newHandlerFixture()
		value := []byte(`not json`)
		f.dlq.On("PublishToDLQ", ctx, string(key), value, mock.Anything).Return(errors.New("dlq down")).Once()

		assert.ErrorContains(t, f.handler.HandleMessage(ctx, key, value), "dlq down")
	})
}
