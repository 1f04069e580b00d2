package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]*donation.Donation, error) {
	args := m.Called(ctx, staleBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*donation.Donation), args.Error(1)
}

func (m *MockLedger) GetTransaction(ctx context.Context, donationID uuid.UUID) (*donation.ProviderTransaction, error) {
	args := m.Called(ctx, donationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*donation.ProviderTransaction), args.Error(1)
}

func (m *MockLedger) ApplyOutcome(ctx context.Context, outcome *donation.PaymentOutcome) (*ledger.ApplyResult, error) {
	args := m.Called(ctx, outcome)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.ApplyResult), args.Error(1)
}

func (m *MockLedger) Expire(ctx context.Context, donationID uuid.UUID) (*donation.Donation, bool, error) {
	args := m.Called(ctx, donationID)
	var d *donation.Donation
	if args.Get(0) != nil {
		d = args.Get(0).(*donation.Donation)
	}
	return d, args.Bool(1), args.Error(2)
}

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

type recordedMetrics struct {
	mu      sync.Mutex
	results []string
}

func (r *recordedMetrics) Reconciled(method, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, method+":"+result)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, l Ledger, p ...providers.PaymentProvider) (*Reconciler, *recordedMetrics) {
	t.Helper()
	metrics := &recordedMetrics{}
	cfg := &config.ReconcilerConfig{
		Interval:    time.Minute,
		StaleAfter:  10 * time.Minute,
		ExpireAfter: 24 * time.Hour,
		BatchSize:   50,
	}
	r, err := NewReconciler(cfg, 4, l, providers.NewRegistry(p...), metrics, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	r.now = func() time.Time { return fixedNow }
	return r, metrics
}

func pending(method donation.PaymentMethod, age time.Duration) *donation.Donation {
	return &donation.Donation{
		ID:            uuid.New(),
		Amount:        decimal.NewFromInt(100),
		Currency:      "KES",
		PaymentMethod: method,
		Status:        donation.StatusPending,
		CorrelationID: "ws_CO_" + uuid.NewString()[:8],
		CreatedAt:     fixedNow.Add(-age),
	}
}

func TestReconciler_Sweep(t *testing.T) {
	ctx := context.Background()
	staleBefore := fixedNow.Add(-10 * time.Minute)

	t.Run("applies the queried outcome", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodMpesa}
		d := pending(donation.MethodMpesa, time.Hour)
		pt := donation.NewProviderTransaction(d, d.CorrelationID, "29115-1", json.RawMessage(`{}`), d.CreatedAt)
		outcome := &donation.PaymentOutcome{Method: donation.MethodMpesa, CorrelationID: d.CorrelationID, Succeeded: true, ProviderReference: "PKJ123"}
		completed := *d
		completed.Status = donation.StatusCompleted

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(pt, nil)
		p.On("QueryStatus", ctx, d, pt).Return(outcome, nil)
		l.On("ApplyOutcome", ctx, outcome).Return(&ledger.ApplyResult{Donation: &completed, Applied: true}, nil)

		r, metrics := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultApplied: 1}, results)
		assert.Equal(t, []string{"mpesa:applied"}, metrics.results)
		l.AssertExpectations(t)
	})

	t.Run("applies an outcome recovered for a timed out initiation", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodCard}
		d := pending(donation.MethodCard, time.Hour)
		d.CorrelationID = donation.NewPlaceholderCorrelationID(d.CreatedAt)
		outcome := &donation.PaymentOutcome{
			Method:            donation.MethodCard,
			CorrelationID:     "pi_recovered",
			LookupKeys:        []donation.LookupKey{donation.ByCorrelationID("pi_recovered"), donation.ByDonationID(d.ID.String())},
			Succeeded:         true,
			ProviderReference: "pi_recovered",
		}
		completed := *d
		completed.Status = donation.StatusCompleted

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(nil, donation.ErrTransactionNotFound{DonationID: d.ID})
		p.On("QueryStatus", ctx, d, (*donation.ProviderTransaction)(nil)).Return(outcome, nil)
		l.On("ApplyOutcome", ctx, outcome).Return(&ledger.ApplyResult{Donation: &completed, Applied: true}, nil)

		r, metrics := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultApplied: 1}, results)
		assert.Equal(t, []string{"card:applied"}, metrics.results)
		l.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything)
	})

	t.Run("still pending within the window", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodCard}
		d := pending(donation.MethodCard, time.Hour)

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(nil, donation.ErrTransactionNotFound{DonationID: d.ID})
		p.On("QueryStatus", ctx, d, (*donation.ProviderTransaction)(nil)).Return(nil, providers.ErrStatusPending)

		r, _ := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultPending: 1}, results)
		l.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything)
	})

	t.Run("expires an overdue donation", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodPayPal}
		d := pending(donation.MethodPayPal, 25*time.Hour)
		failed := *d
		failed.Status = donation.StatusFailed

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(nil, donation.ErrTransactionNotFound{DonationID: d.ID})
		p.On("QueryStatus", ctx, d, (*donation.ProviderTransaction)(nil)).Return(nil, providers.ErrStatusPending)
		l.On("Expire", ctx, d.ID).Return(&failed, true, nil)

		r, metrics := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultExpired: 1}, results)
		assert.Equal(t, []string{"paypal:expired"}, metrics.results)
	})

	t.Run("timed out push with nothing to query waits for the window", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodMpesa}
		d := pending(donation.MethodMpesa, time.Hour)
		d.CorrelationID = donation.NewPlaceholderCorrelationID(d.CreatedAt)

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(nil, donation.ErrTransactionNotFound{DonationID: d.ID})
		p.On("QueryStatus", ctx, d, (*donation.ProviderTransaction)(nil)).Return(nil, providers.ErrNothingToQuery)

		r, _ := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultPending: 1}, results)
		l.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything)
	})

	t.Run("timed out push with nothing to query expires when overdue", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodMpesa}
		d := pending(donation.MethodMpesa, 25*time.Hour)
		d.CorrelationID = donation.NewPlaceholderCorrelationID(d.CreatedAt)
		failed := *d
		failed.Status = donation.StatusFailed

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(nil, donation.ErrTransactionNotFound{DonationID: d.ID})
		p.On("QueryStatus", ctx, d, (*donation.ProviderTransaction)(nil)).Return(nil, providers.ErrNothingToQuery)
		l.On("Expire", ctx, d.ID).Return(&failed, true, nil)

		r, metrics := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultExpired: 1}, results)
		assert.Equal(t, []string{"mpesa:expired"}, metrics.results)
	})

	t.Run("unavailable provider never expires", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodMpesa}
		d := pending(donation.MethodMpesa, 48*time.Hour)

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(nil, donation.ErrTransactionNotFound{DonationID: d.ID})
		p.On("QueryStatus", ctx, d, mock.Anything).Return(nil, providers.Unavailable(donation.MethodMpesa, context.DeadlineExceeded))

		r, _ := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultError: 1}, results)
		l.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything)
	})

	t.Run("transaction lookup failure skips the query", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodMpesa}
		d := pending(donation.MethodMpesa, time.Hour)

		l.On("ListReconcilable", ctx, staleBefore, 50).Return([]*donation.Donation{d}, nil)
		l.On("GetTransaction", ctx, d.ID).Return(nil, errors.New("db down"))

		r, _ := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultError: 1}, results)
		p.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("fans out over the batch", func(t *testing.T) {
		l := &MockLedger{}
		p := &MockProvider{method: donation.MethodCard}
		batch := make([]*donation.Donation, 12)
		for i := range batch {
			batch[i] = pending(donation.MethodCard, time.Hour)
		}

		l.On("ListReconcilable", ctx, staleBefore, 50).Return(batch, nil)
		l.On("GetTransaction", ctx, mock.Anything).Return(nil, donation.ErrTransactionNotFound{})
		p.On("QueryStatus", ctx, mock.Anything, mock.Anything).Return(nil, providers.ErrStatusPending)

		r, metrics := newTestReconciler(t, l, p)
		results, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ResultPending: 12}, results)
		assert.Len(t, metrics.results, 12)
		p.AssertNumberOfCalls(t, "QueryStatus", 12)
	})

	t.Run("list failure", func(t *testing.T) {
		l := &MockLedger{}
		l.On("ListReconcilable", ctx, staleBefore, 50).Return(nil, errors.New("db down"))

		r, _ := newTestReconciler(t, l)
		_, err := r.Sweep(ctx)
		assert.ErrorContains(t, err, "failed to list reconcilable donations")
	})
}

func TestReconciler_Start(t *testing.T) {
	l := &MockLedger{}
	l.On("ListReconcilable", mock.Anything, mock.Anything, 50).Return([]*donation.Donation{}, nil)

	r, _ := newTestReconciler(t, l)
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after context cancellation")
	}
	l.AssertCalled(t, "ListReconcilable", mock.Anything, mock.Anything, 50)
}
