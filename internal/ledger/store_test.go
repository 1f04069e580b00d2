package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/domain/outbox"
	"github.com/youthshield-donations/internal/domain/shared"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// serialTxRunner runs one transaction at a time, standing in for row locks
type serialTxRunner struct {
	mu sync.Mutex
}

func (r *serialTxRunner) ExecuteTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(nil)
}

// memStore is an in-memory donation store. The receipt counter is a single atomic
// increment; lockErrs injects errors into LockForUpdate in order.
type memStore struct {
	mu           sync.Mutex
	receipts     atomic.Int64
	donations    map[uuid.UUID]donation.Donation
	transactions map[uuid.UUID]donation.ProviderTransaction
	messages     []*outbox.Message
	lockErrs     []error
	createErrs   []error
}

func newMemStore() *memStore {
	return &memStore{
		donations:    make(map[uuid.UUID]donation.Donation),
		transactions: make(map[uuid.UUID]donation.ProviderTransaction),
	}
}

func (s *memStore) ledger(opts ...Option) *Ledger {
	opts = append([]Option{WithRetryPolicy(RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond})}, opts...)
	return NewLedger(&serialTxRunner{}, memDonations{s}, memTransactions{s}, memIndex{s}, memOutbox{s}, newTestLogger(), opts...)
}

func (s *memStore) put(d *donation.Donation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.donations[d.ID] = *d
}

func (s *memStore) get(id uuid.UUID) donation.Donation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.donations[id]
}

func (s *memStore) transaction(id uuid.UUID) (donation.ProviderTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.transactions[id]
	return pt, ok
}

func (s *memStore) eventTypes(id uuid.UUID) []shared.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []shared.EventType
	for _, m := range s.messages {
		if m.DonationID == id {
			types = append(types, m.EventType)
		}
	}
	return types
}

type memDonations struct{ s *memStore }

func (r memDonations) WithTx(pgx.Tx) donation.Repository { return r }

func (r memDonations) Create(_ context.Context, d *donation.Donation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.createErrs) > 0 {
		err := r.s.createErrs[0]
		r.s.createErrs = r.s.createErrs[1:]
		return err
	}
	d.ReceiptNumber = r.s.receipts.Add(1)
	r.s.donations[d.ID] = *d
	return nil
}

func (r memDonations) GetByID(_ context.Context, id uuid.UUID) (*donation.Donation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.donations[id]
	if !ok {
		return nil, donation.ErrDonationNotFound{DonationID: id}
	}
	return &d, nil
}

func (r memDonations) LockForUpdate(ctx context.Context, id uuid.UUID) (*donation.Donation, error) {
	r.s.mu.Lock()
	if len(r.s.lockErrs) > 0 {
		err := r.s.lockErrs[0]
		r.s.lockErrs = r.s.lockErrs[1:]
		r.s.mu.Unlock()
		return nil, err
	}
	r.s.mu.Unlock()
	return r.GetByID(ctx, id)
}

func (r memDonations) Update(_ context.Context, d *donation.Donation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.donations[d.ID]; !ok {
		return donation.ErrDonationNotFound{DonationID: d.ID}
	}
	if d.Status == donation.StatusPending {
		for id, other := range r.s.donations {
			if id != d.ID && other.Status == donation.StatusPending && other.CorrelationID == d.CorrelationID {
				return donation.ErrCorrelationConflict{CorrelationID: d.CorrelationID}
			}
		}
	}
	r.s.donations[d.ID] = *d
	return nil
}

func (r memDonations) ListReconcilable(_ context.Context, staleBefore, now time.Time, limit int) ([]*donation.Donation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*donation.Donation
	for _, d := range r.s.donations {
		d := d
		due := d.ReconcileAfter != nil && !d.ReconcileAfter.After(now)
		if d.Status == donation.StatusPending && (d.CreatedAt.Before(staleBefore) || due) && len(out) < limit {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (r memDonations) ListMissingReceipt(_ context.Context, limit int) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []uuid.UUID
	for id, d := range r.s.donations {
		if d.ReceiptNumber == 0 && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r memDonations) AssignReceiptNumber(_ context.Context, id uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.donations[id]
	if !ok || d.ReceiptNumber != 0 {
		return 0, donation.ErrDonationNotFound{DonationID: id}
	}
	d.ReceiptNumber = r.s.receipts.Add(1)
	r.s.donations[id] = d
	return d.ReceiptNumber, nil
}

type memTransactions struct{ s *memStore }

func (r memTransactions) WithTx(pgx.Tx) donation.TransactionRepository { return r }

func (r memTransactions) Upsert(_ context.Context, pt *donation.ProviderTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.transactions[pt.DonationID]; ok && existing.IsResolved() {
		return nil
	}
	r.s.transactions[pt.DonationID] = *pt
	return nil
}

func (r memTransactions) GetByDonationID(_ context.Context, id uuid.UUID) (*donation.ProviderTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pt, ok := r.s.transactions[id]
	if !ok {
		return nil, donation.ErrTransactionNotFound{DonationID: id}
	}
	return &pt, nil
}

func (r memTransactions) Resolve(_ context.Context, pt *donation.ProviderTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.transactions[pt.DonationID]; ok && existing.IsResolved() {
		return nil
	}
	r.s.transactions[pt.DonationID] = *pt
	return nil
}

type memIndex struct{ s *memStore }

func (r memIndex) WithTx(pgx.Tx) donation.CorrelationIndex { return r }

func (r memIndex) Resolve(_ context.Context, keys []donation.LookupKey) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, k := range keys {
		switch k.Kind {
		case donation.LookupCorrelationID:
			for id, d := range r.s.donations {
				if d.CorrelationID == k.Value {
					return id, nil
				}
			}
		case donation.LookupCheckoutRequestID, donation.LookupMerchantRequestID:
			for id, pt := range r.s.transactions {
				if (k.Kind == donation.LookupCheckoutRequestID && pt.CheckoutRequestID == k.Value) ||
					(k.Kind == donation.LookupMerchantRequestID && pt.MerchantRequestID == k.Value) {
					return id, nil
				}
			}
		case donation.LookupDonationID:
			if id, err := uuid.Parse(k.Value); err == nil {
				if _, ok := r.s.donations[id]; ok {
					return id, nil
				}
			}
		}
	}
	return uuid.Nil, donation.ErrCorrelationNotFound{Keys: keys}
}

type memOutbox struct{ s *memStore }

func (r memOutbox) WithTx(pgx.Tx) outbox.Repository { return r }

func (r memOutbox) Create(_ context.Context, m *outbox.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m.ID = int64(len(r.s.messages) + 1)
	r.s.messages = append(r.s.messages, m)
	return nil
}

func (r memOutbox) GetPending(context.Context, int) ([]*outbox.Message, error) { return nil, nil }
func (r memOutbox) UpdateStatus(context.Context, int64, shared.OutboxStatus) error {
	return nil
}
func (r memOutbox) IncrementAttempts(context.Context, int64) error            { return nil }
