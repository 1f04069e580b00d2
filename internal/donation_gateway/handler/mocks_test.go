package handler

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/donation_gateway/service"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

type MockDonationService struct {
	mock.Mock
}

func (m *MockDonationService) CreateDonation(ctx context.Context, req donation.Request) (*service.Initiation, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Initiation), args.Error(1)
}

func (m *MockDonationService) GetDonation(ctx context.Context, id uuid.UUID) (*donation.Donation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*donation.Donation), args.Error(1)
}

func (m *MockDonationService) GetReceipt(ctx context.Context, id uuid.UUID) (*ledger.Receipt, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Receipt), args.Error(1)
}

func (m *MockDonationService) CancelDonation(ctx context.Context, id uuid.UUID) (*donation.Donation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*donation.Donation), args.Error(1)
}

type MockIngestService struct {
	mock.Mock
}

func (m *MockIngestService) Ingest(ctx context.Context, method donation.PaymentMethod, n *providers.Notification) (*service.IngestReport, error) {
	args := m.Called(ctx, method, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.IngestReport), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func sampleDonation(method donation.PaymentMethod, status donation.Status) *donation.Donation {
	now := time.Date(2024, 3, 1, 9, 30, 15, 0, time.UTC)
	return &donation.Donation{
		ID:            uuid.New(),
		Amount:        decimal.NewFromInt(100),
		Currency:      "KES",
		PaymentMethod: method,
		Status:        status,
		CorrelationID: "ws_CO_1",
		ReceiptNumber: 42,
		DonorName:     "Jane Donor",
		DonorEmail:    "jane@example.org",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
