// Package reconciler resolves donations that stayed pending: those whose initiation timed
// out and those whose provider notification never arrived.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/youthshield-donations/internal/config"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/providers"
)

// Result labels for one reconciled donation
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultPending   = "pending"
	ResultExpired   = "expired"
	ResultError     = "error"
)

// Ledger is the part of the donation ledger the reconciler drives
type Ledger interface {
	ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]*donation.Donation, error)
	GetTransaction(ctx context.Context, donationID uuid.UUID) (*donation.ProviderTransaction, error)
	ApplyOutcome(ctx context.Context, outcome *donation.PaymentOutcome) (*ledger.ApplyResult, error)
	Expire(ctx context.Context, donationID uuid.UUID) (*donation.Donation, bool, error)
}

// ProviderRegistry resolves the adapter for a payment method
type ProviderRegistry interface {
	Get(method donation.PaymentMethod) (providers.PaymentProvider, error)
}

// Metrics counts reconciled donations by method and result
type Metrics interface {
	Reconciled(method, result string)
}

// Reconciler periodically queries providers for pending donations
type Reconciler struct {
	ledger      Ledger
	providers   ProviderRegistry
	metrics     Metrics
	pool        *ants.Pool
	logger      *slog.Logger
	interval    time.Duration
	staleAfter  time.Duration
	expireAfter time.Duration
	batchSize   int
	now         func() time.Time
}

// NewReconciler creates a reconciler querying up to workers providers at once. metrics may be nil.
func NewReconciler(
	cfg *config.ReconcilerConfig,
	workers int,
	ledger Ledger,
	providers ProviderRegistry,
	metrics Metrics,
	logger *slog.Logger,
) (*Reconciler, error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler pool: %w", err)
	}

	return &Reconciler{
		ledger:      ledger,
		providers:   providers,
		metrics:     metrics,
		pool:        pool,
		logger:      logger,
		interval:    cfg.Interval,
		staleAfter:  cfg.StaleAfter,
		expireAfter: cfg.ExpireAfter,
		batchSize:   cfg.BatchSize,
		now:         time.Now,
	}, nil
}

// Start sweeps on every tick until ctx is canceled
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting Reconciler",
		"interval", r.interval.String(),
		"stale_after", r.staleAfter.String(),
		"expire_after", r.expireAfter.String(),
		"batch_size", r.batchSize,
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopping due to context cancellation.")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep reconciles one batch of pending donations and returns the count per result
func (r *Reconciler) Sweep(ctx context.Context) (map[string]int, error) {
	pending, err := r.ledger.ListReconcilable(ctx, r.now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable donations: %w", err)
	}
	if len(pending) == 0 {
		r.logger.Debug("No donations to reconcile")
		return nil, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]int)
	)
	for _, d := range pending {
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			result := r.reconcile(ctx, d)
			mu.Lock()
			results[result]++
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			r.logger.Error("Failed to submit donation to reconciler pool", "donation_id", d.ID.String(), "error", err)
		}
	}
	wg.Wait()

	r.logger.Info("Reconciliation sweep finished", "donations", len(pending), "results", results)
	return results, nil
}

func (r *Reconciler) reconcile(ctx context.Context, d *donation.Donation) string {
	logger := r.logger.With("donation_id", d.ID.String(), "provider", d.PaymentMethod, "correlation_id", d.CorrelationID)
	result := r.resolve(ctx, logger, d)
	if r.metrics != nil {
		r.metrics.Reconciled(string(d.PaymentMethod), result)
	}
	return result
}

func (r *Reconciler) resolve(ctx context.Context, logger *slog.Logger, d *donation.Donation) string {
	provider, err := r.providers.Get(d.PaymentMethod)
	if err != nil {
		logger.Error("No provider for pending donation", "error", err)
		return ResultError
	}

	pt, err := r.ledger.GetTransaction(ctx, d.ID)
	if err != nil && !errors.Is(err, donation.ErrTransactionNotFound{}) {
		logger.Error("Failed to load provider transaction", "error", err)
		return ResultError
	}

	outcome, err := provider.QueryStatus(ctx, d, pt)
	switch {
	case err == nil && outcome != nil:
		res, err := r.ledger.ApplyOutcome(ctx, outcome)
		if err != nil {
			logger.Error("Failed to apply queried outcome", "error", err)
			return ResultError
		}
		if !res.Applied {
			return ResultDuplicate
		}
		logger.Info("Pending donation reconciled", "status", res.Donation.Status)
		return ResultApplied
	case err == nil, errors.Is(err, providers.ErrStatusPending):
		return r.expireIfOverdue(ctx, logger, d, "payment still pending at provider")
	case errors.Is(err, providers.ErrNothingToQuery):
		logger.Info("Initiation left no provider reference to reconcile", "error", err)
		return r.expireIfOverdue(ctx, logger, d, "initiation never reached the provider")
	case errors.Is(err, providers.ErrProviderUnavailable{}):
		logger.Warn("Provider unavailable during reconciliation", "error", err)
		return ResultError
	default:
		logger.Warn("Provider status query failed", "error", err)
		return r.expireIfOverdue(ctx, logger, d, err.Error())
	}
}

// expireIfOverdue fails d once it has been pending longer than the expiry window
func (r *Reconciler) expireIfOverdue(ctx context.Context, logger *slog.Logger, d *donation.Donation, detail string) string {
	if r.now().Sub(d.CreatedAt) < r.expireAfter {
		return ResultPending
	}

	_, changed, err := r.ledger.Expire(ctx, d.ID)
	if err != nil {
		logger.Error("Failed to expire pending donation", "error", err)
		return ResultError
	}
	if !changed {
		return ResultDuplicate
	}
	logger.Warn("Pending donation expired", "age", r.now().Sub(d.CreatedAt).String(), "detail", detail)
	return ResultExpired
}

// Shutdown releases the worker pool
func (r *Reconciler) Shutdown() {
	r.pool.Release()
}
