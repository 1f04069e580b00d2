package ledger

import (
	"context"
	"log/slog"

	"github.com/panjf2000/ants/v2"
	"github.com/youthshield-donations/internal/domain/donation"
)

// WorkerPoolApplier bounds how many outcomes are applied concurrently, so a burst of
// provider callbacks cannot exhaust the database pool
type WorkerPoolApplier struct {
	base   OutcomeApplier
	pool   *ants.Pool
	logger *slog.Logger
}

type WorkerPoolConfig struct {
	Size int
}

func NewWorkerPoolApplier(base OutcomeApplier, config WorkerPoolConfig, logger *slog.Logger) (*WorkerPoolApplier, error) {
	pool, err := ants.NewPool(config.Size)
	if err != nil {
		return nil, err
	}

	return &WorkerPoolApplier{
		base:   base,
		pool:   pool,
		logger: logger,
	}, nil
}

type applyResult struct {
	result *ApplyResult
	err    error
}

// ApplyOutcome runs the base applier on a pool worker and waits for it. When ctx ends
// first, ctx's error is returned while the worker finishes with the same cancelled context.
func (s *WorkerPoolApplier) ApplyOutcome(ctx context.Context, outcome *donation.PaymentOutcome) (*ApplyResult, error) {
	resultChan := make(chan applyResult, 1)
	outcomeCopy := *outcome

	err := s.pool.Submit(func() {
		res, err := s.base.ApplyOutcome(ctx, &outcomeCopy)
		resultChan <- applyResult{result: res, err: err}
	})
	if err != nil {
		s.logger.Error("Failed to submit outcome to worker pool",
			"correlation_id", outcome.CorrelationID,
			"error", err,
		)
		return nil, err
	}

	select {
	case r := <-resultChan:
		return r.result, r.err
	case <-ctx.Done():
		s.logger.Warn("Gave up waiting for outcome to be applied",
			"correlation_id", outcome.CorrelationID,
			"error", ctx.Err(),
		)
		return nil, ctx.Err()
	}
}

// Shutdown gracefully shuts down the worker pool.
func (s *WorkerPoolApplier) Shutdown() {
	s.logger.Info("Shutting down worker pool", "running_workers", s.pool.Running())
	s.pool.Release()
}

// Running returns the number of running workers in the pool.
func (s *WorkerPoolApplier) Running() int {
	return s.pool.Running()
}

// Capacity returns the capacity of the worker pool.
func (s *WorkerPoolApplier) Capacity() int {
	return s.pool.Cap()
}
