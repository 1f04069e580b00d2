package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/platform/persistence"
)

// RetryPolicy bounds how often a ledger operation is retried on storage contention
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy makes 3 attempts waiting 100ms then 200ms between them
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

func isContention(err error) bool {
	return errors.Is(err, donation.ErrStorageContention{}) || persistence.IsContention(err)
}

// withRetry runs fn until it succeeds, fails with a non-contention error or the attempts
// run out. The delay doubles after every failed attempt.
func (p RetryPolicy) withRetry(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil || !isContention(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
