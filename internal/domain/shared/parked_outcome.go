package shared

import (
	"errors"
	"time"

	"github.com/youthshield-donations/internal/domain/donation"
)

var ErrEmptyOutcome = errors.New("parked outcome has no lookup keys")

// ParkedOutcome is the Kafka message for a verified payment outcome the gateway could not
// apply in time. The processor re-applies it until NextAttemptAt has passed Attempts times.
type ParkedOutcome struct {
	Outcome       donation.PaymentOutcome `json:"outcome"`
	Attempts      int                     `json:"attempts"`
	Reason        string                  `json:"reason"`
	CorrelationID string                  `json:"correlation_id"` // HTTP request correlation id
	FirstSeenAt   time.Time               `json:"first_seen_at"`
	NextAttemptAt time.Time               `json:"next_attempt_at"`
}

// NewParkedOutcome wraps outcome for its first redelivery
func NewParkedOutcome(outcome *donation.PaymentOutcome, reason, correlationID string, now time.Time) (*ParkedOutcome, error) {
	if len(outcome.Keys()) == 0 {
		return nil, ErrEmptyOutcome
	}
	return &ParkedOutcome{
		Outcome:       *outcome,
		Reason:        reason,
		CorrelationID: correlationID,
		FirstSeenAt:   now.UTC(),
		NextAttemptAt: now.UTC(),
	}, nil
}

// Retry returns the message for the next attempt after backoff. The delay doubles with
// every attempt, capped at maxDelay.
func (p *ParkedOutcome) Retry(reason string, backoff, maxDelay time.Duration, now time.Time) *ParkedOutcome {
	next := *p
	next.Attempts++
	next.Reason = reason

	delay := backoff
	for i := 1; i < next.Attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	next.NextAttemptAt = now.UTC().Add(delay)
	return &next
}
