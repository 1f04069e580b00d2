package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/youthshield-donations/internal/domain/donation"
	"github.com/youthshield-donations/internal/platform/persistence"
)

// Pending donations win over resolved ones sharing a correlation id, so a retried
// callback for a fresh payment is never routed to an older settled donation.
var lookupQueries = map[donation.LookupKind]string{
	donation.LookupCorrelationID: `
		SELECT id
		FROM donations
		WHERE correlation_id = $1
		ORDER BY (status = 'pending') DESC, created_at DESC
		LIMIT 1
	`,
	donation.LookupCheckoutRequestID: `
		SELECT donation_id
		FROM provider_transactions
		WHERE checkout_request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`,
	donation.LookupMerchantRequestID: `
		SELECT donation_id
		FROM provider_transactions
		WHERE merchant_request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`,
	donation.LookupDonationID: `
		SELECT id
		FROM donations
		WHERE id = $1
	`,
}

// CorrelationIndex resolves provider identifiers to donations using the donations and
// provider_transactions tables
type CorrelationIndex struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewCorrelationIndex creates a PostgreSQL backed correlation index
func NewCorrelationIndex(logger *slog.Logger, db *persistence.PostgresDB) donation.CorrelationIndex {
	return &CorrelationIndex{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the index with a transaction
func (c *CorrelationIndex) WithTx(tx pgx.Tx) donation.CorrelationIndex {
	return &CorrelationIndex{
		querier: tx,
		logger:  c.logger,
	}
}

// Resolve tries each key in order and returns the first donation found.
// Returns ErrCorrelationNotFound when no key matches.
func (c *CorrelationIndex) Resolve(ctx context.Context, keys []donation.LookupKey) (uuid.UUID, error) {
	for _, key := range keys {
		if key.Value == "" {
			continue
		}

		query, ok := lookupQueries[key.Kind]
		if !ok {
			c.logger.Warn("Unknown correlation lookup kind", "kind", string(key.Kind))
			continue
		}

		var arg interface{} = key.Value
		if key.Kind == donation.LookupDonationID {
			id, err := uuid.Parse(key.Value)
			if err != nil {
				c.logger.Warn("Ignoring malformed donation id lookup key", "value", key.Value)
				continue
			}
			arg = id
		}

		var donationID uuid.UUID
		err := c.querier.QueryRow(ctx, query, arg).Scan(&donationID)
		if err == nil {
			return donationID, nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}

		c.logger.Error("Failed to resolve correlation key", "key", key.String(), "error", err)
		return uuid.Nil, fmt.Errorf("failed to resolve correlation key %s: %w", key.String(), err)
	}

	return uuid.Nil, donation.ErrCorrelationNotFound{Keys: keys}
}
