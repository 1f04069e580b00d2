package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youthshield-donations/internal/domain/outbox"
	"github.com/youthshield-donations/internal/domain/shared"
)

var outboxColumns = []string{"id", "event_id", "donation_id", "event_type", "payload", "status", "attempts", "created_at", "last_attempt_at"}

func sampleMessage() *outbox.Message {
	return &outbox.Message{
		EventID:    uuid.New(),
		DonationID: uuid.New(),
		EventType:  shared.EventDonationCompleted,
		Payload:    json.RawMessage(`{"status":"completed"}`),
		Status:     shared.OutboxStatusPending,
		CreatedAt:  time.Now(),
	}
}

func TestOutboxRepository_WithTx(t *testing.T) {
	repo := &OutboxRepository{
		querier: nil,
		logger:  newTestLogger(),
	}

	mockTx := pgx.Tx(nil)
	txRepo := repo.WithTx(mockTx)

	assert.NotNil(t, txRepo)
	assert.IsType(t, &OutboxRepository{}, txRepo)

	outboxRepo, ok := txRepo.(*OutboxRepository)
	assert.True(t, ok)
	assert.Equal(t, mockTx, outboxRepo.querier)
}

func TestOutboxRepository_Create(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &OutboxRepository{querier: mock, logger: newTestLogger()}
	query := regexp.QuoteMeta("INSERT INTO donation_outbox")

	t.Run("success", func(t *testing.T) {
		msg := sampleMessage()
		mock.ExpectQuery(query).
			WithArgs(msg.EventID, msg.DonationID, msg.EventType, msg.Payload, msg.Status, msg.Attempts, msg.CreatedAt).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))

		require.NoError(t, repo.Create(ctx, msg))
		assert.Equal(t, int64(5), msg.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate event", func(t *testing.T) {
		msg := sampleMessage()
		mock.ExpectQuery(query).
			WithArgs(msg.EventID, msg.DonationID, msg.EventType, msg.Payload, msg.Status, msg.Attempts, msg.CreatedAt).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		err := repo.Create(ctx, msg)
		var dup outbox.ErrDuplicateMessage
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, msg.EventID, dup.EventID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOutboxRepository_GetPending(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &OutboxRepository{querier: mock, logger: newTestLogger()}
	msg := sampleMessage()
	msg.ID = 9

	rows := pgxmock.NewRows(outboxColumns).AddRow(
		msg.ID, msg.EventID, msg.DonationID, msg.EventType, msg.Payload, msg.Status, msg.Attempts, msg.CreatedAt, msg.LastAttemptAt,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM donation_outbox")).
		WithArgs(shared.OutboxStatusPending, 10).
		WillReturnRows(rows)

	messages, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, msg, messages[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_UpdateStatusAndAttempts(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &OutboxRepository{querier: mock, logger: newTestLogger()}

	t.Run("update status", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("SET status = $1")).
			WithArgs(shared.OutboxStatusProcessed, pgxmock.AnyArg(), int64(1)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, repo.UpdateStatus(ctx, 1, shared.OutboxStatusProcessed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update status missing", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("SET status = $1")).
			WithArgs(shared.OutboxStatusProcessed, pgxmock.AnyArg(), int64(2)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.UpdateStatus(ctx, 2, shared.OutboxStatusProcessed)
		assert.Equal(t, outbox.ErrMessageNotFound{ID: 2}, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("increment attempts", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("SET attempts = attempts + 1")).
			WithArgs(pgxmock.AnyArg(), int64(1)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, repo.IncrementAttempts(ctx, 1))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("increment attempts db error", func(t *testing.T) {
		dbErr := errors.New("db error")
		mock.ExpectExec(regexp.QuoteMeta("SET attempts = attempts + 1")).
			WithArgs(pgxmock.AnyArg(), int64(1)).
			WillReturnError(dbErr)

		err := repo.IncrementAttempts(ctx, 1)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
