package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_ClaimAndMark(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate", "aggregate_id", "topic", "payload", "created_at", "published_at"}).
			AddRow(int64(7), "api_key", "key_1", "partner.key_events", []byte(`{"type":"key.revoked"}`), now, nil).
			AddRow(int64(8), "api_key", "key_2", "partner.key_events", []byte(`{"type":"key.issued"}`), now, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox SET published_at = NOW() WHERE id IN (?, ?)")).
		WithArgs(int64(7), int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tx, err := dbx.Beginx()
	require.NoError(t, err)

	events, err := repo.ClaimPending(context.Background(), tx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "key_1", events[0].AggregateID)
	assert.Nil(t, events[0].PublishedAt)

	require.NoError(t, repo.MarkPublished(context.Background(), tx, []int64{events[0].ID, events[1].ID}))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_MarkPublishedEmptyIsNoop(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)

	require.NoError(t, repo.MarkPublished(context.Background(), nil, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
