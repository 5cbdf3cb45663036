package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/partner-gateway/internal/model"
)

func TestUsage_InsertBatch(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewUsageRepository(dbx)
	at := time.Now().UTC()

	events := []model.UsageEvent{
		{RequestID: "req_1", PartnerID: "ptn_1", KeyID: "key_1", Method: "GET", Endpoint: "/v1/usage", ClientIP: "1.2.3.4", UserAgent: "curl", OccurredAt: at},
		{RequestID: "req_2", PartnerID: "ptn_1", KeyID: "key_1", Method: "POST", Endpoint: "/v1/keys", ClientIP: "1.2.3.4", UserAgent: "curl", PayloadSize: 42, OccurredAt: at},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO usage_events"))
	prep.ExpectExec().WithArgs("req_1", "ptn_1", "key_1", "GET", "/v1/usage", "1.2.3.4", "curl", int64(0), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("req_2", "ptn_1", "key_1", "POST", "/v1/keys", "1.2.3.4", "curl", int64(42), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.InsertBatch(context.Background(), events))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUsage_InsertBatchEmpty(t *testing.T) {
	dbx, mock := newMock(t)
	require.NoError(t, NewUsageRepository(dbx).InsertBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUsage_ListByPartnerFilters(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewUsageRepository(dbx)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("AND key_id = ? AND occurred_at >= ? ORDER BY occurred_at DESC LIMIT ? OFFSET ?")).
		WithArgs("ptn_1", "key_1", from, 50, 100).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "partner_id", "key_id", "method", "endpoint", "client_ip", "user_agent", "payload_size", "occurred_at"}).
			AddRow("req_9", "ptn_1", "key_1", "GET", "/v1/partner", "::1", "sdk", int64(0), from))

	rows, err := repo.ListByPartner(context.Background(), "ptn_1", UsageFilter{KeyID: "key_1", From: from, Limit: 5000, Offset: 100})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "req_9", rows[0].RequestID)
	require.NoError(t, mock.ExpectationsWereMet())
}
