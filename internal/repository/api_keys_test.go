package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/partner-gateway/internal/model"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

var lookupColumns = []string{
	"id", "partner_id", "name", "prefix", "key_hash", "status", "expires_at",
	"last_used_at", "permissions", "rate_limits", "created_at", "updated_at",
	"partner.id", "partner.company_name", "partner.status", "partner.allowed_domains",
	"partner.contact_name", "partner.contact_email", "partner.usage_limits",
	"partner.created_at", "partner.updated_at",
}

func TestAPIKeys_LookupByHash(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAPIKeysRepository(dbx)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exp := now.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM partner_api_keys k")).
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows(lookupColumns).AddRow(
			"key_1", "ptn_1", "ci", "pk_test_AbCd", "abc123", "active", exp,
			nil, `{"reports":["read"],"keys":{"write":true,"delete":false}}`, `{"per_minute":5}`, now, now,
			"ptn_1", "Acme", "active", `["acme.io"]`,
			"Jo", "jo@acme.io", `{"monthly_requests":1000}`,
			now, now,
		))

	key, partner, err := repo.LookupByHash(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "key_1", key.ID)
	assert.Equal(t, model.KeyActive, key.Status)
	require.NotNil(t, key.ExpiresAt)
	assert.True(t, key.ExpiresAt.Equal(exp))
	assert.Nil(t, key.LastUsedAt)
	assert.True(t, key.Permissions.Allows("reports.read"))
	assert.True(t, key.Permissions.Allows("keys.write"))
	assert.False(t, key.Permissions.Allows("keys.delete"))
	assert.Equal(t, 5, key.RateLimits.V.PerMinute)

	assert.Equal(t, "Acme", partner.CompanyName)
	assert.True(t, partner.Active())
	assert.Equal(t, []string{"acme.io"}, partner.AllowedDomains.V)
	assert.EqualValues(t, 1000, partner.UsageLimits.V.MonthlyRequests)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeys_LookupByHash_NotFound(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAPIKeysRepository(dbx)

	mock.ExpectQuery(regexp.QuoteMeta("FROM partner_api_keys k")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(lookupColumns))

	_, _, err := repo.LookupByHash(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeys_LookupByHash_DriverError(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAPIKeysRepository(dbx)
	boom := errors.New("bad connection")

	mock.ExpectQuery(regexp.QuoteMeta("FROM partner_api_keys k")).WillReturnError(boom)

	_, _, err := repo.LookupByHash(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAPIKeys_TouchLastUsed(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAPIKeysRepository(dbx)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE partner_api_keys SET last_used_at = ?")).
		WithArgs(at, "key_1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.TouchLastUsed(context.Background(), "key_1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeys_RevokeMissingKey(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAPIKeysRepository(dbx)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE partner_api_keys SET status = 'revoked'")).
		WithArgs("key_x").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Revoke(context.Background(), nil, "key_x")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeys_InsertOwnTx(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAPIKeysRepository(dbx)

	k := model.APIKey{
		ID: "key_2", PartnerID: "ptn_1", Name: "ci", Prefix: "pk_test_AbCd", KeyHash: "h",
		Status: model.KeyActive, Permissions: model.Permissions{"reports": model.NewActionSet("read")},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO partner_api_keys")).
		WithArgs("key_2", "ptn_1", "ci", "pk_test_AbCd", "h", "active", nil, `{"reports":["read"]}`, `{}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Insert(context.Background(), nil, k))
	require.NoError(t, mock.ExpectationsWereMet())
}
