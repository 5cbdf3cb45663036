package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// APIKeysRepository is the credential store behind the authenticator plus the
// write side used by key issuance.
type APIKeysRepository interface {
	LookupByHash(ctx context.Context, hash string) (*model.APIKey, *model.Partner, error)
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error

	Insert(ctx context.Context, tx *sqlx.Tx, k model.APIKey) error
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, partnerID, keyID string) (*model.APIKey, error)
	Revoke(ctx context.Context, tx *sqlx.Tx, keyID string) error
	ListByPartner(ctx context.Context, partnerID string) ([]model.APIKey, error)
	CountActive(ctx context.Context, tx *sqlx.Tx, partnerID string) (int, error)
}

type APIKeysRepositoryImpl struct {
	db *sqlx.DB
}

func NewAPIKeysRepository(db *sqlx.DB) *APIKeysRepositoryImpl {
	return &APIKeysRepositoryImpl{db: db}
}

var _ APIKeysRepository = (*APIKeysRepositoryImpl)(nil)

const keyColumns = `k.id, k.partner_id, k.name, k.prefix, k.key_hash, k.status, k.expires_at,
		       k.last_used_at, k.permissions, k.rate_limits, k.created_at, k.updated_at`

type keyWithPartner struct {
	model.APIKey
	Partner model.Partner `db:"partner"`
}

// LookupByHash joins the key with its owning partner in one round trip.
// Status and expiry are returned as stored; enforcing them is the caller's job.
func (r *APIKeysRepositoryImpl) LookupByHash(ctx context.Context, hash string) (*model.APIKey, *model.Partner, error) {
	q := `
		SELECT ` + keyColumns + `,
		       p.id             AS ` + "`partner.id`" + `,
		       p.company_name   AS ` + "`partner.company_name`" + `,
		       p.status         AS ` + "`partner.status`" + `,
		       p.allowed_domains AS ` + "`partner.allowed_domains`" + `,
		       p.contact_name   AS ` + "`partner.contact_name`" + `,
		       p.contact_email  AS ` + "`partner.contact_email`" + `,
		       p.usage_limits   AS ` + "`partner.usage_limits`" + `,
		       p.created_at     AS ` + "`partner.created_at`" + `,
		       p.updated_at     AS ` + "`partner.updated_at`" + `
		  FROM partner_api_keys k
		  JOIN partners p ON p.id = k.partner_id
		 WHERE k.key_hash = ? LIMIT 1
	`
	var row keyWithPartner
	err := r.db.GetContext(ctx, &row, q, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	key := row.APIKey
	partner := row.Partner
	return &key, &partner, nil
}

func (r *APIKeysRepositoryImpl) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE partner_api_keys SET last_used_at = ? WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)`,
		at, keyID, at,
	)
	return err
}

func (r *APIKeysRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, k model.APIKey) error {
	const q = `
		INSERT INTO partner_api_keys
		    (id, partner_id, name, prefix, key_hash, status, expires_at, permissions, rate_limits, created_at, updated_at)
		VALUES
		    (?,  ?,          ?,    ?,      ?,        ?,      ?,          ?,           ?,           NOW(),      NOW())
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			k.ID, k.PartnerID, k.Name, k.Prefix, k.KeyHash, k.Status.String(), k.ExpiresAt, k.Permissions, k.RateLimits,
		)
		return err
	})
}

// GetForUpdate locks the key row; the key must belong to partnerID.
func (r *APIKeysRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, partnerID, keyID string) (*model.APIKey, error) {
	var k model.APIKey
	err := tx.GetContext(ctx, &k, `
		SELECT `+keyColumns+`
		  FROM partner_api_keys k
		 WHERE k.id = ? AND k.partner_id = ?
		 FOR UPDATE
	`, keyID, partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Revoke soft-revokes; rows are kept for audit.
func (r *APIKeysRepositoryImpl) Revoke(ctx context.Context, tx *sqlx.Tx, keyID string) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE partner_api_keys SET status = 'revoked', updated_at = NOW() WHERE id = ?`, keyID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *APIKeysRepositoryImpl) ListByPartner(ctx context.Context, partnerID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.SelectContext(ctx, &keys, `
		SELECT `+keyColumns+`
		  FROM partner_api_keys k
		 WHERE k.partner_id = ?
		 ORDER BY k.created_at DESC
	`, partnerID)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *APIKeysRepositoryImpl) CountActive(ctx context.Context, tx *sqlx.Tx, partnerID string) (int, error) {
	var n int
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM partner_api_keys WHERE partner_id = ? AND status = 'active'`, partnerID)
	})
	return n, err
}
