package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type PartnersRepository interface {
	Get(ctx context.Context, id string) (*model.Partner, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Partner, error)
	Upsert(ctx context.Context, tx *sqlx.Tx, p model.Partner) error
}

type PartnersRepositoryImpl struct {
	db *sqlx.DB
}

func NewPartnersRepository(db *sqlx.DB) *PartnersRepositoryImpl {
	return &PartnersRepositoryImpl{db: db}
}

var _ PartnersRepository = (*PartnersRepositoryImpl)(nil)

const partnerColumns = `id, company_name, status, allowed_domains, contact_name, contact_email,
		       usage_limits, created_at, updated_at`

func (r *PartnersRepositoryImpl) Get(ctx context.Context, id string) (*model.Partner, error) {
	var p model.Partner
	err := r.db.GetContext(ctx, &p, `
		SELECT `+partnerColumns+`
		  FROM partners
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetForUpdate locks the partner row; key issuance uses it to serialize the
// max-keys check per partner.
func (r *PartnersRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Partner, error) {
	var p model.Partner
	err := tx.GetContext(ctx, &p, `
		SELECT `+partnerColumns+`
		  FROM partners
		 WHERE id = ?
		 FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert inserts the partner or refreshes its mutable columns (idempotent on id).
func (r *PartnersRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, p model.Partner) error {
	const q = `
		INSERT INTO partners
		    (id, company_name, status, allowed_domains, contact_name, contact_email, usage_limits, created_at, updated_at)
		VALUES
		    (?,  ?,            ?,      ?,               ?,            ?,             ?,            NOW(),      NOW())
		ON DUPLICATE KEY UPDATE
		    company_name    = VALUES(company_name),
		    status          = VALUES(status),
		    allowed_domains = VALUES(allowed_domains),
		    contact_name    = VALUES(contact_name),
		    contact_email   = VALUES(contact_email),
		    usage_limits    = VALUES(usage_limits),
		    updated_at      = VALUES(updated_at)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			p.ID, p.CompanyName, p.Status.String(), p.AllowedDomains, p.ContactName, p.ContactEmail, p.UsageLimits,
		)
		return err
	})
}
