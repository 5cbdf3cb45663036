package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// UsageFilter narrows a usage listing. Zero values mean "no filter".
type UsageFilter struct {
	KeyID    string
	Endpoint string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// EndpointUsage is one row of the per-endpoint summary.
type EndpointUsage struct {
	Endpoint string `db:"endpoint" json:"endpoint"`
	Requests uint64 `db:"requests" json:"requests"`
	Bytes    uint64 `db:"bytes" json:"bytes"`
}

// UsageRepository reads and writes partner usage in ClickHouse.
type UsageRepository interface {
	InsertBatch(ctx context.Context, events []model.UsageEvent) error
	ListByPartner(ctx context.Context, partnerID string, f UsageFilter) ([]model.UsageEvent, error)
	SummaryByPartner(ctx context.Context, partnerID string, from, to time.Time) ([]EndpointUsage, error)
}

type chUsageRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewUsageRepository(ch *sqlx.DB) UsageRepository {
	return &chUsageRepository{ch: ch}
}

// InsertBatch sends the batch as one ClickHouse block (prepare + exec per row + commit).
func (r *chUsageRepository) InsertBatch(ctx context.Context, events []model.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events
		    (request_id, partner_id, key_id, method, endpoint, client_ip, user_agent, payload_size, occurred_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.RequestID, e.PartnerID, e.KeyID, e.Method, e.Endpoint, e.ClientIP, e.UserAgent, e.PayloadSize, e.OccurredAt,
		); err != nil {
			return fmt.Errorf("append %s: %w", e.RequestID, err)
		}
	}
	return tx.Commit()
}

func (r *chUsageRepository) ListByPartner(ctx context.Context, partnerID string, f UsageFilter) ([]model.UsageEvent, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT request_id, partner_id, key_id, method, endpoint, client_ip, user_agent, payload_size, occurred_at
		FROM usage_events
		WHERE partner_id = ?
	`
	args := []any{partnerID}

	if f.KeyID != "" {
		q += " AND key_id = ?"
		args = append(args, f.KeyID)
	}
	if f.Endpoint != "" {
		q += " AND endpoint = ?"
		args = append(args, f.Endpoint)
	}
	if !f.From.IsZero() {
		q += " AND occurred_at >= ?"
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		q += " AND occurred_at < ?"
		args = append(args, f.To)
	}

	q += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []model.UsageEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chUsageRepository) SummaryByPartner(ctx context.Context, partnerID string, from, to time.Time) ([]EndpointUsage, error) {
	var rows []EndpointUsage
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT endpoint, count() AS requests, sum(payload_size) AS bytes
		FROM usage_events
		WHERE partner_id = ? AND occurred_at >= ? AND occurred_at < ?
		GROUP BY endpoint
		ORDER BY requests DESC
	`, partnerID, from, to)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
