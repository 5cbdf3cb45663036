package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/kafka"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/repository"
)

type Publisher interface {
	Send(ctx context.Context, msgs ...kafka.Message) error
}

// OutboxRelay publishes committed outbox rows to Kafka and marks them
// published in the same transaction that claimed them. A failed publish rolls
// back, so rows are retried on the next pass (at-least-once).
type OutboxRelay struct {
	DB        *sqlx.DB
	Outbox    repository.OutboxRepository
	Publisher Publisher
	Log       *zap.Logger

	BatchSize int
	Interval  time.Duration
}

func NewOutboxRelay(db *sqlx.DB, outboxRepo repository.OutboxRepository, pub Publisher, log *zap.Logger) *OutboxRelay {
	return &OutboxRelay{
		DB:        db,
		Outbox:    outboxRepo,
		Publisher: pub,
		Log:       logger.OrNop(log),
		BatchSize: 100,
		Interval:  time.Second,
	}
}

func (r *OutboxRelay) Run(ctx context.Context) error {
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.Interval <= 0 {
		r.Interval = time.Second
	}
	r.Log = logger.OrNop(r.Log)

	tick := time.NewTicker(r.Interval)
	defer tick.Stop()

	for {
		// drain while full batches keep coming
		for {
			n, err := r.RelayOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.Log.Error("outbox relay failed", zap.Error(err))
				break
			}
			if n < r.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RelayOnce moves up to BatchSize events and returns how many were published.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	events, err := r.Outbox.ClaimPending(ctx, tx, r.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		msgs = append(msgs, kafka.Message{
			Topic: e.Topic,
			Key:   []byte(e.AggregateID),
			Value: e.Payload,
		})
		ids = append(ids, e.ID)
	}

	if err := r.Publisher.Send(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	if err := r.Outbox.MarkPublished(ctx, tx, ids); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	r.Log.Debug("outbox relayed", zap.Int("events", len(ids)))
	return len(ids), nil
}
