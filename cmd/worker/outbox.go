package worker

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/db"
	"github.com/jmehdipour/partner-gateway/internal/kafka"
	"github.com/jmehdipour/partner-gateway/internal/repository"
	"github.com/jmehdipour/partner-gateway/internal/worker"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Relay key lifecycle events from the MySQL outbox to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, ctx, stop, err := setup(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = lg.Sync() }()

		dbx, err := db.NewMySQLConnection(db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
		defer func() { _ = producer.Close() }()

		r := worker.NewOutboxRelay(dbx, repository.NewOutboxRepository(dbx), producer, lg.Named("outbox"))
		if cfg.Outbox.BatchSize > 0 {
			r.BatchSize = cfg.Outbox.BatchSize
		}
		if cfg.Outbox.PollInterval > 0 {
			r.Interval = cfg.Outbox.PollInterval
		}

		lg.Info("outbox relay started",
			zap.Int("batch_size", r.BatchSize),
			zap.Duration("interval", r.Interval),
		)
		return r.Run(ctx)
	},
}
