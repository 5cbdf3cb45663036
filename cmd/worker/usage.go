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

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Consume usage events from Kafka and batch them into ClickHouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, ctx, stop, err := setup(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = lg.Sync() }()

		// 1) ClickHouse
		chDB, err := db.NewClickHouseConnection(db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		// 2) kafka consumer
		cc := kafka.ConsumerConfigFrom(cfg.Kafka, cfg.Usage.Topic, "")
		consumer := kafka.NewConsumer(cc)
		defer consumer.Close()

		w := worker.NewUsageWriter(consumer, repository.NewUsageRepository(chDB), lg.Named("usage_writer"))

		// tune knobs
		if cfg.Usage.BatchSize > 0 {
			w.BatchSize = cfg.Usage.BatchSize
		}
		if cfg.Usage.BatchWait > 0 {
			w.BatchWait = cfg.Usage.BatchWait
		}

		lg.Info("usage worker started",
			zap.String("topic", cfg.Usage.Topic),
			zap.String("group", cc.GroupID),
			zap.Int("batch_size", w.BatchSize),
			zap.Duration("batch_wait", w.BatchWait),
		)
		return w.Run(ctx)
	},
}
