package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/partner-gateway/internal/auth"
	"github.com/jmehdipour/partner-gateway/internal/breaker"
	"github.com/jmehdipour/partner-gateway/internal/config"
	"github.com/jmehdipour/partner-gateway/internal/db"
	httpSrv "github.com/jmehdipour/partner-gateway/internal/http"
	"github.com/jmehdipour/partner-gateway/internal/kafka"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/pipeline"
	"github.com/jmehdipour/partner-gateway/internal/ratelimit"
	"github.com/jmehdipour/partner-gateway/internal/repository"
	"github.com/jmehdipour/partner-gateway/internal/service/keys"
	"github.com/jmehdipour/partner-gateway/internal/usage"
	"github.com/jmehdipour/partner-gateway/internal/validate"
	"github.com/jmehdipour/partner-gateway/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the partner API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		lg, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer func() { _ = lg.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.NewMySQLConnection(db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		var redisClient *redis.Client
		if cfg.RateLimit.Backend == "redis" || cfg.RateLimit.IPGuardRPS > 0 {
			redisClient, err = db.NewRedisClient(db.RedisOptsFrom(cfg.Redis))
			if err != nil {
				return fmt.Errorf("redis connect: %w", err)
			}
			defer func() { _ = redisClient.Close() }()
		}

		var usageRepo repository.UsageRepository
		if cfg.ClickHouse.DSN != "" {
			chDB, err := db.NewClickHouseConnection(db.PoolOptsFrom(cfg.ClickHouse))
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
			usageRepo = repository.NewUsageRepository(chDB)
		}

		// repos (MySQL)
		partnersRepo := repository.NewPartnersRepository(mysqlDB)
		keysRepo := repository.NewAPIKeysRepository(mysqlDB)
		outboxRepo := repository.NewOutboxRepository(mysqlDB)

		onTransition := breaker.WithTransitionHook(func(name string, from, to breaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			lg.Warn("breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})

		// authentication
		cache := auth.NewKeyCache(cfg.Auth.CacheTTL, cfg.Auth.CacheMaxEntries, time.Now)
		authn := auth.NewAuthenticator(keysRepo, cache,
			auth.WithBreaker(breaker.New("credential_store", cfg.Breaker.FailThreshold, cfg.Breaker.OpenFor, onTransition)),
			auth.WithTouchTimeout(cfg.Auth.TouchTimeout),
			auth.WithLogger(lg.Named("auth")),
		)

		// rate limiting
		var (
			store    ratelimit.Store
			memStore *ratelimit.MemoryStore
		)
		if cfg.RateLimit.Backend == "redis" {
			store = ratelimit.NewRedisStore(redisClient, cfg.RateLimit.KeyPrefix,
				breaker.New("ratelimit_redis", cfg.Breaker.FailThreshold, cfg.Breaker.OpenFor, onTransition))
		} else {
			memStore = ratelimit.NewMemoryStore(cfg.RateLimit.MaxAge, cfg.RateLimit.MaxTracked)
			store = memStore
		}
		limiter := ratelimit.New(store, ratelimit.LimitsFromConfig(cfg.RateLimit.Limits),
			ratelimit.WithLogger(lg.Named("ratelimit")))

		validator := validate.New(validate.LimitsFromConfig(cfg.Validation), lg.Named("validate"))

		// usage tracking
		var tracker *usage.Tracker
		opts := []pipeline.Option{pipeline.WithLogger(lg.Named("pipeline"))}
		if cfg.Usage.Enabled {
			producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, UsageTopic: cfg.Usage.Topic})
			defer func() { _ = producer.Close() }()
			tracker = usage.NewTracker(producer, cfg.Usage.BufferSize,
				usage.WithBatch(cfg.Usage.BatchSize, cfg.Usage.BatchWait),
				usage.WithLogger(lg.Named("usage")),
			)
			opts = append(opts, pipeline.WithUsage(tracker))
		}

		p := pipeline.New(authn, limiter, validator, pipeline.Config{
			MaxPayloadBytes: cfg.Validation.MaxPayloadBytes,
			CORS:            pipeline.CORSFromConfig(cfg.CORS),
		}, opts...)

		// key lifecycle events evict revoked keys from this instance's cache
		var listener *worker.KeyEventListener
		if len(cfg.Kafka.Brokers) > 0 && cfg.Outbox.KeyEventsTopic != "" {
			host, _ := os.Hostname()
			cc := kafka.ConsumerConfigFrom(cfg.Kafka, cfg.Outbox.KeyEventsTopic, cfg.Outbox.CacheGroup+"-"+host)
			cc.MinBytes = 1
			cc.StartLast = true
			consumer := kafka.NewConsumer(cc)
			defer consumer.Close()
			listener = worker.NewKeyEventListener(consumer, cache, lg.Named("key_events"))
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Pipeline: p,
			Keys:     keys.New(mysqlDB, partnersRepo, keysRepo, outboxRepo, cfg.Outbox.KeyEventsTopic, keys.WithCache(cache)),
			Usage:    usageRepo,
			Redis:    redisClient,
		}, lg)

		// graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// the tracker stops after the HTTP server so draining requests still record usage
		trackerCtx, stopTracker := context.WithCancel(context.Background())
		defer stopTracker()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			cache.Run(gctx, cfg.Auth.CacheSweepInterval)
			return nil
		})
		if memStore != nil {
			g.Go(func() error {
				memStore.Run(gctx, cfg.RateLimit.SweepInterval, time.Now)
				return nil
			})
		}
		if tracker != nil {
			g.Go(func() error { return tracker.Run(trackerCtx) })
		}
		if listener != nil {
			g.Go(func() error { return listener.Run(gctx) })
		}
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			lg.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			err := server.Shutdown(sctx)
			stopTracker()
			return err
		})

		lg.Info("partner gateway started",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("rate_limit_backend", cfg.RateLimit.Backend),
			zap.Bool("usage", cfg.Usage.Enabled),
			zap.Bool("usage_reports", usageRepo != nil),
		)

		err = g.Wait()
		authn.Wait()
		return err
	},
}
