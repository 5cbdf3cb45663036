package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/kafka"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/repository"
)

// Source is the consumer side of a Kafka topic.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// UsageWriter:
// - fetches usage events from Kafka,
// - batches them into ClickHouse by size or time,
// - commits offsets only after the batch is stored (at-least-once).
type UsageWriter struct {
	Source Source
	Usage  repository.UsageRepository
	Log    *zap.Logger

	BatchSize int           // max events per insert
	BatchWait time.Duration // max time to wait before flush
}

func NewUsageWriter(src Source, usageRepo repository.UsageRepository, log *zap.Logger) *UsageWriter {
	return &UsageWriter{
		Source:    src,
		Usage:     usageRepo,
		Log:       logger.OrNop(log),
		BatchSize: 500,
		BatchWait: time.Second,
	}
}

// Run blocks until ctx is cancelled, then flushes what it holds.
func (w *UsageWriter) Run(ctx context.Context) error {
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.BatchWait <= 0 {
		w.BatchWait = time.Second
	}
	w.Log = logger.OrNop(w.Log)

	msgCh := make(chan kafka.Message, w.BatchSize)
	go fetchLoop(ctx, w.Source, msgCh, w.Log.With(zap.String("worker", "usage")))

	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var (
		events []model.UsageEvent
		msgs   []kafka.Message
	)

	flush := func(ctx context.Context) {
		if len(msgs) == 0 {
			return
		}
		if err := w.Usage.InsertBatch(ctx, events); err != nil {
			// keep the batch; the next tick retries it
			metrics.UsageEvents.WithLabelValues("failed").Add(float64(len(events)))
			w.Log.Error("usage insert failed", zap.Int("events", len(events)), zap.Error(err))
			return
		}
		if err := w.Source.Commit(ctx, msgs...); err != nil {
			w.Log.Warn("usage commit failed", zap.Error(err))
		}
		metrics.UsageEvents.WithLabelValues("stored").Add(float64(len(events)))
		w.Log.Debug("usage flushed", zap.Int("events", len(events)), zap.Int("messages", len(msgs)))
		events = events[:0]
		msgs = msgs[:0]
	}

	shutdown := func() {
		drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		flush(drain)
	}

	for {
		in := (<-chan kafka.Message)(msgCh)
		if len(msgs) >= w.BatchSize {
			// a failed flush is pending; stop reading until it clears
			in = nil
		}

		select {
		case <-ctx.Done():
			shutdown()
			return nil

		case m, ok := <-in:
			if !ok {
				shutdown()
				return nil
			}
			msgs = append(msgs, m)
			var ev model.UsageEvent
			if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RequestID == "" {
				// poison: committed with the batch, never stored
				w.Log.Warn("bad usage event", zap.Int64("offset", m.Offset), zap.Error(err))
			} else {
				events = append(events, ev)
			}
			if len(msgs) >= w.BatchSize {
				flush(ctx)
			}

		case <-tick.C:
			flush(ctx)
		}
	}
}

// fetchLoop feeds out until ctx ends, backing off on fetch errors.
func fetchLoop(ctx context.Context, src Source, out chan<- kafka.Message, log *zap.Logger) {
	defer close(out)
	for {
		m, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
}
