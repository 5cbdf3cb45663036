// Package usage buffers admitted-request events off the request path and
// ships them in batches to a sink (Kafka in production).
package usage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/model"
)

// Sink receives flushed batches and must not retain the slice. A failed
// batch is logged and dropped.
type Sink interface {
	Publish(ctx context.Context, events []model.UsageEvent) error
}

type Tracker struct {
	sink      Sink
	in        chan model.UsageEvent
	batchSize int
	batchWait time.Duration
	log       *zap.Logger
}

type Option func(*Tracker)

func WithBatch(size int, wait time.Duration) Option {
	return func(t *Tracker) {
		if size > 0 {
			t.batchSize = size
		}
		if wait > 0 {
			t.batchWait = wait
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.log = logger.OrNop(l) } }

func NewTracker(sink Sink, buffer int, opts ...Option) *Tracker {
	if buffer <= 0 {
		buffer = 4096
	}
	t := &Tracker{
		sink:      sink,
		in:        make(chan model.UsageEvent, buffer),
		batchSize: 200,
		batchWait: 500 * time.Millisecond,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record enqueues ev without blocking; when the buffer is full the event is
// dropped and counted.
func (t *Tracker) Record(ev model.UsageEvent) {
	select {
	case t.in <- ev:
		metrics.UsageEvents.WithLabelValues("queued").Inc()
	default:
		metrics.UsageEvents.WithLabelValues("dropped").Inc()
	}
}

// Run flushes by size or every batchWait until ctx is cancelled, then drains
// what is already buffered with a fresh deadline.
func (t *Tracker) Run(ctx context.Context) error {
	tick := time.NewTicker(t.batchWait)
	defer tick.Stop()

	batch := make([]model.UsageEvent, 0, t.batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := t.sink.Publish(ctx, batch); err != nil {
			metrics.UsageEvents.WithLabelValues("failed").Add(float64(len(batch)))
			t.log.Error("usage publish failed", zap.Int("events", len(batch)), zap.Error(err))
		} else {
			metrics.UsageEvents.WithLabelValues("published").Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-t.in:
					batch = append(batch, ev)
					if len(batch) >= t.batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return nil
				}
			}

		case ev := <-t.in:
			batch = append(batch, ev)
			if len(batch) >= t.batchSize {
				flush(ctx)
			}

		case <-tick.C:
			flush(ctx)
		}
	}
}
