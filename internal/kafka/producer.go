package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jmehdipour/partner-gateway/internal/model"
)

type ProducerConfig struct {
	Brokers      []string
	UsageTopic   string
	BatchTimeout time.Duration // default 10ms
	WriteTimeout time.Duration // default 10s
}

// writer is the part of kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes usage batches and relayed outbox events. Messages carry
// their own topic, so one writer serves every topic.
type Producer struct {
	w          writer
	usageTopic string
}

func NewProducer(c ProducerConfig) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(c.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           bt,
			WriteTimeout:           wt,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		usageTopic: c.UsageTopic,
	}
}

// Publish sends usage events keyed by partner so one partner's events stay
// ordered within a partition.
func (p *Producer) Publish(ctx context.Context, events []model.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal usage event %s: %w", ev.RequestID, err)
		}
		msgs = append(msgs, kafka.Message{Topic: p.usageTopic, Key: []byte(ev.PartnerID), Value: b})
	}
	return p.w.WriteMessages(ctx, msgs...)
}

// Send writes pre-encoded messages; each must set Topic.
func (p *Producer) Send(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }
