package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/partner-gateway/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestProducer_PublishUsage(t *testing.T) {
	fw := &fakeWriter{}
	p := &Producer{w: fw, usageTopic: "partner.usage"}

	err := p.Publish(context.Background(), []model.UsageEvent{
		{RequestID: "req_1", PartnerID: "ptn_a", Endpoint: "/v1/partner"},
		{RequestID: "req_2", PartnerID: "ptn_b", Endpoint: "/v1/usage"},
	})
	require.NoError(t, err)
	require.Len(t, fw.msgs, 2)

	assert.Equal(t, "partner.usage", fw.msgs[0].Topic)
	assert.Equal(t, "ptn_a", string(fw.msgs[0].Key))

	var ev model.UsageEvent
	require.NoError(t, json.Unmarshal(fw.msgs[1].Value, &ev))
	assert.Equal(t, "req_2", ev.RequestID)
	assert.Equal(t, "/v1/usage", ev.Endpoint)
}

func TestProducer_EmptyBatchesAreNoops(t *testing.T) {
	fw := &fakeWriter{err: errors.New("should not be called")}
	p := &Producer{w: fw, usageTopic: "partner.usage"}

	assert.NoError(t, p.Publish(context.Background(), nil))
	assert.NoError(t, p.Send(context.Background()))
}

func TestProducer_SendPropagatesErrors(t *testing.T) {
	fw := &fakeWriter{err: errors.New("leader not available")}
	p := &Producer{w: fw}

	err := p.Send(context.Background(), Message{Topic: "partner.key_events", Value: []byte(`{}`)})
	assert.ErrorIs(t, err, fw.err)

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}
