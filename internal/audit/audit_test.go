package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestDispatcher_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, zap.NewNop())

	d.Publish(context.Background(), Event{Type: OrderCreated, EntityID: "order-1"})
	d.Publish(context.Background(), Event{Type: OrderCompleted, EntityID: "order-1"})
	require.NoError(t, d.Close())

	require.Len(t, sink.events, 2)
	assert.Equal(t, OrderCreated, sink.events[0].Type)
	assert.Equal(t, OrderCompleted, sink.events[1].Type)
	assert.True(t, sink.closed)
}

func TestDispatcher_LogsSinkFailures(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(sink, zap.New(core))

	d.Publish(context.Background(), Event{Type: ItemCreated, EntityID: "item-1"})
	require.NoError(t, d.Close())

	failures := logs.FilterMessage("audit publish failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "item-1", failures[0].ContextMap()["entity_id"])
}

func TestDispatcher_DropsAfterClose(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := &recordingSink{}
	d := NewDispatcher(sink, zap.New(core))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	d.Publish(context.Background(), Event{Type: ItemDeleted, EntityID: "item-1"})
	assert.Empty(t, sink.events)
	assert.Equal(t, 1, logs.FilterMessage("audit event dropped after close").Len())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Publish(context.Background(), Event{Type: ItemReceived, EntityID: "item-9", OccurredAt: now}))

	entries := logs.FilterMessage("audit event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "audit", entries[0].LoggerName)
	assert.Equal(t, ItemReceived, entries[0].ContextMap()["type"])
}

type fakeProducer struct {
	msgs   []kafka.Message
	closed bool
}

func (p *fakeProducer) WriteMessage(_ context.Context, msg kafka.Message) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakeProducer) Close() error {
	p.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p)

	e := Event{
		Type:       OrderCancelled,
		EntityID:   "order-7",
		OccurredAt: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		Data:       map[string]any{"status": "cancelled"},
	}
	require.NoError(t, sink.Publish(context.Background(), e))
	require.Len(t, p.msgs, 1)

	msg := p.msgs[0]
	assert.Equal(t, "order-7", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, OrderCancelled, string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, OrderCancelled, decoded["type"])
	assert.Equal(t, "order-7", decoded["entity_id"])

	require.NoError(t, sink.Close())
	assert.True(t, p.closed)
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	_, err := NewKafkaProducer(nil, "stockroom.audit", nil)
	assert.Error(t, err)
}
