package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Producer is the part of a kafka writer the sink uses.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(p Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

// Publish writes e as JSON keyed by entity id, so events for one order or
// item land on the same partition.
func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.EntityID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := s.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// NewKafkaProducer builds a traced writer for topic. Trace context travels in
// message headers.
func NewKafkaProducer(brokers []string, topic string, tp trace.TracerProvider) (Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	base := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	w, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			semconv.MessagingDestinationNameKey.String(topic),
			attribute.String("messaging.kafka.client_id", "stockroom"),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka writer: %w", err)
	}
	return w, nil
}
