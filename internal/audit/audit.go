// Package audit publishes lifecycle and stock events after the fact.
// Delivery is best effort: a failing sink is logged and never surfaces to
// the operation that produced the event.
package audit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	OrderCreated   = "order.created"
	OrderEdited    = "order.edited"
	OrderCompleted = "order.completed"
	OrderReopened  = "order.reopened"
	OrderCancelled = "order.cancelled"
	OrderDeleted   = "order.deleted"
	ItemCreated    = "item.created"
	ItemReceived   = "item.received"
	ItemDeleted    = "item.deleted"
	ItemResynced   = "item.resynced"
)

const (
	EntityOrder = "order"
	EntityItem  = "item"
)

type Event struct {
	Type       string    `json:"type"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entity_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

type queued struct {
	span  trace.SpanContext
	event Event
}

// Dispatcher hands events to a sink from a single background worker so
// callers never wait on the sink.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan queued, n)
		}
	}
}

func WithPublishTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func NewDispatcher(sink Sink, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: defaultPublishTimeout,
		queue:   make(chan queued, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Publish enqueues e. Events are dropped with a warning when the queue is
// full or the dispatcher is closed.
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("audit event dropped after close", zap.String("type", e.Type), zap.String("entity_id", e.EntityID))
		return
	}
	select {
	case d.queue <- queued{span: trace.SpanContextFromContext(ctx), event: e}:
	default:
		d.logger.Warn("audit queue full, event dropped", zap.String("type", e.Type), zap.String("entity_id", e.EntityID))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for q := range d.queue {
		ctx := trace.ContextWithSpanContext(context.Background(), q.span)
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := d.sink.Publish(ctx, q.event); err != nil {
			d.logger.Error("audit publish failed",
				zap.String("type", q.event.Type),
				zap.String("entity_id", q.event.EntityID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close drains queued events, then closes the sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return d.sink.Close()
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
func (NopSink) Close() error                         { return nil }

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Publish(_ context.Context, e Event) error {
	s.logger.Info("audit event",
		zap.String("type", e.Type),
		zap.String("entity", e.Entity),
		zap.String("entity_id", e.EntityID),
		zap.Time("occurred_at", e.OccurredAt),
		zap.Any("data", e.Data),
	)
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
