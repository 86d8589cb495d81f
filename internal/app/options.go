package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/audit"
	"github.com/cimillas/stockroom/internal/metrics"
)

const defaultCompensationTimeout = 10 * time.Second

type options struct {
	logger              *zap.Logger
	metrics             *metrics.Metrics
	audit               audit.Publisher
	tracer              trace.Tracer
	compensationTimeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:              zap.NewNop(),
		audit:               nopPublisher{},
		tracer:              otel.Tracer("github.com/cimillas/stockroom/internal/app"),
		compensationTimeout: defaultCompensationTimeout,
	}
}

// Option configures OrderService and ItemService.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithAudit(p audit.Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.audit = p
		}
	}
}

// WithCompensationTimeout bounds how long undoing a failed transition may
// take once the caller's context is gone.
func WithCompensationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.compensationTimeout = d
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, audit.Event) {}
