package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the concierge instruments.
type Metrics struct {
	EventsEnqueued   metric.Int64Counter
	EventsProcessed  metric.Int64Counter
	EventsFailed     metric.Int64Counter
	DrainDuration    metric.Float64Histogram
	LockBusy         metric.Int64Counter
	LoopSteps        metric.Int64Histogram
	ActionDuration   metric.Float64Histogram
	ActionErrors     metric.Int64Counter
	OracleDuration   metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EventsEnqueued, err = meter.Int64Counter("concierge.events.enqueued",
		metric.WithDescription("Events appended to identity queues"),
	); err != nil {
		return nil, err
	}
	if m.EventsProcessed, err = meter.Int64Counter("concierge.events.processed",
		metric.WithDescription("Events dequeued and processed without error"),
	); err != nil {
		return nil, err
	}
	if m.EventsFailed, err = meter.Int64Counter("concierge.events.failed",
		metric.WithDescription("Events whose processing failed"),
	); err != nil {
		return nil, err
	}
	if m.DrainDuration, err = meter.Float64Histogram("concierge.drain.duration",
		metric.WithDescription("Queue drain duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LockBusy, err = meter.Int64Counter("concierge.lock.busy",
		metric.WithDescription("Drain attempts that found the identity lock held"),
	); err != nil {
		return nil, err
	}
	if m.LoopSteps, err = meter.Int64Histogram("concierge.loop.steps",
		metric.WithDescription("Oracle steps taken per orchestration loop"),
	); err != nil {
		return nil, err
	}
	if m.ActionDuration, err = meter.Float64Histogram("concierge.action.duration",
		metric.WithDescription("External action duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ActionErrors, err = meter.Int64Counter("concierge.action.errors",
		metric.WithDescription("External action failures"),
	); err != nil {
		return nil, err
	}
	if m.OracleDuration, err = meter.Float64Histogram("concierge.oracle.duration",
		metric.WithDescription("Decision oracle call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("concierge.ratelimit.rejects",
		metric.WithDescription("Inbound submissions rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

// Since records the seconds elapsed from start on h.
func Since(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
