package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"sessions/internal/backend"
)

// InstrumentedBackend wraps a backend.Backend with OpenTelemetry tracing and
// metrics instrumentation: a span per operation, an operation latency
// histogram and an error counter.
type InstrumentedBackend struct {
	inner    backend.Backend
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedBackend creates a backend wrapper that records trace spans,
// operation latency histograms, and error counters for every backend call.
func NewInstrumentedBackend(inner backend.Backend) (*InstrumentedBackend, error) {
	tracer := otel.Tracer("sessions/backend")
	meter := otel.Meter("sessions/backend")

	duration, err := meter.Float64Histogram(
		"backend.operation.duration",
		metric.WithDescription("Duration of backend operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"backend.operation.errors",
		metric.WithDescription("Number of backend operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedBackend{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (b *InstrumentedBackend) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "backend."+operation,
		trace.WithAttributes(attribute.String("backend.operation", operation)),
	)
}

func (b *InstrumentedBackend) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	b.duration.Record(ctx, elapsed, attrs)
	if err != nil {
		b.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (b *InstrumentedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := b.startSpan(ctx, "get")
	start := time.Now()
	value, ok, err := b.inner.Get(ctx, key)
	b.record(ctx, span, "get", start, err)
	return value, ok, err
}

func (b *InstrumentedBackend) Set(ctx context.Context, key string, value []byte, ttl float64) error {
	ctx, span := b.startSpan(ctx, "set")
	start := time.Now()
	err := b.inner.Set(ctx, key, value, ttl)
	b.record(ctx, span, "set", start, err)
	return err
}

func (b *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	ctx, span := b.startSpan(ctx, "delete")
	start := time.Now()
	err := b.inner.Delete(ctx, key)
	b.record(ctx, span, "delete", start, err)
	return err
}

func (b *InstrumentedBackend) Incr(ctx context.Context, key string, delta int64, ttl float64) (int64, error) {
	ctx, span := b.startSpan(ctx, "incr")
	start := time.Now()
	n, err := b.inner.Incr(ctx, key, delta, ttl)
	b.record(ctx, span, "incr", start, err)
	return n, err
}

func (b *InstrumentedBackend) ZAdd(ctx context.Context, key string, score float64, member string, ttl float64) error {
	ctx, span := b.startSpan(ctx, "zadd")
	start := time.Now()
	err := b.inner.ZAdd(ctx, key, score, member, ttl)
	b.record(ctx, span, "zadd", start, err)
	return err
}

func (b *InstrumentedBackend) ZRemRangeByScore(ctx context.Context, key string, lo, hi float64) (int64, error) {
	ctx, span := b.startSpan(ctx, "zremrangebyscore")
	start := time.Now()
	n, err := b.inner.ZRemRangeByScore(ctx, key, lo, hi)
	b.record(ctx, span, "zremrangebyscore", start, err)
	return n, err
}

func (b *InstrumentedBackend) ZCount(ctx context.Context, key string, lo, hi float64) (int64, error) {
	ctx, span := b.startSpan(ctx, "zcount")
	start := time.Now()
	n, err := b.inner.ZCount(ctx, key, lo, hi)
	b.record(ctx, span, "zcount", start, err)
	return n, err
}

func (b *InstrumentedBackend) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	ctx, span := b.startSpan(ctx, "zminscore")
	start := time.Now()
	score, ok, err := b.inner.ZMinScore(ctx, key)
	b.record(ctx, span, "zminscore", start, err)
	return score, ok, err
}

func (b *InstrumentedBackend) CAS(ctx context.Context, key string, expected, replacement []byte, ttl float64) (bool, error) {
	ctx, span := b.startSpan(ctx, "cas")
	start := time.Now()
	swapped, err := b.inner.CAS(ctx, key, expected, replacement, ttl)
	b.record(ctx, span, "cas", start, err)
	return swapped, err
}

func (b *InstrumentedBackend) Clear(ctx context.Context, prefix string) error {
	ctx, span := b.startSpan(ctx, "clear")
	start := time.Now()
	err := b.inner.Clear(ctx, prefix)
	b.record(ctx, span, "clear", start, err)
	return err
}

func (b *InstrumentedBackend) Close() error {
	return b.inner.Close()
}
