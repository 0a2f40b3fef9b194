package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

const instrumentationName = "github.com/AnandSundar/idempotency-guard"

// OTel reports segments as spans and metrics as OpenTelemetry instruments.
// Instruments are created lazily, one per name.
type OTel struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	timings  map[string]metric.Float64Histogram
	sizes    map[string]metric.Int64Histogram
}

// NewOTel creates a sink over the given providers
func NewOTel(tp trace.TracerProvider, mp metric.MeterProvider) *OTel {
	return &OTel{
		tracer:   tp.Tracer(instrumentationName),
		meter:    mp.Meter(instrumentationName),
		counters: make(map[string]metric.Int64Counter),
		timings:  make(map[string]metric.Float64Histogram),
		sizes:    make(map[string]metric.Int64Histogram),
	}
}

func (o *OTel) StartSegment(ctx context.Context, name string) (context.Context, idempotency.Segment) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSegment{span: span}
}

func (o *OTel) RecordMetric(ctx context.Context, name string, value int64) {
	o.counter(name).Add(ctx, value)
}

func (o *OTel) RecordTiming(ctx context.Context, name string, d time.Duration) {
	o.timing(name).Record(ctx, d.Seconds())
}

func (o *OTel) RecordSize(ctx context.Context, name string, bytes int) {
	o.size(name).Record(ctx, int64(bytes))
}

func (o *OTel) counter(name string) metric.Int64Counter {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.counters[name]; ok {
		return c
	}
	c, err := o.meter.Int64Counter(name)
	if err != nil {
		c = noop.Int64Counter{}
	}
	o.counters[name] = c
	return c
}

func (o *OTel) timing(name string) metric.Float64Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.timings[name]; ok {
		return h
	}
	h, err := o.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		h = noop.Float64Histogram{}
	}
	o.timings[name] = h
	return h
}

func (o *OTel) size(name string) metric.Int64Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.sizes[name]; ok {
		return h
	}
	h, err := o.meter.Int64Histogram(name, metric.WithUnit("By"))
	if err != nil {
		h = noop.Int64Histogram{}
	}
	o.sizes[name] = h
	return h
}

type otelSegment struct {
	span trace.Span
}

func (s *otelSegment) AddContext(key string, value any) {
	s.span.SetAttributes(attributeFor(key, value))
}

func (s *otelSegment) End() {
	s.span.End()
}

func attributeFor(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

var _ idempotency.Telemetry = (*OTel)(nil)
