package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

func setupOTel(t *testing.T) (*OTel, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		mp.Shutdown(context.Background())
	})

	return NewOTel(tp, mp), spans, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestOTel_SegmentBecomesSpan(t *testing.T) {
	o, spans, _ := setupOTel(t)

	_, seg := o.StartSegment(context.Background(), "idempotency.process")
	seg.AddContext("key", "abc")
	seg.AddContext("late", true)
	seg.AddContext("hits", int64(3))
	seg.End()

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "idempotency.process", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("key", "abc"))
	assert.Contains(t, ended[0].Attributes(), attribute.Bool("late", true))
	assert.Contains(t, ended[0].Attributes(), attribute.Int64("hits", 3))
}

func TestOTel_MetricsAccumulate(t *testing.T) {
	o, _, reader := setupOTel(t)
	ctx := context.Background()

	o.RecordMetric(ctx, idempotency.MetricCacheHit, 1)
	o.RecordMetric(ctx, idempotency.MetricCacheHit, 1)
	o.RecordMetric(ctx, idempotency.MetricExecuted, 1)

	data := collect(t, reader)

	hits, ok := data[idempotency.MetricCacheHit].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, hits.DataPoints, 1)
	assert.Equal(t, int64(2), hits.DataPoints[0].Value)

	executed, ok := data[idempotency.MetricExecuted].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), executed.DataPoints[0].Value)
}

func TestOTel_TimingsAndSizes(t *testing.T) {
	o, _, reader := setupOTel(t)
	ctx := context.Background()

	o.RecordTiming(ctx, idempotency.TimingHandler, 250*time.Millisecond)
	o.RecordSize(ctx, idempotency.SizeResponse, 2048)
	o.RecordSize(ctx, idempotency.SizeResponse, 1024)

	data := collect(t, reader)

	timing, ok := data[idempotency.TimingHandler].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, timing.DataPoints, 1)
	assert.Equal(t, uint64(1), timing.DataPoints[0].Count)
	assert.InDelta(t, 0.25, timing.DataPoints[0].Sum, 0.0001)

	size, ok := data[idempotency.SizeResponse].(metricdata.Histogram[int64])
	require.True(t, ok)
	assert.Equal(t, uint64(2), size.DataPoints[0].Count)
	assert.Equal(t, int64(3072), size.DataPoints[0].Sum)
}

func TestAttributeFor_FallsBackToString(t *testing.T) {
	kv := attributeFor("d", 3*time.Second)
	assert.Equal(t, attribute.String("d", "3s"), kv)
}
