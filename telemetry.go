package idempotency

import (
	"context"
	"time"
)

// Telemetry event names emitted by the engine
const (
	MetricSkipped           = "idempotency.skipped"
	MetricError             = "idempotency.error"
	MetricCacheHit          = "idempotency.cache_hit"
	MetricExecuted          = "idempotency.executed"
	MetricConflict          = "idempotency.conflict"
	MetricLockInconsistency = "idempotency.lock_inconsistency"
	MetricHandlerError      = "idempotency.handler_error"

	TimingOriginalAge = "idempotency.original_age"
	TimingLockWait    = "idempotency.lock_wait"
	TimingHandler     = "idempotency.handler"

	SizeResponse = "idempotency.response"
)

// Telemetry receives metrics, timings and sizes from the engine.
// A sink must tolerate being called from many goroutines.
type Telemetry interface {
	StartSegment(ctx context.Context, name string) (context.Context, Segment)
	RecordMetric(ctx context.Context, name string, value int64)
	RecordTiming(ctx context.Context, name string, d time.Duration)
	RecordSize(ctx context.Context, name string, bytes int)
}

// Segment is one timed unit of work
type Segment interface {
	AddContext(key string, value any)
	End()
}

// NopTelemetry discards everything. It is used when telemetry is disabled.
type NopTelemetry struct{}

func (NopTelemetry) StartSegment(ctx context.Context, _ string) (context.Context, Segment) {
	return ctx, nopSegment{}
}

func (NopTelemetry) RecordMetric(context.Context, string, int64)         {}
func (NopTelemetry) RecordTiming(context.Context, string, time.Duration) {}
func (NopTelemetry) RecordSize(context.Context, string, int)             {}

type nopSegment struct{}

func (nopSegment) AddContext(string, any) {}
func (nopSegment) End()                   {}
