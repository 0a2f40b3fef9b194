package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

// Log writes every event as a structured log line
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLog creates a sink logging at level
func NewLog(logger *slog.Logger, level slog.Level) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "telemetry"), level: level}
}

func (l *Log) StartSegment(ctx context.Context, name string) (context.Context, idempotency.Segment) {
	return ctx, &logSegment{sink: l, ctx: ctx, name: name, started: time.Now()}
}

func (l *Log) RecordMetric(ctx context.Context, name string, value int64) {
	l.logger.Log(ctx, l.level, "metric", "name", name, "value", value)
}

func (l *Log) RecordTiming(ctx context.Context, name string, d time.Duration) {
	l.logger.Log(ctx, l.level, "timing", "name", name, "duration", d)
}

func (l *Log) RecordSize(ctx context.Context, name string, bytes int) {
	l.logger.Log(ctx, l.level, "size", "name", name, "bytes", bytes)
}

type logSegment struct {
	sink    *Log
	ctx     context.Context
	name    string
	started time.Time

	mu    sync.Mutex
	attrs []any
}

func (s *logSegment) AddContext(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = append(s.attrs, key, value)
}

func (s *logSegment) End() {
	s.mu.Lock()
	args := append([]any{"name", s.name, "duration", time.Since(s.started)}, s.attrs...)
	s.mu.Unlock()
	s.sink.logger.Log(s.ctx, s.sink.level, "segment", args...)
}

var _ idempotency.Telemetry = (*Log)(nil)
