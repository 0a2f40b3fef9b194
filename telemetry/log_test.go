package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLog_RecordsEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)), slog.LevelInfo)
	ctx := context.Background()

	sink.RecordMetric(ctx, idempotency.MetricExecuted, 1)
	sink.RecordTiming(ctx, idempotency.TimingHandler, 10*time.Millisecond)
	sink.RecordSize(ctx, idempotency.SizeResponse, 512)

	lines := logLines(t, &buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "metric", lines[0]["msg"])
	assert.Equal(t, idempotency.MetricExecuted, lines[0]["name"])
	assert.Equal(t, float64(1), lines[0]["value"])
	assert.Equal(t, "telemetry", lines[0]["component"])

	assert.Equal(t, "timing", lines[1]["msg"])
	assert.Equal(t, "size", lines[2]["msg"])
	assert.Equal(t, float64(512), lines[2]["bytes"])
}

func TestLog_SegmentLogsOnEnd(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)), slog.LevelInfo)

	_, seg := sink.StartSegment(context.Background(), "idempotency.process")
	seg.AddContext("key", "abc")
	assert.Empty(t, buf.String())

	seg.End()

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "segment", lines[0]["msg"])
	assert.Equal(t, "idempotency.process", lines[0]["name"])
	assert.Equal(t, "abc", lines[0]["key"])
}

func TestLog_BelowHandlerLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	sink := NewLog(slog.New(handler), slog.LevelDebug)

	sink.RecordMetric(context.Background(), idempotency.MetricCacheHit, 1)
	assert.Empty(t, buf.String())
}

func TestNew_SelectsDriver(t *testing.T) {
	tel, err := New(false, DriverOTel, nil)
	require.NoError(t, err)
	assert.IsType(t, idempotency.NopTelemetry{}, tel)

	tel, err = New(true, DriverOTel, nil)
	require.NoError(t, err)
	assert.IsType(t, &OTel{}, tel)

	tel, err = New(true, DriverLog, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &Log{}, tel)

	_, err = New(true, "statsd", nil)
	assert.Error(t, err)
}
