// Package telemetry provides the concrete sinks for idempotency engine
// metrics, timings and sizes.
package telemetry

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

// Driver names accepted by New
const (
	DriverOTel = "otel"
	DriverLog  = "log"
)

// New selects a sink. A disabled configuration yields the no-op sink.
func New(enabled bool, driver string, logger *slog.Logger) (idempotency.Telemetry, error) {
	if !enabled {
		return idempotency.NopTelemetry{}, nil
	}
	switch driver {
	case DriverOTel, "":
		return NewOTel(otel.GetTracerProvider(), otel.GetMeterProvider()), nil
	case DriverLog:
		return NewLog(logger, slog.LevelInfo), nil
	default:
		return nil, fmt.Errorf("unknown telemetry driver %q", driver)
	}
}
