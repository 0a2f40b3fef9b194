// Package alert provides channels that deliver debounced idempotency alerts.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

// Log writes alerts to a structured logger at warn level
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log channel. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "alerts")}
}

func (l *Log) Emit(ctx context.Context, a idempotency.Alert) error {
	args := []any{
		"type", a.Type,
		"fingerprint", a.Fingerprint,
		"fired_at", a.FiredAt,
	}
	for k, v := range a.Fields {
		args = append(args, k, v)
	}
	for k, v := range a.Details {
		args = append(args, k, v)
	}
	l.logger.WarnContext(ctx, "idempotency alert", args...)
	return nil
}

// DefaultWebhookTimeout bounds a single webhook delivery
const DefaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each alert as JSON to a URL
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook channel. A nil client gets DefaultWebhookTimeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Emit(ctx context.Context, a idempotency.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an alert out to every channel. Delivery continues past
// failures and the joined error is returned.
type Multi []idempotency.AlertChannel

func (m Multi) Emit(ctx context.Context, a idempotency.Alert) error {
	var errs []error
	for _, ch := range m {
		if err := ch.Emit(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ idempotency.AlertChannel = (*Log)(nil)
	_ idempotency.AlertChannel = (*Webhook)(nil)
	_ idempotency.AlertChannel = Multi(nil)
)
