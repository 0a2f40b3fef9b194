package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Alert event types raised by the engine
const (
	EventReplayThreshold    = "replay_threshold"
	EventConcurrentConflict = "concurrent_conflict"
	EventLockInconsistency  = "lock_inconsistency"
	EventHandlerError       = "handler_error"
	EventResponseSize       = "response_size"
)

// Alert is a notification about an anomalous pattern
type Alert struct {
	Type        string            `json:"type"`
	Fields      map[string]string `json:"fields"`
	Details     map[string]string `json:"details,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	FiredAt     time.Time         `json:"fired_at"`
}

// AlertChannel delivers fired alerts
type AlertChannel interface {
	Emit(ctx context.Context, alert Alert) error
}

type nopAlerts struct{}

func (nopAlerts) Emit(context.Context, Alert) error { return nil }

// AlertDebouncer lets at most one alert per fingerprint through per cooldown window
type AlertDebouncer struct {
	cache    Cache
	keys     keyspace
	cooldown time.Duration
	channel  AlertChannel
	now      func() time.Time
}

// NewAlertDebouncer returns a debouncer recording fingerprints in cache
func NewAlertDebouncer(cache Cache, prefix string, cooldown time.Duration, channel AlertChannel) *AlertDebouncer {
	return &AlertDebouncer{
		cache:    cache,
		keys:     keyspace{prefix: prefix},
		cooldown: cooldown,
		channel:  channel,
		now:      time.Now,
	}
}

// MaybeFire emits the alert unless an identical one was emitted within the
// cooldown window. It reports whether the alert was delivered.
func (d *AlertDebouncer) MaybeFire(ctx context.Context, eventType string, fields map[string]string) (bool, error) {
	return d.MaybeFireWithDetails(ctx, eventType, fields, nil)
}

// MaybeFireWithDetails is MaybeFire with extra context that is delivered but
// left out of the fingerprint, such as error messages carrying unique ids.
func (d *AlertDebouncer) MaybeFireWithDetails(ctx context.Context, eventType string, fields, details map[string]string) (bool, error) {
	fp := Fingerprint(eventType, fields)
	claimed, err := d.cache.SetNX(ctx, d.keys.alert(fp), []byte{1}, d.cooldown)
	if err != nil {
		return false, fmt.Errorf("claiming alert fingerprint: %w", err)
	}
	if !claimed {
		return false, nil
	}

	alert := Alert{
		Type:        eventType,
		Fields:      fields,
		Details:     details,
		Fingerprint: fp,
		FiredAt:     d.now().UTC(),
	}
	if err := d.channel.Emit(ctx, alert); err != nil {
		// undelivered alerts must not suppress the next occurrence
		_ = d.cache.Delete(ctx, d.keys.alert(fp))
		return false, fmt.Errorf("emitting %s alert: %w", eventType, err)
	}
	return true, nil
}

// Fingerprint hashes an event type and its context fields, independent of map order
func Fingerprint(eventType string, fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(eventType)
	for _, k := range names {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
