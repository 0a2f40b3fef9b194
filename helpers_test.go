package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	idempotency "github.com/AnandSundar/idempotency-guard"
	"github.com/AnandSundar/idempotency-guard/store"
)

const (
	testKey      = "a0eebc11-9c0b-4ef8-bb6d-6bb9bd380a11"
	otherTestKey = "b1ffcd22-ad1c-4f09-8c7e-7cc0ce491b22"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []idempotency.Alert
	err    error
}

func (r *recordingAlerts) Emit(_ context.Context, alert idempotency.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingAlerts) ofType(eventType string) []idempotency.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []idempotency.Alert
	for _, a := range r.alerts {
		if a.Type == eventType {
			out = append(out, a)
		}
	}
	return out
}

type recordingTelemetry struct {
	idempotency.NopTelemetry
	mu      sync.Mutex
	metrics map[string]int64
	sizes   map[string]int
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{metrics: map[string]int64{}, sizes: map[string]int{}}
}

func (r *recordingTelemetry) RecordMetric(_ context.Context, name string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] += value
}

func (r *recordingTelemetry) RecordSize(_ context.Context, name string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes[name] = bytes
}

func (r *recordingTelemetry) metric(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics[name]
}

// lockIsFree reports whether the lock for key can be taken immediately
func lockIsFree(t *testing.T, s idempotency.Locker, key string) bool {
	t.Helper()
	ctx := context.Background()
	lock, err := s.Acquire(ctx, key+":lock", time.Second, 0)
	if errors.Is(err, idempotency.ErrLockTimeout) {
		return false
	}
	if err != nil {
		t.Fatalf("acquiring lock: %v", err)
	}
	_ = lock.Release(ctx)
	return true
}
