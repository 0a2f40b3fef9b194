package idempotency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/AnandSundar/idempotency-guard"
	"github.com/AnandSundar/idempotency-guard/store"
)

func TestAlertDebouncer_SuppressesWithinCooldown(t *testing.T) {
	s := newTestStore(t)
	alerts := &recordingAlerts{}
	d := idempotency.NewAlertDebouncer(s, "", 50*time.Millisecond, alerts)
	ctx := context.Background()
	fields := map[string]string{"key": testKey}

	fired, err := d.MaybeFire(ctx, idempotency.EventReplayThreshold, fields)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = d.MaybeFire(ctx, idempotency.EventReplayThreshold, fields)
	require.NoError(t, err)
	assert.False(t, fired)

	time.Sleep(80 * time.Millisecond)

	fired, err = d.MaybeFire(ctx, idempotency.EventReplayThreshold, fields)
	require.NoError(t, err)
	assert.True(t, fired)

	assert.Len(t, alerts.ofType(idempotency.EventReplayThreshold), 2)
}

func TestAlertDebouncer_CooldownWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	alerts := &recordingAlerts{}
	d := idempotency.NewAlertDebouncer(store.NewRedisStore(client), "app:", time.Hour, alerts)
	ctx := context.Background()
	fields := map[string]string{"key": testKey, "endpoint": "/pay"}

	_, err = d.MaybeFire(ctx, idempotency.EventConcurrentConflict, fields)
	require.NoError(t, err)
	_, err = d.MaybeFire(ctx, idempotency.EventConcurrentConflict, fields)
	require.NoError(t, err)
	assert.Len(t, alerts.ofType(idempotency.EventConcurrentConflict), 1)

	fp := idempotency.Fingerprint(idempotency.EventConcurrentConflict, fields)
	assert.True(t, mr.Exists("app:alert:"+fp))

	mr.FastForward(61 * time.Minute)

	fired, err := d.MaybeFire(ctx, idempotency.EventConcurrentConflict, fields)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Len(t, alerts.ofType(idempotency.EventConcurrentConflict), 2)
}

func TestAlertDebouncer_DistinctContextsFireSeparately(t *testing.T) {
	s := newTestStore(t)
	alerts := &recordingAlerts{}
	d := idempotency.NewAlertDebouncer(s, "", time.Hour, alerts)
	ctx := context.Background()

	_, err := d.MaybeFire(ctx, idempotency.EventReplayThreshold, map[string]string{"key": testKey})
	require.NoError(t, err)
	_, err = d.MaybeFire(ctx, idempotency.EventReplayThreshold, map[string]string{"key": otherTestKey})
	require.NoError(t, err)
	_, err = d.MaybeFire(ctx, idempotency.EventLockInconsistency, map[string]string{"key": testKey})
	require.NoError(t, err)

	assert.Len(t, alerts.ofType(idempotency.EventReplayThreshold), 2)
	assert.Len(t, alerts.ofType(idempotency.EventLockInconsistency), 1)
}

func TestAlertDebouncer_DetailsDoNotAffectFingerprint(t *testing.T) {
	s := newTestStore(t)
	alerts := &recordingAlerts{}
	d := idempotency.NewAlertDebouncer(s, "", time.Hour, alerts)
	ctx := context.Background()
	fields := map[string]string{"key": testKey, "error_type": "*net.OpError"}

	fired, err := d.MaybeFireWithDetails(ctx, idempotency.EventHandlerError, fields, map[string]string{"error": "dial tcp 10.0.0.1:443"})
	require.NoError(t, err)
	assert.True(t, fired)
	fired, err = d.MaybeFireWithDetails(ctx, idempotency.EventHandlerError, fields, map[string]string{"error": "dial tcp 10.0.0.2:443"})
	require.NoError(t, err)
	assert.False(t, fired)

	got := alerts.ofType(idempotency.EventHandlerError)
	require.Len(t, got, 1)
	assert.Equal(t, idempotency.Fingerprint(idempotency.EventHandlerError, fields), got[0].Fingerprint)
	assert.Equal(t, "dial tcp 10.0.0.1:443", got[0].Details["error"])
}

func TestAlertDebouncer_FailedEmitDoesNotSuppress(t *testing.T) {
	s := newTestStore(t)
	alerts := &recordingAlerts{err: errors.New("webhook down")}
	d := idempotency.NewAlertDebouncer(s, "", time.Hour, alerts)
	ctx := context.Background()

	fired, err := d.MaybeFire(ctx, idempotency.EventHandlerError, nil)
	assert.Error(t, err)
	assert.False(t, fired)

	alerts.err = nil
	fired, err = d.MaybeFire(ctx, idempotency.EventHandlerError, nil)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestFingerprint_IgnoresFieldOrder(t *testing.T) {
	a := idempotency.Fingerprint("x", map[string]string{"a": "1", "b": "2"})
	b := idempotency.Fingerprint("x", map[string]string{"b": "2", "a": "1"})
	c := idempotency.Fingerprint("y", map[string]string{"a": "1", "b": "2"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
