package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the value of the Idempotency-Status response header
type Status string

const (
	// StatusOriginal marks a response produced by executing the handler
	StatusOriginal Status = "Original"
	// StatusRepeated marks a response replayed from the cache
	StatusRepeated Status = "Repeated"
)

// Store is a shared backend providing both the cache and the lock primitives
type Store interface {
	Cache
	Locker
}

// Request describes one inbound request to deduplicate
type Request struct {
	Key            string
	Method         string
	Endpoint       string
	ClientIdentity string
	ClientIP       string
	// Fingerprint identifies the payload. It is only compared when payload
	// fingerprinting is enabled.
	Fingerprint string
}

// HandlerFunc runs the protected operation. A returned error is propagated
// to the caller unchanged and the response is never cached.
type HandlerFunc func(ctx context.Context) (*CachedResponse, error)

// Result is the outcome of a request that did not fail
type Result struct {
	Response *CachedResponse
	Status   Status
	// Late is set when the cached response was found only after waiting on the lock
	Late bool
	// Metadata is the post-increment usage record on a replay
	Metadata *Metadata
}

// Engine runs the cache-lookup, lock, execute, cache-store protocol.
// It holds no shared mutable state of its own; all coordination goes through the Store.
type Engine struct {
	cfg       *Config
	store     Store
	keys      keyspace
	validator *Validator
	metadata  *MetadataTracker
	alerts    *AlertDebouncer
	log       *slog.Logger
	telemetry Telemetry
}

// NewEngine creates an engine over store
func NewEngine(store Store, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = NopTelemetry{}
	}
	if cfg.Alerts == nil {
		cfg.Alerts = nopAlerts{}
	}
	if cfg.ClientIdentity == nil {
		cfg.ClientIdentity = defaultConfig().ClientIdentity
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		keys:      keyspace{prefix: cfg.Prefix},
		validator: NewValidator(cfg),
		metadata:  NewMetadataTracker(store, cfg.Prefix, cfg.TTL),
		alerts:    NewAlertDebouncer(store, cfg.Prefix, cfg.AlertCooldown, cfg.Alerts),
		log:       cfg.Logger.With("component", "idempotency"),
		telemetry: cfg.Telemetry,
	}
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() Config {
	return *e.cfg
}

// Metadata returns the engine's usage tracker
func (e *Engine) Metadata() *MetadataTracker {
	return e.metadata
}

// Process deduplicates req, invoking handler only if no response is cached
// and this request wins the lock for its key.
func (e *Engine) Process(ctx context.Context, req Request, handler HandlerFunc) (*Result, error) {
	ctx, seg := e.telemetry.StartSegment(ctx, "idempotency.process")
	defer seg.End()
	seg.AddContext("key", req.Key)
	seg.AddContext("endpoint", req.Endpoint)

	if res, err := e.lookup(ctx, req, false); res != nil || err != nil {
		return res, err
	}

	// the wait is a hard timeout; client cancellation must not cut it short
	started := time.Now()
	lock, err := e.store.Acquire(context.WithoutCancel(ctx), e.keys.lock(req.Key), e.cfg.LockTimeout, e.cfg.LockWait)
	e.telemetry.RecordTiming(ctx, TimingLockWait, time.Since(started))
	if errors.Is(err, ErrLockTimeout) {
		return e.resolveContention(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	return e.execute(ctx, req, lock, handler)
}

// lookup replays the cached response for req if there is one
func (e *Engine) lookup(ctx context.Context, req Request, late bool) (*Result, error) {
	data, err := e.store.Get(ctx, e.keys.response(req.Key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached response: %w", err)
	}

	var cached CachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("decoding cached response: %w", err)
	}

	if e.cfg.FingerprintPayload && cached.Fingerprint != "" && req.Fingerprint != cached.Fingerprint {
		e.log.Warn("idempotency key reused with a different payload", "key", req.Key, "endpoint", req.Endpoint)
		e.telemetry.RecordMetric(ctx, MetricError, 1)
		return nil, ErrPayloadMismatch
	}

	md, err := e.metadata.RecordHit(ctx, req.Key)
	if err != nil {
		e.log.Warn("failed to record cache hit", "key", req.Key, "error", err)
	} else if e.cfg.AlertThreshold > 0 && md.HitCount == int64(e.cfg.AlertThreshold) {
		e.alert(ctx, EventReplayThreshold, map[string]string{
			"key":      req.Key,
			"endpoint": req.Endpoint,
		}, nil)
	}

	e.telemetry.RecordMetric(ctx, MetricCacheHit, 1)
	if !cached.Timestamp.IsZero() {
		e.telemetry.RecordTiming(ctx, TimingOriginalAge, time.Since(cached.Timestamp))
	}
	e.log.Debug("replaying cached response", "key", req.Key, "endpoint", req.Endpoint, "late", late)

	return &Result{
		Response: &cached,
		Status:   StatusRepeated,
		Late:     late,
		Metadata: md,
	}, nil
}

// resolveContention decides the outcome for a request that could not get the lock
func (e *Engine) resolveContention(ctx context.Context, req Request) (*Result, error) {
	// a completed result is authoritative over an in-flight marker
	if res, err := e.lookup(ctx, req, true); res != nil || err != nil {
		return res, err
	}

	inFlight, err := e.store.Has(ctx, e.keys.processing(req.Key))
	if err != nil {
		return nil, fmt.Errorf("checking processing marker: %w", err)
	}

	if inFlight {
		return nil, e.conflict(ctx, req)
	}

	e.log.Error("lock busy without processing marker or cached response", "key", req.Key, "endpoint", req.Endpoint)
	e.telemetry.RecordMetric(ctx, MetricLockInconsistency, 1)
	e.alert(ctx, EventLockInconsistency, map[string]string{"key": req.Key, "endpoint": req.Endpoint}, nil)
	return nil, ErrLockInconsistency
}

// conflict records that another execution for req's key is still in flight
func (e *Engine) conflict(ctx context.Context, req Request) error {
	e.log.Info("concurrent request detected", "key", req.Key, "endpoint", req.Endpoint)
	e.telemetry.RecordMetric(ctx, MetricConflict, 1)
	e.alert(ctx, EventConcurrentConflict, map[string]string{"key": req.Key, "endpoint": req.Endpoint}, nil)
	return ErrConcurrentConflict
}

// execute runs handler while holding lock. The lock is released and the
// processing marker this execution wrote is removed on every return path,
// including panics.
func (e *Engine) execute(ctx context.Context, req Request, lock Lock, handler HandlerFunc) (*Result, error) {
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := lock.Release(cleanupCtx); err != nil {
			e.log.Error("failed to release lock", "key", req.Key, "error", err)
		}
	}()

	// the previous holder may have finished between our lookup and acquiring the lock
	if res, err := e.lookup(ctx, req, true); res != nil || err != nil {
		return res, err
	}

	// a live marker means an earlier holder outlived its lease and is still running
	marker := []byte(uuid.NewString())
	claimed, err := e.store.SetNX(ctx, e.keys.processing(req.Key), marker, e.cfg.ProcessingTTL)
	if err != nil {
		return nil, fmt.Errorf("writing processing marker: %w", err)
	}
	if !claimed {
		return nil, e.conflict(ctx, req)
	}
	defer func() {
		if _, err := e.store.CompareAndDelete(cleanupCtx, e.keys.processing(req.Key), marker); err != nil {
			e.log.Error("failed to clear processing marker", "key", req.Key, "error", err)
		}
	}()

	if _, err := e.metadata.RecordFirstExecution(ctx, req.Key, req.Endpoint, req.ClientIdentity, req.ClientIP); err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := handler(ctx)
	e.telemetry.RecordTiming(ctx, TimingHandler, time.Since(started))
	if err != nil {
		e.log.Error("handler failed", "key", req.Key, "endpoint", req.Endpoint, "error", err)
		e.telemetry.RecordMetric(ctx, MetricHandlerError, 1)
		e.alert(ctx, EventHandlerError, map[string]string{
			"key":        req.Key,
			"endpoint":   req.Endpoint,
			"error_type": fmt.Sprintf("%T", err),
		}, map[string]string{"error": err.Error()})
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("handler for %s returned no response", req.Endpoint)
	}

	e.telemetry.RecordMetric(ctx, MetricExecuted, 1)
	resp.Timestamp = time.Now().UTC()
	resp.Fingerprint = req.Fingerprint

	if isSuccess(resp.StatusCode) {
		if err := e.storeResponse(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	return &Result{Response: resp, Status: StatusOriginal}, nil
}

// storeResponse writes the cache entry once; an existing entry is never replaced
func (e *Engine) storeResponse(ctx context.Context, req Request, resp *CachedResponse) error {
	size := len(resp.Body)
	e.telemetry.RecordSize(ctx, SizeResponse, size)
	if e.cfg.SizeWarning > 0 && size > e.cfg.SizeWarning {
		e.alert(ctx, EventResponseSize, map[string]string{
			"key":      req.Key,
			"endpoint": req.Endpoint,
			"bytes":    strconv.Itoa(size),
		}, nil)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	stored, err := e.store.SetNX(ctx, e.keys.response(req.Key), data, e.cfg.TTL)
	if err != nil {
		return fmt.Errorf("caching response: %w", err)
	}
	if !stored {
		e.log.Warn("response already cached, keeping the original", "key", req.Key)
	}
	return nil
}

// alert fires eventType debounced on fields; details travel with the alert
// but do not affect its fingerprint
func (e *Engine) alert(ctx context.Context, eventType string, fields, details map[string]string) {
	if _, err := e.alerts.MaybeFireWithDetails(context.WithoutCancel(ctx), eventType, fields, details); err != nil {
		e.log.Error("failed to fire alert", "type", eventType, "error", err)
	}
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
