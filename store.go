package idempotency

import (
	"context"
	"net/http"
	"time"
)

// Cache is the shared key-value store backing response entries, processing
// markers, metadata records and alert fingerprints.
// Implementations must be safe for concurrent use across processes.
type Cache interface {
	// Get returns the stored value or ErrNotFound if it is missing or expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL, replacing any existing value
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores a value only if the key is absent. It reports whether the
	// value was written.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Has reports whether a live value exists for key
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes key only while it still holds expected. It
	// reports whether the key was removed.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// Update atomically reads the current value (nil when absent), applies fn
	// and stores the result with the given TTL.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error
}

// Locker hands out per-key mutual-exclusion leases
type Locker interface {
	// Acquire blocks for at most wait trying to take the lease named name.
	// The lease expires on its own after ttl. ErrLockTimeout is returned
	// when the wait period elapses without acquiring it.
	Acquire(ctx context.Context, name string, ttl, wait time.Duration) (Lock, error)
}

// Lock is a held lease
type Lock interface {
	// Release gives the lease back if it is still owned by this holder
	Release(ctx context.Context) error
}

// CachedResponse represents a cached HTTP response
type CachedResponse struct {
	StatusCode  int         `json:"status_code"`
	Headers     http.Header `json:"headers"`
	Body        []byte      `json:"body"`
	Timestamp   time.Time   `json:"timestamp"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

const (
	responseSuffix   = ":response"
	processingSuffix = ":processing"
	metadataSuffix   = ":metadata"
	lockSuffix       = ":lock"
	alertPrefix      = "alert:"
)

type keyspace struct {
	prefix string
}

func (k keyspace) response(key string) string   { return k.prefix + key + responseSuffix }
func (k keyspace) processing(key string) string { return k.prefix + key + processingSuffix }
func (k keyspace) metadata(key string) string   { return k.prefix + key + metadataSuffix }
func (k keyspace) lock(key string) string       { return k.prefix + key + lockSuffix }
func (k keyspace) alert(fingerprint string) string {
	return k.prefix + alertPrefix + fingerprint
}
