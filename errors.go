package idempotency

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingKey is returned when a state-changing request carries no idempotency key
	ErrMissingKey = errors.New("missing idempotency key")

	// ErrInvalidKeyFormat is returned when the key does not match the configured pattern or is too long
	ErrInvalidKeyFormat = errors.New("invalid idempotency key format")

	// ErrConcurrentConflict is returned when another request with the same key is still executing
	ErrConcurrentConflict = errors.New("request with this idempotency key is already in progress")

	// ErrLockInconsistency is returned when the lock is busy but neither a processing marker
	// nor a cached response exists for the key
	ErrLockInconsistency = errors.New("idempotency lock held without processing marker or cached response")

	// ErrPayloadMismatch is returned when payload fingerprinting is enabled and a replay
	// carries a different request than the original
	ErrPayloadMismatch = errors.New("request does not match the original request for this idempotency key")

	// ErrNotFound is returned by a Cache when the key is missing or expired
	ErrNotFound = errors.New("cache entry not found")

	// ErrLockTimeout is returned by a Locker when the wait period elapses
	ErrLockTimeout = errors.New("timed out waiting for lock")
)

// StatusCode maps an engine error to the HTTP status sent to the client
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMissingKey), errors.Is(err, ErrInvalidKeyFormat):
		return http.StatusBadRequest
	case errors.Is(err, ErrConcurrentConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPayloadMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PanicError carries a value recovered from a panicking handler so the engine
// can observe it before the adapter re-panics with the original value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
