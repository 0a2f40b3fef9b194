package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

// DefaultRetryInterval is how often a blocked Acquire retries the lock
const DefaultRetryInterval = 10 * time.Millisecond

// MemoryStore is an in-memory implementation of idempotency.Store.
// It is suitable for tests and single-instance deployments; state is not
// shared across processes.
type MemoryStore struct {
	mu            sync.Mutex
	data          map[string]*entry
	leases        map[string]*lease
	retryInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type lease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		leases:        make(map[string]*lease),
		retryInterval: DefaultRetryInterval,
		done:          make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Get retrieves a live value
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.getLocked(key, time.Now())
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return value, nil
}

// Set stores a value with TTL
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value, ttl, time.Now())
	return nil
}

// SetNX stores a value only if no live value exists
func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if _, ok := s.getLocked(key, now); ok {
		return false, nil
	}
	s.setLocked(key, value, ttl, now)
	return true, nil
}

// Has reports whether a live value exists
func (s *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.getLocked(key, time.Now())
	return ok, nil
}

// Delete removes a value
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// CompareAndDelete removes key if its live value equals expected
func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.getLocked(key, time.Now())
	if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

// Update applies fn to the current value under the store lock
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	current, _ := s.getLocked(key, now)
	next, err := fn(current)
	if err != nil {
		return err
	}
	s.setLocked(key, next, ttl, now)
	return nil
}

// Acquire takes the lease named name, retrying until wait elapses
func (s *MemoryStore) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (idempotency.Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if s.tryAcquire(name, token, ttl) {
			return &memoryLock{store: s, name: name, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, idempotency.ErrLockTimeout
		}

		timer := time.NewTimer(min(s.retryInterval, remaining))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (s *MemoryStore) tryAcquire(name, token string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if l, held := s.leases[name]; held && now.Before(l.expiresAt) {
		return false
	}
	s.leases[name] = &lease{token: token, expiresAt: now.Add(ttl)}
	return true
}

func (s *MemoryStore) release(name, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.leases[name]; held && l.token == token {
		delete(s.leases, name)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) getLocked(key string, now time.Time) ([]byte, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(s.data, key)
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration, now time.Time) {
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.data[key] = e
}

// cleanup periodically removes expired entries and leases
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
	for name, l := range s.leases {
		if !now.Before(l.expiresAt) {
			delete(s.leases, name)
		}
	}
}

type memoryLock struct {
	store *MemoryStore
	name  string
	token string
}

func (l *memoryLock) Release(context.Context) error {
	l.store.release(l.name, l.token)
	return nil
}

var _ idempotency.Store = (*MemoryStore)(nil)
