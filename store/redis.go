package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	idempotency "github.com/AnandSundar/idempotency-guard"
)

// DefaultUpdateRetries bounds optimistic transaction retries in Update
const DefaultUpdateRetries = 100

// compareAndDeleteScript deletes KEYS[1] only if it still holds ARGV[1]. Lock
// release uses it so an expired lease taken over by another holder is never
// released by us.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Redis-backed implementation of idempotency.Store
type RedisStore struct {
	client        redis.UniversalClient
	retryInterval time.Duration
	updateRetries int
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:        client,
		retryInterval: 25 * time.Millisecond,
		updateRetries: DefaultUpdateRetries,
	}
}

// Get retrieves a value from Redis
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value in Redis with TTL
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only if the key does not exist
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Has reports whether the key exists
func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes the key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// CompareAndDelete removes key only if it still holds expected
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Update runs fn inside a WATCH/MULTI transaction, retrying when another
// client modified the key concurrently.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func([]byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.updateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating %s: gave up after %d conflicting attempts", key, s.updateRetries)
}

// Acquire takes a distributed lock with SET NX PX, polling until wait elapses
func (s *RedisStore) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (idempotency.Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		acquired, err := s.client.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if acquired {
			return &redisLock{client: s.client, name: name, token: token}, nil
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

type redisLock struct {
	client redis.UniversalClient
	name   string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	return compareAndDeleteScript.Run(ctx, l.client, []string{l.name}, l.token).Err()
}

var _ idempotency.Store = (*RedisStore)(nil)
