package config

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	idempotency "github.com/AnandSundar/idempotency-guard"
	"github.com/AnandSundar/idempotency-guard/store"
)

// OpenStore connects the configured backend. The returned closer releases
// the backend's resources.
func (c *StoreConfig) OpenStore(ctx context.Context) (idempotency.Store, io.Closer, error) {
	switch c.Driver {
	case "memory":
		s := store.NewMemoryStore()
		return s, s, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", c.Redis.Addr, err)
		}
		return store.NewRedisStore(client), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}
