package storage

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"
)

// redisKeyPrefix namespaces slots in a shared Redis database.
const redisKeyPrefix = "calendar-connect:"

// RedisBackend stores slots as plain Redis strings via rueidis.
type RedisBackend struct {
	client rueidis.Client
}

// NewRedisBackend creates a new RedisBackend with the provided rueidis client.
func NewRedisBackend(client rueidis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// RedisOptions contains configuration for Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBackendFromOptions connects to Redis with simplified options.
func NewRedisBackendFromOptions(opts RedisOptions) (*RedisBackend, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return NewRedisBackend(client), nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	cmd := r.client.B().Get().Key(redisKeyPrefix + key).Build()
	value, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get slot from redis: %w", err)
	}
	return value, true, nil
}

// SetMulti writes all values with a single MSET, which Redis applies atomically.
func (r *RedisBackend) SetMulti(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	kv := r.client.B().Mset().KeyValue()
	for k, v := range values {
		kv = kv.KeyValue(redisKeyPrefix+k, v)
	}
	if err := r.client.Do(ctx, kv.Build()).Error(); err != nil {
		return fmt.Errorf("failed to save slots to redis: %w", err)
	}
	return nil
}

func (r *RedisBackend) DeleteMulti(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = redisKeyPrefix + k
	}
	cmd := r.client.B().Del().Key(prefixed...).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete slots from redis: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (r *RedisBackend) Close() error {
	r.client.Close()
	return nil
}
