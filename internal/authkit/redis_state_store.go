package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// RedisStateStore keeps ephemeral auth state in Redis so every instance sees the same records.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore connects to the Redis URL and verifies the connection.
func NewRedisStateStore(ctx context.Context, redisURL string, prefix string) (*RedisStateStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("state_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("state_store.redis.ping: %v: %w", pingErr, ErrStateStoreUnavailable)
	}
	return NewRedisStateStoreWithClient(client, prefix), nil
}

// NewRedisStateStoreWithClient wraps an existing client.
func NewRedisStateStoreWithClient(client redis.UniversalClient, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix}
}

// Client exposes the underlying connection for collaborators sharing the store (revocation checks).
func (store *RedisStateStore) Client() redis.UniversalClient {
	return store.client
}

// Prefix returns the key prefix applied to every key.
func (store *RedisStateStore) Prefix() string {
	return store.prefix
}

// Close releases the connection.
func (store *RedisStateStore) Close() error {
	return store.client.Close()
}

func (store *RedisStateStore) key(key string) string {
	if store.prefix == "" {
		return key
	}
	return store.prefix + ":" + key
}

// Set stores the value with a positive TTL.
func (store *RedisStateStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	if err := store.client.Set(ctx, store.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("state_store.redis.set: %v: %w", err, ErrStateStoreUnavailable)
	}
	return nil
}

// SetForever stores the value without expiry.
func (store *RedisStateStore) SetForever(ctx context.Context, key string, value string) error {
	if err := store.client.Set(ctx, store.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("state_store.redis.set_forever: %v: %w", err, ErrStateStoreUnavailable)
	}
	return nil
}

// Get returns the stored value.
func (store *RedisStateStore) Get(ctx context.Context, key string) (string, error) {
	value, err := store.client.Get(ctx, store.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrStateNotFound
		}
		return "", fmt.Errorf("state_store.redis.get: %v: %w", err, ErrStateStoreUnavailable)
	}
	return value, nil
}

// Take reads and deletes the key with GETDEL.
func (store *RedisStateStore) Take(ctx context.Context, key string) (string, error) {
	value, err := store.client.GetDel(ctx, store.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrStateNotFound
		}
		return "", fmt.Errorf("state_store.redis.take: %v: %w", err, ErrStateStoreUnavailable)
	}
	return value, nil
}

// Delete removes the key.
func (store *RedisStateStore) Delete(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, store.key(key)).Err(); err != nil {
		return fmt.Errorf("state_store.redis.delete: %v: %w", err, ErrStateStoreUnavailable)
	}
	return nil
}

// Exists reports whether the key is present.
func (store *RedisStateStore) Exists(ctx context.Context, key string) (bool, error) {
	count, err := store.client.Exists(ctx, store.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("state_store.redis.exists: %v: %w", err, ErrStateStoreUnavailable)
	}
	return count > 0, nil
}
