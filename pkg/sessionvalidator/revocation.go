package sessionvalidator

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "BL:"

// RedisRevocationList reads the logout blacklist written by the auth service into a shared Redis.
// The prefix must match the one the auth service was started with.
type RedisRevocationList struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRevocationList wraps a client and key prefix.
func NewRedisRevocationList(client redis.UniversalClient, prefix string) *RedisRevocationList {
	return &RedisRevocationList{client: client, prefix: prefix}
}

// IsRevoked reports whether a blacklist entry exists for the token.
func (list *RedisRevocationList) IsRevoked(ctx context.Context, accessToken string) (bool, error) {
	key := blacklistKeyPrefix + accessToken
	if list.prefix != "" {
		key = list.prefix + ":" + key
	}
	count, err := list.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("session.validator.revocation.exists: %w", err)
	}
	return count > 0, nil
}
