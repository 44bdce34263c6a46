package locking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tagrader:lock:"

// RedisBackend stores markers as redis keys for deployments that have a
// real coordination service instead of a shared filesystem. SET NX on the
// unit's one key gives the same at-most-one-holder contract as exclusive
// file creation; the holder's identity is the key's value.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an established redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Acquire sets the marker key to holder, failing with ErrHeld when it
// exists. Markers do not expire: a stuck lock is removed by the same
// administrative tools as a stuck marker file.
func (b *RedisBackend) Acquire(ctx context.Context, marker, holder string) error {
	ok, err := b.client.SetNX(ctx, redisKeyPrefix+marker, holder, 0).Result()
	if err != nil {
		return fmt.Errorf("create lock key: %w", err)
	}
	if !ok {
		conflicts.WithLabelValues("redis").Inc()
		return fmt.Errorf("%w: %s", ErrHeld, marker)
	}
	acquisitions.WithLabelValues("redis").Inc()
	return nil
}

// Holder reads the identity recorded under the marker key, or "" when absent.
func (b *RedisBackend) Holder(ctx context.Context, marker string) (string, error) {
	holder, err := b.client.Get(ctx, redisKeyPrefix+marker).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("read lock key: %w", err)
	}
	return holder, nil
}

// Remove deletes the marker key if present.
func (b *RedisBackend) Remove(ctx context.Context, marker string) error {
	if err := b.client.Del(ctx, redisKeyPrefix+marker).Err(); err != nil {
		return fmt.Errorf("remove lock key: %w", err)
	}
	return nil
}

// List returns every marker key.
func (b *RedisBackend) List(ctx context.Context) ([]string, error) {
	var markers []string
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		markers = append(markers, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan lock keys: %w", err)
	}
	return markers, nil
}
