package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conn opens and pings a Redis client.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	return client, nil
}

// RedisStore implements Store on a Redis client with "namespace:key"
// composite keys.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an established client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(namespace, key string) string { return namespace + ":" + key }

func (r *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, redisKey(namespace, key), value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	return r.client.Del(ctx, redisKey(namespace, key)).Err()
}
