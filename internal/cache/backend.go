package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	valuePrefix = "cache:v:"
	tagPrefix   = "cache:t:"
)

// Backend is the raw tagged key/value surface. Values are opaque bytes;
// tags index keys for bulk invalidation.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, keys ...string) error
	InvalidateTags(ctx context.Context, tags []string) (int, error)
}

/*
RedisBackend stores each value under cache:v:<key> with its TTL, and keeps
one set per tag at cache:t:<tag> listing the member keys. Invalidation
unions the tag sets, deletes members and the sets themselves in one
pipeline. Tag sets can hold keys whose values already expired; deleting a
gone key is a no-op, so the index only ever over-approximates.
*/
type RedisBackend struct {
	rdb *redis.Client
}

func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.rdb.Get(ctx, valuePrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, valuePrefix+key, value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagPrefix+tag, key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = valuePrefix + k
	}
	return b.rdb.Del(ctx, full...).Err()
}

func (b *RedisBackend) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	tagKeys := make([]string, len(tags))
	for i, t := range tags {
		tagKeys[i] = tagPrefix + t
	}
	members, err := b.rdb.SUnion(ctx, tagKeys...).Result()
	if err != nil {
		return 0, err
	}
	pipe := b.rdb.TxPipeline()
	for _, m := range members {
		pipe.Del(ctx, valuePrefix+m)
	}
	pipe.Del(ctx, tagKeys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}
