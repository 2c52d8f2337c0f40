package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tmardale/coursehub-backend/internal/config"
)

// RateLimiter answers whether one more execution under key may proceed
// now, and if not, how long to wait.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

/*
RedisRateLimiter keeps a rolling window per key in a sorted set scored by
unix nanos. Members older than the window are dropped on every check, so
the cardinality of the set is the live count. Limits come from config;
keys with no configured limit are never throttled.
*/
type RedisRateLimiter struct {
	rdb    *redis.Client
	limits config.RateLimits
}

func NewRedisRateLimiter(rdb *redis.Client, limits config.RateLimits) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, limits: limits}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	lim, ok := l.limits[key]
	if !ok || lim.Limit <= 0 {
		return true, 0, nil
	}
	now := time.Now()
	zkey := "rate:" + key
	cutoff := now.Add(-lim.Window.Std()).UnixNano()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, zkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	if card.Val() >= int64(lim.Limit) {
		return false, lim.Window.Std(), nil
	}

	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	pipe = l.rdb.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, zkey, lim.Window.Std()+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// MemoryRateLimiter is the single-process fallback used in tests and when
// no redis address is configured.
type MemoryRateLimiter struct {
	mu     sync.Mutex
	limits config.RateLimits
	hits   map[string][]time.Time
}

func NewMemoryRateLimiter(limits config.RateLimits) *MemoryRateLimiter {
	return &MemoryRateLimiter{limits: limits, hits: make(map[string][]time.Time)}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	lim, ok := l.limits[key]
	if !ok || lim.Limit <= 0 {
		return true, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-lim.Window.Std())
	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= lim.Limit {
		l.hits[key] = kept
		return false, kept[0].Add(lim.Window.Std()).Sub(now), nil
	}
	l.hits[key] = append(kept, now)
	return true, 0, nil
}
