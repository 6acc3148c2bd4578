package liveness

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultKey = "linesync:liveness"

// RedisTracker keeps peers in a sorted set scored by the unix time at which they expire, so several server
// processes can share one connection count.
type RedisTracker struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
	now func() time.Time
}

func NewRedisTracker(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisTracker {
	if key == "" {
		key = defaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{rdb: rdb, key: key, ttl: ttl, now: time.Now}
}

func (r *RedisTracker) Touch(ctx context.Context, peer string) error {
	expireAt := r.now().Add(r.ttl).Unix()
	return r.rdb.ZAdd(ctx, r.key, redis.Z{Score: float64(expireAt), Member: peer}).Err()
}

func (r *RedisTracker) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCount(ctx, r.key, "("+strconv.FormatInt(r.now().Unix(), 10), "+inf").Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RedisTracker) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := r.rdb.ZRemRangeByScore(ctx, r.key, "-inf", strconv.FormatInt(now.Unix(), 10)).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return int(n), nil
}
