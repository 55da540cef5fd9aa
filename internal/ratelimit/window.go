// Package ratelimit holds the per-token scan limiter: a fixed one-minute
// window counter in redis. Bursts spanning a window boundary may pass
// slightly over the nominal limit, which is acceptable here.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys expire a little after the window so a reused window key is never
// counted against the wrong minute.
const windowExpiry = 70 * time.Second

type Limiter interface {
	Allow(ctx context.Context, bucket string, perMin int) (bool, error)
}

type RedisWindow struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "qr:rl"
	}
	return &RedisWindow{client: client, prefix: prefix, now: time.Now}
}

// Allow counts one attempt against the bucket's current minute window.
// perMin <= 0 means unlimited. On a redis failure it reports allowed along
// with the error; limiter outages never refuse scans.
func (l *RedisWindow) Allow(ctx context.Context, bucket string, perMin int) (bool, error) {
	if perMin <= 0 {
		return true, nil
	}
	if l.client == nil {
		return true, fmt.Errorf("redis client is nil")
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, bucket, l.now().UTC().Format("200601021504"))

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, windowExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("rate limit window: %w", err)
	}

	return incr.Val() <= int64(perMin), nil
}
