package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window counter shared by every server instance. The
// window of a key starts with its first request.
type Redis struct {
	client   *redis.Client
	requests int64
	window   time.Duration
	prefix   string
}

// NewRedis allows requests per window for each key.
func NewRedis(client *redis.Client, requests int, window time.Duration) *Redis {
	return &Redis{
		client:   client,
		requests: int64(requests),
		window:   window,
		prefix:   "devlogs:ratelimit:",
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := r.prefix + key

	n, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit window: %w", err)
		}
	} else if n == r.requests+1 {
		// Repairs a counter whose expiry was lost between INCR and EXPIRE.
		if ttl, err := r.client.TTL(ctx, redisKey).Result(); err == nil && ttl < 0 {
			r.client.Expire(ctx, redisKey, r.window)
		}
	}
	return n <= r.requests, nil
}
