package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares one fixed window across replicas via INCR + EXPIRE.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, window: window}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	redisKey := "ratelimit:" + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		// Fail open: a limiter outage must not block governance traffic.
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.window)}
	}
	if count == 1 {
		_ = l.client.Expire(ctx, redisKey, l.window).Err()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(ttl),
	}
}
