package api

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the Redis API the shared limiter needs.
// *redis.Client satisfies it.
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// redisLimiter enforces a fixed-window request budget shared by every instance
// using the same Redis. A window admits burst requests and lasts burst/rate
// seconds, so the long-run rate matches the in-memory token bucket.
type redisLimiter struct {
	client RedisClient
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func newRedisLimiter(client RedisClient, prefix string, requestsPerSecond float64, burst int, logger *slog.Logger) *redisLimiter {
	window := time.Second
	if requestsPerSecond > 0 {
		window = time.Duration(math.Ceil(float64(burst)/requestsPerSecond)) * time.Second
	}
	if window < time.Second {
		window = time.Second
	}
	return &redisLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(burst),
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// Allow implements limiter. Redis errors let the request through.
func (rl *redisLimiter) Allow(ctx context.Context, key string) bool {
	slot := rl.now().UnixNano() / int64(rl.window)
	k := rl.prefix + key + ":" + strconv.FormatInt(slot, 10)

	n, err := rl.client.Incr(ctx, k).Result()
	if err != nil {
		rl.logger.Warn("rate limit store unavailable", "error", err)
		return true
	}
	if n == 1 {
		if err := rl.client.Expire(ctx, k, 2*rl.window).Err(); err != nil {
			rl.logger.Warn("rate limit expiry failed", "key", k, "error", err)
		}
	}
	return n <= rl.limit
}

// StartCleanup is a no-op: window keys expire in Redis.
func (rl *redisLimiter) StartCleanup(context.Context, time.Duration, time.Duration) {}
