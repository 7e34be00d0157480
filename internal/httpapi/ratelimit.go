package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter counts submissions per caller in fixed windows kept in redis,
// so every replica shares one budget.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// RateDecision is the outcome for one submission
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewRateLimiter allows limit submissions per caller per minute
func NewRateLimiter(client *redis.Client, limit int) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: time.Minute,
		prefix: "analyst:ratelimit",
		now:    time.Now,
	}
}

// Allow counts one submission for key
func (l *RateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	now := l.now()
	start := now.Truncate(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window+time.Second)
		return nil
	})
	if err != nil {
		return RateDecision{Allowed: true}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(incr.Val())
	d := RateDecision{
		Allowed:   count <= l.limit,
		Remaining: max(l.limit-count, 0),
	}
	if !d.Allowed {
		d.RetryAfter = start.Add(l.window).Sub(now)
	}
	return d, nil
}
