package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker.
// service labels the breaker metrics (e.g. "request-store", "result-cache").
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)

	return &RedisWrapper{
		client:  client,
		cb:      cb,
		service: service,
		logger:  logger,
	}
}

type redisCmd interface {
	Err() error
	SetErr(error)
}

// guarded runs fn through the breaker. redis.Nil is a miss, not a failure.
func guarded[C redisCmd](rw *RedisWrapper, ctx context.Context, fn func() C, empty func() C) C {
	var result C
	var ran bool

	err := rw.cb.Execute(ctx, func() error {
		result = fn()
		ran = true
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), err == nil)

	if !ran {
		result = empty()
		result.SetErr(err)
	}
	return result
}

// Ping wraps Redis Ping
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	return guarded(rw, ctx,
		func() *redis.StatusCmd { return rw.client.Ping(ctx) },
		func() *redis.StatusCmd { return redis.NewStatusCmd(ctx) })
}

// Get wraps Redis Get
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	return guarded(rw, ctx,
		func() *redis.StringCmd { return rw.client.Get(ctx, key) },
		func() *redis.StringCmd { return redis.NewStringCmd(ctx) })
}

// Set wraps Redis Set
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	return guarded(rw, ctx,
		func() *redis.StatusCmd { return rw.client.Set(ctx, key, value, expiration) },
		func() *redis.StatusCmd { return redis.NewStatusCmd(ctx) })
}

// SetNX wraps Redis SetNX
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return guarded(rw, ctx,
		func() *redis.BoolCmd { return rw.client.SetNX(ctx, key, value, expiration) },
		func() *redis.BoolCmd { return redis.NewBoolCmd(ctx) })
}

// Del wraps Redis Del
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return guarded(rw, ctx,
		func() *redis.IntCmd { return rw.client.Del(ctx, keys...) },
		func() *redis.IntCmd { return redis.NewIntCmd(ctx) })
}

// ZAdd wraps Redis ZAdd
func (rw *RedisWrapper) ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd {
	return guarded(rw, ctx,
		func() *redis.IntCmd { return rw.client.ZAdd(ctx, key, members...) },
		func() *redis.IntCmd { return redis.NewIntCmd(ctx) })
}

// ZRevRange wraps Redis ZRevRange
func (rw *RedisWrapper) ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	return guarded(rw, ctx,
		func() *redis.StringSliceCmd { return rw.client.ZRevRange(ctx, key, start, stop) },
		func() *redis.StringSliceCmd { return redis.NewStringSliceCmd(ctx) })
}

// ZRem wraps Redis ZRem
func (rw *RedisWrapper) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	return guarded(rw, ctx,
		func() *redis.IntCmd { return rw.client.ZRem(ctx, key, members...) },
		func() *redis.IntCmd { return redis.NewIntCmd(ctx) })
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
