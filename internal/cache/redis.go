package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

const keyPrefix = "analyst:result:"

// RedisCache shares tool results across replicas. Redis owns expiry.
type RedisCache struct {
	cli    *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

func NewRedisCache(cli *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{cli: cli, logger: logger}
}

func (r *RedisCache) Lookup(ctx context.Context, fp string) (state.StageResult, bool) {
	b, err := r.cli.Get(ctx, keyPrefix+fp).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("Result cache read failed", zap.String("fingerprint", fp), zap.Error(err))
		}
		metrics.RecordCacheLookup("redis", false)
		return state.StageResult{}, false
	}
	var result state.StageResult
	if err := json.Unmarshal(b, &result); err != nil {
		r.logger.Warn("Discarding undecodable cache entry", zap.String("fingerprint", fp), zap.Error(err))
		metrics.RecordCacheLookup("redis", false)
		return state.StageResult{}, false
	}
	if _, err := result.Stage(); err != nil {
		metrics.RecordCacheLookup("redis", false)
		return state.StageResult{}, false
	}
	metrics.RecordCacheLookup("redis", true)
	return result, true
}

func (r *RedisCache) Store(ctx context.Context, fp string, result state.StageResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("Failed to encode cache entry", zap.Error(err))
		return
	}
	if err := r.cli.Set(ctx, keyPrefix+fp, b, ttl).Err(); err != nil {
		r.logger.Warn("Result cache write failed", zap.String("fingerprint", fp), zap.Error(err))
	}
}
