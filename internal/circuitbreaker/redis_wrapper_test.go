package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisWrapper(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWrapper(client, "request-store", zaptest.NewLogger(t)), mr
}

func TestRedisWrapperStoreOperations(t *testing.T) {
	rw, mr := newTestRedisWrapper(t)
	ctx := context.Background()

	require.NoError(t, rw.Ping(ctx).Err())

	// request documents are written with a retention TTL
	require.NoError(t, rw.Set(ctx, "analysis:r1", `{"status":"pending"}`, time.Hour).Err())
	assert.Equal(t, time.Hour, mr.TTL("analysis:r1"))
	doc, err := rw.Get(ctx, "analysis:r1").Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pending"}`, doc)

	created, err := rw.SetNX(ctx, "analysis:r1", "dup", time.Hour).Result()
	require.NoError(t, err)
	assert.False(t, created, "SetNX must not overwrite an existing request")

	// the recency index lists newest first
	require.NoError(t, rw.ZAdd(ctx, "analysis:index",
		&redis.Z{Score: 100, Member: "r1"},
		&redis.Z{Score: 200, Member: "r2"},
	).Err())
	ids, err := rw.ZRevRange(ctx, "analysis:index", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r1"}, ids)

	removed, err := rw.ZRem(ctx, "analysis:index", "r1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	deleted, err := rw.Del(ctx, "analysis:r1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	assert.False(t, rw.IsCircuitBreakerOpen())
}

func TestRedisWrapperMissesDoNotTrip(t *testing.T) {
	rw, _ := newTestRedisWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.Equal(t, redis.Nil, rw.Get(ctx, "cache:absent").Err())
	}
	assert.False(t, rw.IsCircuitBreakerOpen())
}

func TestRedisWrapperOutageOpensBreaker(t *testing.T) {
	rw, mr := newTestRedisWrapper(t)
	ctx := context.Background()
	mr.Close()

	threshold := int(GetRedisConfig().FailureThreshold)
	for i := 0; i < threshold; i++ {
		assert.Error(t, rw.Ping(ctx).Err())
	}
	require.True(t, rw.IsCircuitBreakerOpen())

	// open breaker fails fast with an empty command of the right type
	cmd := rw.Get(ctx, "analysis:r1")
	assert.ErrorIs(t, cmd.Err(), ErrCircuitBreakerOpen)
	assert.Empty(t, cmd.Val())
	assert.ErrorIs(t, rw.ZRevRange(ctx, "analysis:index", 0, -1).Err(), ErrCircuitBreakerOpen)
}

func TestRedisWrapperCancelledCallerDoesNotTrip(t *testing.T) {
	rw, _ := newTestRedisWrapper(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, rw.Get(ctx, "analysis:r1").Err(), context.Canceled)
	}
	assert.False(t, rw.IsCircuitBreakerOpen())
}
