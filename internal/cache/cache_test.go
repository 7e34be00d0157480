package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
)

func discoveryResult(title string) state.StageResult {
	return state.DiscoveryResult(&state.ProductDiscovery{
		Products: []state.Product{{Title: title, Price: "$10"}},
		Count:    1,
		Source:   "synthetic",
	})
}

func TestFingerprint(t *testing.T) {
	base := tools.Input{RequestID: "a", ProductName: "Widget Pro"}

	same := tools.Input{RequestID: "b", ProductName: "  widget   PRO "}
	fp1, err := Fingerprint("product_discovery", base)
	require.NoError(t, err)
	fp2, err := Fingerprint("product_discovery", same)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "request id and name formatting must not affect the fingerprint")
	assert.Len(t, fp1, 64)

	otherTool, _ := Fingerprint("sentiment_analyzer", base)
	assert.NotEqual(t, fp1, otherTool)

	withParams := base
	withParams.Params = state.Params{MaxResults: 5}
	otherParams, _ := Fingerprint("product_discovery", withParams)
	assert.NotEqual(t, fp1, otherParams)

	defaults := base
	defaults.Params = state.Params{MaxResults: state.DefaultMaxResults}
	explicit, _ := Fingerprint("product_discovery", defaults)
	assert.Equal(t, fp1, explicit, "explicit defaults equal omitted defaults")

	withPrior := base
	withPrior.Discovery = discoveryResult("Widget").Discovery
	prior, _ := Fingerprint("product_discovery", withPrior)
	assert.NotEqual(t, fp1, prior)
}

func TestLocalCacheLazyExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	c := NewLocalCache(4)
	c.now = func() time.Time { return now }

	c.Store(ctx, "fp", discoveryResult("Widget"), time.Minute)
	got, ok := c.Lookup(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "Widget", got.Discovery.Products[0].Title)

	now = now.Add(time.Minute)
	_, ok = c.Lookup(ctx, "fp")
	assert.False(t, ok, "entry at its expiry instant is a miss")
	assert.Equal(t, 1, c.Len(), "expired lookups do not evict")

	assert.Equal(t, 1, c.Sweep(now))
	assert.Equal(t, 0, c.Len())
}

func TestLocalCacheZeroTTLIsNotStored(t *testing.T) {
	c := NewLocalCache(4)
	c.Store(context.Background(), "fp", discoveryResult("Widget"), 0)
	assert.Equal(t, 0, c.Len())
}

func TestLocalCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(2)

	c.Store(ctx, "a", discoveryResult("a"), time.Hour)
	c.Store(ctx, "b", discoveryResult("b"), time.Hour)
	_, ok := c.Lookup(ctx, "a")
	require.True(t, ok)
	c.Store(ctx, "c", discoveryResult("c"), time.Hour)

	_, ok = c.Lookup(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Lookup(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Lookup(ctx, "c")
	assert.True(t, ok)
}

func TestLocalCacheJanitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewLocalCache(4)
	c.Store(ctx, "fp", discoveryResult("Widget"), time.Millisecond)
	c.StartJanitor(ctx, 5*time.Millisecond, zaptest.NewLogger(t))

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)
	return NewRedisCache(circuitbreaker.NewRedisWrapper(client, "result-cache", logger), logger), s
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, s := newRedisCache(t)

	_, ok := c.Lookup(ctx, "fp")
	assert.False(t, ok)

	c.Store(ctx, "fp", discoveryResult("Widget"), time.Minute)
	got, ok := c.Lookup(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "Widget", got.Discovery.Products[0].Title)
	assert.Equal(t, time.Minute, s.TTL(keyPrefix+"fp"))

	s.FastForward(time.Minute + time.Second)
	_, ok = c.Lookup(ctx, "fp")
	assert.False(t, ok)
}

func TestRedisCacheIgnoresGarbage(t *testing.T) {
	c, s := newRedisCache(t)
	require.NoError(t, s.Set(keyPrefix+"bad", "not json"))
	require.NoError(t, s.Set(keyPrefix+"empty", "{}"))

	_, ok := c.Lookup(context.Background(), "bad")
	assert.False(t, ok)
	_, ok = c.Lookup(context.Background(), "empty")
	assert.False(t, ok)
}

func TestTieredBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	shared, _ := newRedisCache(t)
	local := NewLocalCache(8)
	tiered := NewTiered(local, shared, time.Minute)

	shared.Store(ctx, "fp", discoveryResult("Widget"), time.Hour)
	assert.Equal(t, 0, local.Len())

	got, ok := tiered.Lookup(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "Widget", got.Discovery.Products[0].Title)
	assert.Equal(t, 1, local.Len())

	tiered.Store(ctx, "other", discoveryResult("Other"), time.Hour)
	_, ok = local.Lookup(ctx, "other")
	assert.True(t, ok)
	_, ok = shared.Lookup(ctx, "other")
	assert.True(t, ok)
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	c.Store(context.Background(), "fp", discoveryResult("Widget"), time.Hour)
	_, ok := c.Lookup(context.Background(), "fp")
	assert.False(t, ok)
}
