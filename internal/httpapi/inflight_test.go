package httpapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInflightReleaseBeforeTrack(t *testing.T) {
	f := newInflight(1)
	ticket, ok := f.TryAcquire()
	require.True(t, ok)
	_, ok = f.TryAcquire()
	assert.False(t, ok)

	// the run finished before the handler recorded the id
	f.Release(context.Background(), "fast", nil)
	assert.Equal(t, 1, f.InFlight())
	f.Track(ticket, "fast")
	assert.Equal(t, 0, f.InFlight())
	_, ok = f.TryAcquire()
	assert.True(t, ok)
}

func TestInflightIgnoresUnadmittedRuns(t *testing.T) {
	f := newInflight(2)

	// nothing pending: a run the HTTP layer never admitted leaves no trace
	f.Release(context.Background(), "cli-run", nil)
	assert.Empty(t, f.early)

	first, ok := f.TryAcquire()
	require.True(t, ok)
	f.Release(context.Background(), "unknown-id", nil)
	second, ok := f.TryAcquire()
	require.True(t, ok)
	f.Release(context.Background(), "fast", nil)
	require.Len(t, f.early, 2)

	// once the first submit settles, only releases newer than the second
	// ticket can still be claimed
	f.Track(first, "slow")
	assert.Equal(t, map[string]uint64{"fast": second}, f.early)
	f.Track(second, "fast")
	assert.Empty(t, f.early)
	assert.Empty(t, f.pending)
	assert.Equal(t, 1, f.InFlight())

	f.Release(context.Background(), "slow", nil)
	assert.Equal(t, 0, f.InFlight())
	assert.Empty(t, f.held)
}

func TestInflightAbortPrunesEarly(t *testing.T) {
	f := newInflight(1)
	ticket, ok := f.TryAcquire()
	require.True(t, ok)
	f.Release(context.Background(), "stray", nil)
	f.Abort(ticket)
	assert.Empty(t, f.early)
	assert.Equal(t, 0, f.InFlight())
}

func TestInflightConcurrent(t *testing.T) {
	f := newInflight(4)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var tickets []uint64
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ticket, ok := f.TryAcquire(); ok {
				mu.Lock()
				tickets = append(tickets, ticket)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, tickets, 4)
	assert.Equal(t, 4, f.InFlight())
	f.Abort(tickets[0])
	assert.Equal(t, 3, f.InFlight())
}

func TestRateLimiterWindows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l := NewRateLimiter(client, 2)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	d, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	_, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	// other callers have their own budget
	d, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// keys expire with their window
	key := "analyst:ratelimit:10.0.0.1:" + "1772366400"
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	now = now.Add(time.Minute)
	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
