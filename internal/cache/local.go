package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

const defaultCapacity = 1024

// LocalCache is an in-process LRU with per-entry TTL.
// Expired entries are reported as misses but stay resident until overwritten,
// pushed out by capacity, or removed by Sweep.
type LocalCache struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // fingerprint -> element
	now  func() time.Time
}

type lruEntry struct {
	key    string
	result state.StageResult
	exp    time.Time
}

func NewLocalCache(capacity int) *LocalCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &LocalCache{
		cap:  capacity,
		list: list.New(),
		m:    make(map[string]*list.Element, capacity),
		now:  time.Now,
	}
}

func (l *LocalCache) Lookup(_ context.Context, fp string) (state.StageResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.m[fp]
	if !ok {
		metrics.RecordCacheLookup("local", false)
		return state.StageResult{}, false
	}
	ent := el.Value.(lruEntry)
	if !ent.exp.After(l.now()) {
		metrics.RecordCacheLookup("local", false)
		return state.StageResult{}, false
	}
	l.list.MoveToFront(el)
	metrics.RecordCacheLookup("local", true)
	return ent.result, true
}

func (l *LocalCache) Store(_ context.Context, fp string, result state.StageResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: fp, result: result, exp: l.now().Add(ttl)}
	if el, ok := l.m[fp]; ok {
		el.Value = ent
		l.list.MoveToFront(el)
		return
	}
	l.m[fp] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			delete(l.m, lru.Value.(lruEntry).key)
			l.list.Remove(lru)
			metrics.CacheEvictions.Inc()
		}
	}
	metrics.CacheSize.Set(float64(l.list.Len()))
}

// Len returns the number of resident entries, expired ones included
func (l *LocalCache) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Sweep drops every entry that has expired at now and returns how many were removed
func (l *LocalCache) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for el := l.list.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(lruEntry)
		if !ent.exp.After(now) {
			delete(l.m, ent.key)
			l.list.Remove(el)
			removed++
		}
		el = prev
	}
	metrics.CacheSize.Set(float64(l.list.Len()))
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is cancelled
func (l *LocalCache) StartJanitor(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(l.now()); n > 0 {
					logger.Debug("Swept expired cache entries", zap.Int("removed", n))
				}
			}
		}
	}()
}
