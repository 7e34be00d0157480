package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	items map[string]*state.AnalysisState
}

// MemoryStore keeps requests in process. Requests in different shards never contend.
type MemoryStore struct {
	shards [shardCount]*shard
	opts   Options
}

func NewMemoryStore(opts Options) *MemoryStore {
	m := &MemoryStore{opts: opts.withDefaults()}
	for i := range m.shards {
		m.shards[i] = &shard{items: make(map[string]*state.AnalysisState)}
	}
	return m
}

func (m *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) Create(_ context.Context, product string, params state.Params) (*state.AnalysisState, error) {
	s, err := newState(m.opts, product, params)
	if err != nil {
		return nil, err
	}
	sh := m.shardFor(s.RequestID)
	sh.mu.Lock()
	sh.items[s.RequestID] = s
	sh.mu.Unlock()

	metrics.RecordStoreOperation("memory", "create", nil)
	return s.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*state.AnalysisState, error) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.items[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*state.AnalysisState) error) (*state.AnalysisState, error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := mutate(cur, fn)
	metrics.RecordStoreOperation("memory", "update", err)
	if err != nil {
		return nil, err
	}
	sh.items[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*state.AnalysisState, error) {
	var all []*state.AnalysisState
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.items {
			all = append(all, s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].RequestID < all[j].RequestID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	limit = clampLimit(limit)
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*state.AnalysisState, len(all))
	for i, s := range all {
		out[i] = s.Clone()
	}
	return out, nil
}

// Len returns the number of stored requests
func (m *MemoryStore) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}
