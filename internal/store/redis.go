package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

const (
	analysisKeyPrefix = "analyst:analysis:"
	analysisIndexKey  = "analyst:analyses"
)

// RedisStore keeps requests in Redis as JSON documents with a retention TTL.
// Updates are serialized per request inside this process only.
type RedisStore struct {
	client    *circuitbreaker.RedisWrapper
	logger    *zap.Logger
	retention time.Duration
	opts      Options
	locks     keyedMutex
}

func NewRedisStore(client *circuitbreaker.RedisWrapper, retention time.Duration, opts Options, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{
		client:    client,
		logger:    logger,
		retention: retention,
		opts:      opts.withDefaults(),
	}
}

func (r *RedisStore) analysisKey(id string) string {
	return analysisKeyPrefix + id
}

// keyedMutex hands out one mutex per id and forgets it once no caller holds
// or waits on it
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until id is free and returns its unlock func
func (k *keyedMutex) Lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (r *RedisStore) Create(ctx context.Context, product string, params state.Params) (*state.AnalysisState, error) {
	s, err := newState(r.opts, product, params)
	if err != nil {
		return nil, err
	}
	err = r.save(ctx, s)
	if err == nil {
		err = r.client.ZAdd(ctx, analysisIndexKey, &redis.Z{
			Score:  float64(s.CreatedAt.UnixNano()),
			Member: s.RequestID,
		}).Err()
		if err != nil {
			err = fmt.Errorf("failed to index analysis: %w", err)
		}
	}
	metrics.RecordStoreOperation("redis", "create", err)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*state.AnalysisState, error) {
	return r.load(ctx, id)
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(*state.AnalysisState) error) (*state.AnalysisState, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := mutate(cur, fn)
	if err != nil {
		return nil, err
	}
	err = r.save(ctx, next)
	metrics.RecordStoreOperation("redis", "update", err)
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]*state.AnalysisState, error) {
	limit = clampLimit(limit)
	ids, err := r.client.ZRevRange(ctx, analysisIndexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	out := make([]*state.AnalysisState, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if err == ErrNotFound {
			// Document expired; drop it from the index
			if remErr := r.client.ZRem(ctx, analysisIndexKey, id).Err(); remErr != nil {
				r.logger.Debug("Failed to prune analysis index", zap.String("request_id", id), zap.Error(remErr))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) load(ctx context.Context, id string) (*state.AnalysisState, error) {
	data, err := r.client.Get(ctx, r.analysisKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	var s state.AnalysisState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) save(ctx context.Context, s *state.AnalysisState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}
	if err := r.client.Set(ctx, r.analysisKey(s.RequestID), data, r.retention).Err(); err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}
