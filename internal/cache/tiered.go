package cache

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

// Tiered consults a fast local cache before a shared one
type Tiered struct {
	local  *LocalCache
	shared Cache
	// backfillTTL bounds how long a shared hit lives locally; the shared tier
	// does not report remaining lifetime.
	backfillTTL time.Duration
}

func NewTiered(local *LocalCache, shared Cache, backfillTTL time.Duration) *Tiered {
	if backfillTTL <= 0 {
		backfillTTL = 5 * time.Minute
	}
	return &Tiered{local: local, shared: shared, backfillTTL: backfillTTL}
}

func (t *Tiered) Lookup(ctx context.Context, fp string) (state.StageResult, bool) {
	if r, ok := t.local.Lookup(ctx, fp); ok {
		return r, true
	}
	r, ok := t.shared.Lookup(ctx, fp)
	if !ok {
		return state.StageResult{}, false
	}
	t.local.Store(ctx, fp, r, t.backfillTTL)
	return r, true
}

func (t *Tiered) Store(ctx context.Context, fp string, result state.StageResult, ttl time.Duration) {
	t.local.Store(ctx, fp, result, min(ttl, t.backfillTTL))
	t.shared.Store(ctx, fp, result, ttl)
}
