package httpapi

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

// inflight bounds the number of analyses running at once. A slot is taken
// before submit and given back by the engine completion hook.
type inflight struct {
	sem *semaphore.Weighted
	max int64

	mu   sync.Mutex
	held map[string]struct{}
	// tickets acquired but not yet tracked or aborted
	pending map[uint64]struct{}
	next    uint64
	// runs that finished before their slot was tracked, stamped with the
	// newest ticket at the time
	early map[string]uint64
	count int64
}

func newInflight(max int) *inflight {
	if max <= 0 {
		max = 1
	}
	return &inflight{
		sem:     semaphore.NewWeighted(int64(max)),
		max:     int64(max),
		held:    make(map[string]struct{}),
		pending: make(map[uint64]struct{}),
		early:   make(map[string]uint64),
	}
}

// TryAcquire takes a slot without waiting. The ticket must be passed to
// Track or Abort.
func (f *inflight) TryAcquire() (uint64, bool) {
	if !f.sem.TryAcquire(1) {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.next++
	f.pending[f.next] = struct{}{}
	return f.next, true
}

// Abort returns a slot whose submit failed
func (f *inflight) Abort(ticket uint64) {
	f.mu.Lock()
	f.settle(ticket)
	f.count--
	f.mu.Unlock()
	f.sem.Release(1)
}

// Track binds an acquired slot to a request id
func (f *inflight) Track(ticket uint64, id string) {
	f.mu.Lock()
	_, done := f.early[id]
	delete(f.early, id)
	f.settle(ticket)
	if done {
		f.count--
		f.mu.Unlock()
		f.sem.Release(1)
		return
	}
	f.held[id] = struct{}{}
	f.mu.Unlock()
}

// Release has the CompletionHook signature. A slot is released at most once
// per id, and ids no pending submit can claim are ignored.
func (f *inflight) Release(_ context.Context, id string, _ *state.AnalysisState) {
	f.mu.Lock()
	if _, ok := f.held[id]; ok {
		delete(f.held, id)
		f.count--
		f.mu.Unlock()
		f.sem.Release(1)
		return
	}
	if len(f.pending) > 0 {
		f.early[id] = f.next
	}
	f.mu.Unlock()
}

// settle drops ticket and every early release older than all remaining
// tickets. Caller holds f.mu.
func (f *inflight) settle(ticket uint64) {
	delete(f.pending, ticket)
	oldest := f.next + 1
	for t := range f.pending {
		if t < oldest {
			oldest = t
		}
	}
	for id, stamp := range f.early {
		if stamp < oldest {
			delete(f.early, id)
		}
	}
}

// InFlight returns the number of slots taken
func (f *inflight) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.count)
}
