package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
)

// Cache stores tool results keyed by input fingerprint.
// Implementations must be safe for concurrent use; failures degrade to misses.
type Cache interface {
	Lookup(ctx context.Context, fp string) (state.StageResult, bool)
	Store(ctx context.Context, fp string, result state.StageResult, ttl time.Duration)
}

// Fingerprint identifies a tool invocation by tool name and normalized input.
// Two requests that differ only in product name case or spacing share a fingerprint.
func Fingerprint(tool string, in tools.Input) (string, error) {
	b, err := json.Marshal(in.Normalized())
	if err != nil {
		return "", fmt.Errorf("failed to encode tool input: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Nop never hits
type Nop struct{}

func (Nop) Lookup(context.Context, string) (state.StageResult, bool) {
	return state.StageResult{}, false
}

func (Nop) Store(context.Context, string, state.StageResult, time.Duration) {}
