package ratecontrol

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestDelayFor(t *testing.T) {
	d := DelayFor(RateLimit{RPM: 30})
	if d != 2*time.Second {
		t.Fatalf("expected 2s spacing, got %v", d)
	}
	if DelayFor(RateLimit{}) != 0 {
		t.Fatalf("expected no delay for zero limit")
	}
}

func TestLimitForProviderOverrides(t *testing.T) {
	if got := LimitForProvider("OpenAI", nil); got.RPM != 30 {
		t.Fatalf("expected built-in openai RPM 30, got %d", got.RPM)
	}
	if got := LimitForProvider("openai", map[string]int{"openai": 600}); got.RPM != 600 {
		t.Fatalf("expected override RPM 600, got %d", got.RPM)
	}
	if got := LimitForProvider("somewhere", nil); got.RPM != 45 {
		t.Fatalf("expected unknown provider fallback, got %d", got.RPM)
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(map[string]int{"google": 1}, zaptest.NewLogger(t))

	// Drain the burst so the next call must wait about a minute.
	for i := 0; i < 4; i++ {
		if err := l.Wait(context.Background(), "google"); err != nil {
			t.Fatalf("burst call %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "google"); err == nil {
		t.Fatalf("expected wait to fail once the burst is spent")
	}
}
