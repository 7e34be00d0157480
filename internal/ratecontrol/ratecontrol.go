package ratecontrol

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimit is the outbound budget for one provider
type RateLimit struct {
	RPM   int
	Burst int
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":  {RPM: 30, Burst: 3},
	"google":  {RPM: 40, Burst: 4},
	"unknown": {RPM: 45, Burst: 3},
}

// LimitForProvider resolves the limit for a provider, preferring configured overrides
func LimitForProvider(provider string, overrides map[string]int) RateLimit {
	key := strings.ToLower(strings.TrimSpace(provider))
	builtIn, ok := builtInProviderLimits[key]
	if !ok {
		builtIn = builtInProviderLimits["unknown"]
	}
	if rpm, ok := overrides[key]; ok && rpm > 0 {
		return RateLimit{RPM: rpm, Burst: builtIn.Burst}
	}
	return builtIn
}

// Limiter paces outbound calls per provider with token buckets
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	overrides map[string]int
	logger    *zap.Logger
}

func NewLimiter(overrides map[string]int, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		overrides: overrides,
		logger:    logger,
	}
}

// Wait blocks until the provider has budget or ctx is done
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	lim := l.limiterFor(provider)
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Second {
		l.logger.Debug("Outbound call throttled",
			zap.String("provider", provider),
			zap.Duration("waited", waited),
		)
	}
	return nil
}

func (l *Limiter) limiterFor(provider string) *rate.Limiter {
	key := strings.ToLower(strings.TrimSpace(provider))
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	limit := LimitForProvider(key, l.overrides)
	lim := rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), max(limit.Burst, 1))
	l.limiters[key] = lim
	return lim
}

// DelayFor returns the steady-state spacing between calls for a limit
func DelayFor(limit RateLimit) time.Duration {
	if limit.RPM <= 0 {
		return 0
	}
	return time.Minute / time.Duration(limit.RPM)
}
