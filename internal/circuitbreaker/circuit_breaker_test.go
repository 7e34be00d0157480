package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

// fakeClock drives breaker expiry without sleeping
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, config Config) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	cb.now = clock.now
	cb.mutex.Lock()
	cb.toNewGeneration(clock.now())
	cb.mutex.Unlock()
	return cb, clock
}

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 10 * time.Second
	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Fatalf("initial state = %s, want closed", cb.State())
	}
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("success %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d returned %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state after failures = %s, want open", cb.State())
	}

	ran := false
	err := cb.Execute(ctx, func() error { ran = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || ran {
		t.Fatalf("open breaker ran=%v err=%v", ran, err)
	}
	if !IsOpen(fmt.Errorf("discovery: %w", err)) {
		t.Fatal("IsOpen should see through wrapping")
	}

	clock.advance(9 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state before timeout = %s, want open", cb.State())
	}
	clock.advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %s, want half-open", cb.State())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after probes = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.Timeout = time.Second
	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	clock.advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}
	_ = cb.Execute(ctx, func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.MaxRequests = 2
	config.Timeout = time.Second
	config.SuccessThreshold = 5
	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	clock.advance(2 * time.Second)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("third probe err = %v, want ErrTooManyRequests", err)
	}
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	if counts.Requests != 3 || counts.TotalSuccesses != 2 || counts.TotalFailures != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	if counts.ConsecutiveSuccesses != 1 || counts.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive counts = %+v", counts)
	}
}

func TestCircuitBreakerIntervalResetsCounts(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.Interval = time.Minute
	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })
	clock.advance(2 * time.Minute)
	_ = cb.Execute(ctx, func() error { return errBoom })

	if cb.State() != StateClosed {
		t.Fatalf("failures across generations opened the breaker")
	}
	if got := cb.Counts().ConsecutiveFailures; got != 1 {
		t.Fatalf("consecutive failures = %d, want 1", got)
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb, _ := newTestBreaker(t, config)

	// an abandoned caller does not count against the dependency
	err := cb.Execute(context.Background(), func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("cancellation opened the breaker")
	}

	// a deadline does count
	_ = cb.Execute(context.Background(), func() error { return context.DeadlineExceeded })
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
}

func TestCircuitBreakerDoneContextShortCircuits(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := cb.Execute(ctx, func() error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
	if got := cb.Counts().Requests; got != 0 {
		t.Fatalf("requests = %d, want 0", got)
	}
}

func TestCircuitBreakerCustomClassifier(t *testing.T) {
	errNotFound := errors.New("not found")
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errNotFound) }
	cb, _ := newTestBreaker(t, config)

	_ = cb.Execute(context.Background(), func() error { return errNotFound })
	if cb.State() != StateClosed {
		t.Fatalf("classified miss opened the breaker")
	}
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var transitions []string
	config.OnStateChange = func(name string, from State, to State) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	}
	cb, _ := newTestBreaker(t, config)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errBoom })
	}
	if len(transitions) != 1 || transitions[0] != "test:closed->open" {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestPanicCountsAsFailure(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb, _ := newTestBreaker(t, config)

	func() {
		defer func() { _ = recover() }()
		_ = cb.Execute(context.Background(), func() error { panic("tool crashed") })
	}()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
}
