package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// checkerState is the runtime configuration of one registered checker
type checkerState struct {
	checker   Checker
	enabled   bool
	interval  time.Duration
	timeout   time.Duration
	critical  bool
	lastCheck time.Time
}

// HealthConfiguration contains health check configuration
type HealthConfiguration struct {
	Enabled       bool
	CheckInterval time.Duration
	GlobalTimeout time.Duration
	Checks        map[string]CheckConfig
}

// CheckConfig overrides the defaults a checker reports about itself
type CheckConfig struct {
	Enabled  bool
	Critical bool
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultConfiguration returns the stock health settings
func DefaultConfiguration() *HealthConfiguration {
	return &HealthConfiguration{
		Enabled:       true,
		CheckInterval: 30 * time.Second,
		GlobalTimeout: 5 * time.Second,
		Checks:        make(map[string]CheckConfig),
	}
}

// Manager runs registered checkers and aggregates their results
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]*checkerState
	lastResults map[string]CheckResult
	config      *HealthConfiguration
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a health manager. A nil config selects the defaults.
func NewManager(config *HealthConfiguration, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfiguration()
	}
	if config.Checks == nil {
		config.Checks = make(map[string]CheckConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]*checkerState),
		lastResults: make(map[string]CheckResult),
		config:      config,
		logger:      logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	st := &checkerState{
		checker:  checker,
		enabled:  true,
		interval: m.config.CheckInterval,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}
	if cc, ok := m.config.Checks[name]; ok {
		applyCheckConfig(st, cc)
	}

	m.checkers[name] = st
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("enabled", st.enabled),
		zap.Bool("critical", st.critical),
		zap.Duration("timeout", st.timeout),
	)
	return nil
}

func applyCheckConfig(st *checkerState, cc CheckConfig) {
	st.enabled = cc.Enabled
	st.critical = cc.Critical
	if cc.Interval > 0 {
		st.interval = cc.Interval
	}
	if cc.Timeout > 0 {
		st.timeout = cc.Timeout
	}
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	detailed := m.GetDetailedHealth(ctx)
	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(start)
	return overall
}

// GetDetailedHealth runs every enabled checker concurrently and aggregates the results
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	states := m.snapshot(func(*checkerState) bool { return true })

	results := m.runChecks(ctx, states)

	m.mu.Lock()
	for name, r := range results {
		m.lastResults[name] = r
	}
	m.mu.Unlock()

	return Summarize(results)
}

// GetLastResults returns the most recent results without running new checks
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for name, r := range m.lastResults {
		out[name] = r
	}
	return out
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive returns true if the process is alive. It never runs checks.
func (m *Manager) IsLive(context.Context) bool {
	return true
}

func (m *Manager) snapshot(due func(*checkerState) bool) map[string]*checkerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*checkerState, len(m.checkers))
	for name, st := range m.checkers {
		if st.enabled && due(st) {
			out[name] = st
		}
	}
	return out
}

func (m *Manager) runChecks(ctx context.Context, states map[string]*checkerState) map[string]CheckResult {
	var mu sync.Mutex
	results := make(map[string]CheckResult, len(states))

	var g errgroup.Group
	for name, st := range states {
		g.Go(func() error {
			r := m.runSingleCheck(ctx, st)
			mu.Lock()
			results[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) runSingleCheck(ctx context.Context, st *checkerState) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	start := time.Now()
	result := st.checker.Check(checkCtx)
	result.Component = st.checker.Name()
	result.Critical = st.critical
	result.Duration = time.Since(start)
	result.Timestamp = start

	m.mu.Lock()
	st.lastCheck = start
	m.mu.Unlock()
	return result
}

// Summarize aggregates component results into a detailed report
func Summarize(components map[string]CheckResult) DetailedHealth {
	summary := HealthSummary{Total: len(components)}
	critical, nonCritical, degraded := 0, 0, 0
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
			degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
			if r.Critical {
				critical++
			} else {
				nonCritical++
			}
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	var overall OverallHealth
	switch {
	case summary.Total == 0:
		overall = OverallHealth{Status: StatusUnknown, Message: "No health checks registered"}
	case critical > 0:
		overall = OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", critical),
			Live:    true,
		}
	case degraded > 0:
		overall = OverallHealth{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d component(s) degraded", degraded),
			Ready:   true,
			Live:    true,
		}
	case nonCritical > 0:
		overall = OverallHealth{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d non-critical component(s) failing", nonCritical),
			Ready:   true,
			Live:    true,
		}
	default:
		overall = OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("All %d components healthy", summary.Total),
			Ready:   true,
			Live:    true,
		}
	}
	overall.Degraded = overall.Status == StatusDegraded

	now := time.Now()
	overall.Timestamp = now
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summary,
		Timestamp:  now,
	}
}

// Start runs due checks in the background until ctx is cancelled or Stop is called
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || !m.config.Enabled {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	interval := m.config.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go m.backgroundChecker(ctx, interval, m.done)

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", interval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop halts background checking and waits for the loop to exit
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) backgroundChecker(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.runBackgroundChecks(ctx, now)
		}
	}
}

func (m *Manager) runBackgroundChecks(ctx context.Context, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	states := m.snapshot(func(st *checkerState) bool { return now.Sub(st.lastCheck) >= st.interval })
	if len(states) == 0 {
		return
	}

	results := m.runChecks(ctx, states)
	m.mu.Lock()
	for name, r := range results {
		m.lastResults[name] = r
		if r.Status == StatusUnhealthy {
			m.logger.Warn("Health check failing",
				zap.String("checker", name),
				zap.String("message", r.Message),
				zap.String("error", r.Error),
			)
		}
	}
	m.mu.Unlock()
	m.logger.Debug("Background health checks completed", zap.Int("checks_run", len(results)))
}

// UpdateConfiguration applies new per-check overrides to registered checkers
func (m *Manager) UpdateConfiguration(config *HealthConfiguration) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = config
	for name, st := range m.checkers {
		if cc, ok := config.Checks[name]; ok {
			applyCheckConfig(st, cc)
		}
	}
	m.logger.Info("Health manager configuration updated",
		zap.Bool("enabled", config.Enabled),
		zap.Duration("check_interval", config.CheckInterval),
		zap.Int("check_configs", len(config.Checks)),
	)
	return nil
}
