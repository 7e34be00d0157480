package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/db"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity through its breaker
type RedisHealthChecker struct {
	name     string
	wrapper  *circuitbreaker.RedisWrapper
	critical bool
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. name distinguishes the
// store and cache connections when both are configured.
func NewRedisHealthChecker(name string, wrapper *circuitbreaker.RedisWrapper, critical bool, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		name:     name,
		wrapper:  wrapper,
		critical: critical,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return r.name }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: r.name, Critical: r.critical, Timestamp: start}

	if r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		return result
	}

	err := r.wrapper.Ping(ctx).Err()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		return result
	}

	result.Status, result.Message = latencyStatus(result.Duration, "Redis")
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// DatabaseHealthChecker checks the request store database
type DatabaseHealthChecker struct {
	client  *db.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(client *db.Client, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{
		client:  client,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: start}

	wrapper := d.client.Wrapper()
	if wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		return result
	}

	err := d.client.Ping(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		return result
	}

	stats := wrapper.GetDB().Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	} else {
		result.Status, result.Message = latencyStatus(result.Duration, "Database")
	}

	result.Details = map[string]interface{}{
		"driver":               wrapper.DriverName(),
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// PipelineHealthChecker verifies the stage registry is still runnable.
// Stages registered after startup are validated again here.
type PipelineHealthChecker struct {
	registry *registry.StageRegistry
}

func NewPipelineHealthChecker(reg *registry.StageRegistry) *PipelineHealthChecker {
	return &PipelineHealthChecker{registry: reg}
}

func (p *PipelineHealthChecker) Name() string           { return "pipeline" }
func (p *PipelineHealthChecker) IsCritical() bool       { return true }
func (p *PipelineHealthChecker) Timeout() time.Duration { return time.Second }

func (p *PipelineHealthChecker) Check(context.Context) CheckResult {
	result := CheckResult{Component: "pipeline", Critical: true, Timestamp: time.Now()}
	names := p.registry.Names()
	stages := make([]string, len(names))
	for i, n := range names {
		stages[i] = string(n)
	}
	result.Details = map[string]interface{}{"stages": stages}

	if err := p.registry.Validate(); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Stage registry is invalid"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Stage registry valid"
	return result
}

// LLMHealthChecker reports the tool mode and the provider breaker. Synthetic
// tools are always healthy; an open breaker degrades but never fails the service.
type LLMHealthChecker struct {
	suite *tools.Suite
}

func NewLLMHealthChecker(suite *tools.Suite) *LLMHealthChecker {
	return &LLMHealthChecker{suite: suite}
}

func (l *LLMHealthChecker) Name() string           { return "llm_provider" }
func (l *LLMHealthChecker) IsCritical() bool       { return false }
func (l *LLMHealthChecker) Timeout() time.Duration { return time.Second }

func (l *LLMHealthChecker) Check(context.Context) CheckResult {
	result := CheckResult{
		Component: "llm_provider",
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Details:   map[string]interface{}{"mode": l.suite.Mode},
	}
	if l.suite.Breaker == nil {
		result.Message = "Synthetic tools in use"
		return result
	}

	st := l.suite.Breaker.State()
	result.Details["circuit_breaker"] = st.String()
	switch st {
	case circuitbreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "LLM provider circuit breaker is open"
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "LLM provider recovering"
	default:
		result.Message = "LLM provider reachable"
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

func latencyStatus(d time.Duration, component string) (CheckStatus, string) {
	if d > slowThreshold {
		return StatusDegraded, component + " responding but with high latency"
	}
	return StatusHealthy, component + " healthy"
}
