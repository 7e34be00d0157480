package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig holds the tunables of one breaker family
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// Stock settings per dependency. Each field can be overridden with
// CB_<FAMILY>_<FIELD>, e.g. CB_LLM_TIMEOUT=30s.
var (
	redisDefaults = CircuitBreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
	databaseDefaults = CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
	// model providers rate limit in bursts, so the breaker trips late and recovers slowly
	llmDefaults = CircuitBreakerConfig{
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}
)

// GetRedisConfig guards the request store and shared cache
func GetRedisConfig() CircuitBreakerConfig { return fromEnv("REDIS", redisDefaults) }

// GetDatabaseConfig guards the SQL request store
func GetDatabaseConfig() CircuitBreakerConfig { return fromEnv("DB", databaseDefaults) }

// GetHTTPConfig guards outbound language model calls
func GetHTTPConfig() CircuitBreakerConfig { return fromEnv("LLM", llmDefaults) }

func fromEnv(family string, def CircuitBreakerConfig) CircuitBreakerConfig {
	prefix := "CB_" + family + "_"
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(prefix+"INTERVAL", def.Interval),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
