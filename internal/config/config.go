package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultConfigPath = "config/analyst.yaml"

// Config is the full service configuration
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServiceConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	AdminPort       int           `mapstructure:"admin_port"`
	MaxInflight     int           `mapstructure:"max_inflight"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_minute"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ConfigDir is watched for retry.yaml and *.rego changes
	ConfigDir          string   `mapstructure:"config_dir"`
	StrictDependencies bool     `mapstructure:"strict_dependencies"`
	CORSOrigins        []string `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Backend     string        `mapstructure:"backend"` // memory, redis, sql
	RedisURL    string        `mapstructure:"redis_url"`
	DatabaseURL string        `mapstructure:"database_url"`
	Driver      string        `mapstructure:"driver"` // postgres, sqlite3
	Retention   time.Duration `mapstructure:"retention"`
}

type CacheConfig struct {
	LocalCapacity   int           `mapstructure:"local_capacity"`
	Shared          bool          `mapstructure:"shared"`
	BackfillTTL     time.Duration `mapstructure:"backfill_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	DiscoveryTTL    time.Duration `mapstructure:"discovery_ttl"`
	SentimentTTL    time.Duration `mapstructure:"sentiment_ttl"`
	TrendTTL        time.Duration `mapstructure:"trend_ttl"`
	ReportTTL       time.Duration `mapstructure:"report_ttl"`
}

// RetryConfig mirrors the engine retry policy; it is also the schema of retry.yaml
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" yaml:"multiplier"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
}

type ToolsConfig struct {
	Mode           string         `mapstructure:"mode"` // auto, live, synthetic
	Provider       string         `mapstructure:"provider"`
	Model          string         `mapstructure:"model"`
	GoogleAPIKey   string         `mapstructure:"google_api_key"`
	OpenAIAPIKey   string         `mapstructure:"openai_api_key"`
	OpenAIBaseURL  string         `mapstructure:"openai_base_url"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	RPMOverrides   map[string]int `mapstructure:"rpm_overrides"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type PolicyConfig struct {
	Mode       string `mapstructure:"mode"` // off, dry-run, enforce
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type StreamingConfig struct {
	Capacity   int `mapstructure:"capacity"`
	MaxStreams int `mapstructure:"max_streams"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

var envBindings = map[string]string{
	"service.http_port":     "ANALYST_HTTP_PORT",
	"service.admin_port":    "ANALYST_ADMIN_PORT",
	"service.max_inflight":  "MAX_INFLIGHT",
	"store.backend":         "STORE_BACKEND",
	"store.redis_url":       "REDIS_URL",
	"store.database_url":    "DATABASE_URL",
	"tools.mode":            "TOOLS_MODE",
	"tools.google_api_key":  "GOOGLE_API_KEY",
	"tools.openai_api_key":  "OPENAI_API_KEY",
	"tools.openai_base_url": "OPENAI_BASE_URL",
	"auth.jwt_secret":       "JWT_SECRET",
	"archive.access_key":    "MINIO_ACCESS_KEY",
	"archive.secret_key":    "MINIO_SECRET_KEY",
	"logging.level":         "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 8000)
	v.SetDefault("service.admin_port", 2112)
	v.SetDefault("service.max_inflight", 64)
	v.SetDefault("service.rate_limit_per_minute", 0)
	v.SetDefault("service.shutdown_timeout", 30*time.Second)
	v.SetDefault("service.config_dir", "config")
	v.SetDefault("service.cors_origins", []string{"*"})

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.retention", 24*time.Hour)

	v.SetDefault("cache.local_capacity", 1024)
	v.SetDefault("cache.backfill_ttl", 5*time.Minute)
	v.SetDefault("cache.janitor_interval", time.Minute)
	v.SetDefault("cache.discovery_ttl", 6*time.Hour)
	v.SetDefault("cache.sentiment_ttl", time.Hour)
	v.SetDefault("cache.trend_ttl", time.Hour)
	v.SetDefault("cache.report_ttl", 0)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 10*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.stage_timeout", 60*time.Second)

	v.SetDefault("tools.mode", "auto")
	v.SetDefault("tools.request_timeout", 60*time.Second)

	v.SetDefault("auth.issuer", "market-analyst")
	v.SetDefault("policy.mode", "enforce")
	v.SetDefault("archive.bucket", "analyst-reports")
	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.max_streams", 1024)
	v.SetDefault("tracing.service_name", "market-analyst")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("logging.level", "info")
}

// Load reads CONFIG_PATH (default config/analyst.yaml), applies environment
// overrides and fills defaults. A missing default file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	return LoadFile(path, explicit)
}

// LoadFile loads the configuration at path. When required is false a missing
// file yields the defaults.
func LoadFile(path string, required bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case "sql":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the sql backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Cache.Shared && c.Store.RedisURL == "" {
		return fmt.Errorf("cache.shared requires store.redis_url")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	switch c.Policy.Mode {
	case "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("unknown policy mode %q", c.Policy.Mode)
	}
	if c.Service.MaxInflight <= 0 {
		return fmt.Errorf("service.max_inflight must be positive")
	}
	return nil
}
