package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	// rename so the watcher never sees a half-written file
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	return path
}

// TestLoadConfig tests loading from file, environment and defaults
func TestLoadConfig(t *testing.T) {
	t.Run("Defaults when default file is missing", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), false)
		require.NoError(t, err)
		assert.Equal(t, 8000, cfg.Service.HTTPPort)
		assert.Equal(t, "memory", cfg.Store.Backend)
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialBackoff)
		assert.Equal(t, 6*time.Hour, cfg.Cache.DiscoveryTTL)
		assert.Zero(t, cfg.Cache.ReportTTL)
		assert.Equal(t, "enforce", cfg.Policy.Mode)
	})

	t.Run("Explicit path must exist", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), true)
		assert.Error(t, err)
	})

	t.Run("File values", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "analyst.yaml", `
service:
  http_port: 9100
  max_inflight: 8
retry:
  max_attempts: 5
  stage_timeout: 2s
cache:
  trend_ttl: 30m
tools:
  mode: synthetic
  rpm_overrides:
    openai: 30
`)
		cfg, err := LoadFile(path, true)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Service.HTTPPort)
		assert.Equal(t, 8, cfg.Service.MaxInflight)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
		assert.Equal(t, 2*time.Second, cfg.Retry.StageTimeout)
		assert.Equal(t, 30*time.Minute, cfg.Cache.TrendTTL)
		assert.Equal(t, 30, cfg.Tools.RPMOverrides["openai"])
		// untouched keys keep defaults
		assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	})

	t.Run("Environment variable override", func(t *testing.T) {
		t.Setenv("ANALYST_HTTP_PORT", "9200")
		t.Setenv("STORE_BACKEND", "redis")
		t.Setenv("REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), false)
		require.NoError(t, err)
		assert.Equal(t, 9200, cfg.Service.HTTPPort)
		assert.Equal(t, "redis", cfg.Store.Backend)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Store.RedisURL)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("CONFIG_PATH", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "custom.yaml", "service:\n  admin_port: 3000\n")
		t.Setenv("CONFIG_PATH", path)
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 3000, cfg.Service.AdminPort)
	})
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), false)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"redis without url", func(c *Config) { c.Store.Backend = "redis" }},
		{"sql without url", func(c *Config) { c.Store.Backend = "sql" }},
		{"shared cache without redis", func(c *Config) { c.Cache.Shared = true }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }},
		{"bad policy mode", func(c *Config) { c.Policy.Mode = "audit" }},
		{"no inflight slots", func(c *Config) { c.Service.MaxInflight = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.Store.Backend = "SQL"
	cfg.Store.DatabaseURL = "file:test.db"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "sql", cfg.Store.Backend)
}

func TestDecodeRetry(t *testing.T) {
	base := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2, StageTimeout: time.Minute}

	got, err := DecodeRetry(map[string]interface{}{
		"retry": map[string]interface{}{"max_attempts": 5, "initial_backoff": "250ms"},
	}, base)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, got.InitialBackoff)
	assert.Equal(t, time.Minute, got.StageTimeout)

	_, err = DecodeRetry(map[string]interface{}{"max_attempts": 0}, base)
	assert.Error(t, err)

	_, err = DecodeRetry(map[string]interface{}{"multiplier": 0.5}, base)
	assert.Error(t, err)
}

func TestConfigManagerHotReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, RetryFile, "retry:\n  max_attempts: 2\n")

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	base := RetryConfig{MaxAttempts: 3, Multiplier: 2}
	var mu sync.Mutex
	var seen []int
	cm.RegisterValidator(RetryFile, RetryValidator(base))
	cm.RegisterHandler(RetryFile, func(ev ChangeEvent) error {
		rc, err := DecodeRetry(ev.Config, base)
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, rc.MaxAttempts)
		mu.Unlock()
		return nil
	})
	policyReloads := make(chan struct{}, 4)
	cm.RegisterPolicyHandler(func() error {
		policyReloads <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cm.Start(ctx))
	defer func() { require.NoError(t, cm.Stop()) }()

	mu.Lock()
	assert.Equal(t, []int{2}, seen)
	mu.Unlock()

	writeFile(t, dir, RetryFile, "retry:\n  max_attempts: 4\n")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 4
	}, 2*time.Second, 20*time.Millisecond)

	// an invalid version is rejected and the last good one stays
	writeFile(t, dir, RetryFile, "retry:\n  max_attempts: 0\n")
	time.Sleep(200 * time.Millisecond)
	cfg, ok := cm.GetConfig(RetryFile)
	require.True(t, ok)
	rc, err := DecodeRetry(cfg, base)
	require.NoError(t, err)
	assert.Equal(t, 4, rc.MaxAttempts)

	writeFile(t, dir, "admission.rego", "package analyst.admission\n")
	select {
	case <-policyReloads:
	case <-time.After(2 * time.Second):
		t.Fatal("policy handler not called")
	}
}
