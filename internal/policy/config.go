package policy

import (
	"fmt"
	"strings"
	"time"
)

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// ParseMode accepts the config spelling of a mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeDryRun, ModeEnforce:
		return m, nil
	case "":
		return ModeEnforce, nil
	case "dryrun", "dry_run":
		return ModeDryRun, nil
	}
	return "", fmt.Errorf("unknown policy mode %q", s)
}

// Config holds policy engine configuration
type Config struct {
	Mode Mode
	// Path is a .rego file or a directory of them. Empty means the built-in policy.
	Path string
	// FailClosed denies requests when policies cannot be loaded or evaluated
	FailClosed bool

	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig enforces the built-in policy, failing open
func DefaultConfig() *Config {
	return &Config{
		Mode:      ModeEnforce,
		CacheSize: 1000,
		CacheTTL:  5 * time.Minute,
	}
}

// NewConfig builds a Config from the service settings
func NewConfig(mode, path string, failClosed bool) (*Config, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Mode = m
	cfg.Path = path
	cfg.FailClosed = failClosed
	return cfg, nil
}
